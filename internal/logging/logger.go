package logging

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"netshield/internal/model"
)

// File names inside the session log directory.
const (
	TrafficFile   = "traffic.csv"
	EventsFile    = "events.jsonl"
	WatchlistFile = "watchlist.json"
	ReportFile    = "session_report.txt"
)

// EventLogger writes the session's log files. All writes funnel through a
// single goroutine fed by a bounded queue, so the packet path never touches
// the filesystem; overflow drops records with a warning.
type EventLogger struct {
	dir    string
	signer *Signer

	trafficFile *os.File
	trafficCSV  *csv.Writer
	eventsFile  *os.File

	queue chan any
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

type trafficItem struct{ entry model.LogEntry }
type eventItem struct{ event model.ThreatEvent }

// NewEventLogger creates the log directory and opens the traffic and event
// files. signer may be nil to disable integrity tagging.
func NewEventLogger(dir string, queueSize int, signer *Signer) (*EventLogger, error) {
	if queueSize <= 0 {
		queueSize = 10000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	trafficFile, err := os.OpenFile(filepath.Join(dir, TrafficFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open traffic log: %w", err)
	}
	eventsFile, err := os.OpenFile(filepath.Join(dir, EventsFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		trafficFile.Close()
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	l := &EventLogger{
		dir:         dir,
		signer:      signer,
		trafficFile: trafficFile,
		trafficCSV:  csv.NewWriter(trafficFile),
		eventsFile:  eventsFile,
		queue:       make(chan any, queueSize),
	}

	if stat, err := trafficFile.Stat(); err == nil && stat.Size() == 0 {
		header := []string{"timestamp", "ip", "protocol", "bytes", "speed_mbps", "throttled", "score"}
		if signer != nil {
			header = append(header, "sig")
		}
		l.trafficCSV.Write(header)
		l.trafficCSV.Flush()
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Dir returns the session log directory.
func (l *EventLogger) Dir() string { return l.dir }

// LogTraffic enqueues one traffic row. Never blocks.
func (l *EventLogger) LogTraffic(entry model.LogEntry) {
	l.enqueue(trafficItem{entry: entry})
}

// LogEvent enqueues one threat event. Never blocks.
func (l *EventLogger) LogEvent(ev model.ThreatEvent) {
	l.enqueue(eventItem{event: ev})
}

func (l *EventLogger) enqueue(item any) {
	select {
	case l.queue <- item:
	default:
		l.mu.Lock()
		l.dropped++
		if l.dropped%1000 == 1 {
			log.Printf("WARN: log queue full, dropped %d records so far", l.dropped)
		}
		l.mu.Unlock()
	}
}

// Dropped returns how many records were shed due to queue overflow.
func (l *EventLogger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *EventLogger) run() {
	defer l.wg.Done()
	for item := range l.queue {
		switch it := item.(type) {
		case trafficItem:
			l.writeTraffic(it.entry)
		case eventItem:
			l.writeEvent(it.event)
		}
	}
}

func (l *EventLogger) writeTraffic(e model.LogEntry) {
	row := []string{
		e.Timestamp,
		model.SanitizeIP(e.IP),
		e.Protocol,
		strconv.FormatUint(e.Bytes, 10),
		strconv.FormatFloat(e.SpeedMBps, 'f', 3, 64),
		strconv.FormatBool(e.Throttled),
		strconv.Itoa(e.Score),
	}
	if l.signer != nil {
		// JSON-encode the fields for signing so no field value can
		// collide with a delimiter and alias another row. The sig
		// column is spot-check material only; offline verification
		// covers events.jsonl.
		canonical, err := json.Marshal(row)
		if err != nil {
			log.Printf("WARN: failed to canonicalize traffic row: %v", err)
			return
		}
		row = append(row, l.signer.Sign(canonical))
	}
	if err := l.trafficCSV.Write(row); err != nil {
		log.Printf("WARN: failed to write traffic row: %v", err)
	}
	l.trafficCSV.Flush()
}

func (l *EventLogger) writeEvent(ev model.ThreatEvent) {
	var line []byte
	var err error
	if l.signer != nil {
		line, err = l.signer.SignEvent(ev)
	} else {
		ev.Sig = ""
		line, err = json.Marshal(ev)
	}
	if err != nil {
		log.Printf("WARN: failed to encode threat event: %v", err)
		return
	}
	if _, err := l.eventsFile.Write(append(line, '\n')); err != nil {
		log.Printf("WARN: failed to write threat event: %v", err)
	}
}

// SaveWatchlist writes the current watchlist snapshot atomically via a
// temporary file and rename, so a crash mid-write never corrupts it.
func (l *EventLogger) SaveWatchlist(entries []model.ThreatProfile) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal watchlist: %w", err)
	}

	target := filepath.Join(l.dir, WatchlistFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write watchlist: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace watchlist: %w", err)
	}
	return nil
}

// Close drains the queue and closes the log files. Records enqueued before
// Close are flushed; callers stop producing first.
func (l *EventLogger) Close() error {
	close(l.queue)
	l.wg.Wait()

	l.trafficCSV.Flush()
	err := l.trafficCSV.Error()
	if cerr := l.trafficFile.Close(); err == nil {
		err = cerr
	}
	if cerr := l.eventsFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// WriteReport renders the session report. Called after Close, once the
// final stats and profiles are settled.
func (l *EventLogger) WriteReport(r Report) error {
	return writeReportFile(filepath.Join(l.dir, ReportFile), r)
}

// Timestamp formats event times the way every log surface does.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
