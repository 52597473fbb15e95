package pipeline

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"netshield/internal/accountant"
	"netshield/internal/config"
	"netshield/internal/logging"
	"netshield/internal/model"
	"netshield/internal/ratelimit"
	"netshield/internal/scoring"
	"netshield/internal/telemetry"
)

// floodWindowSeconds is the span over which the throttle ratio is judged
// for flood mode.
const floodWindowSeconds = 10

// floodMinPackets keeps flood mode from engaging on a trickle.
const floodMinPackets = 100

// Deps bundles the components the pipeline drives. Sink may be nil.
type Deps struct {
	Accountant *accountant.Accountant
	Limiter    *ratelimit.Limiter
	Engine     *scoring.Engine
	Logger     *logging.EventLogger
	Publisher  *telemetry.Publisher
	Sink       *logging.ClickHouseSink
}

// Pipeline is the packet path: a bounded intake channel drained by a
// worker pool, plus the periodic re-score, eviction, and watchlist loops.
type Pipeline struct {
	cfg  *config.Config
	deps Deps

	in       chan model.PacketObservation
	inMu     sync.RWMutex
	inClosed bool
	updates  chan string
	submit   func(ip string)

	udpPackets   atomic.Uint64
	udpDropped   atomic.Uint64
	tcpPackets   atomic.Uint64
	tcpDropped   atomic.Uint64
	totalBytes   atomic.Uint64
	droppedBytes atomic.Uint64
	shedPackets  atomic.Uint64
	floodMode    atomic.Bool

	byteWindow     *accountant.AggregateWindow
	packetWindow   *accountant.AggregateWindow
	throttleWindow *accountant.AggregateWindow

	sampleInterval time.Duration
	sampleMu       sync.Mutex
	lastSample     map[model.FlowKey]time.Time

	start   time.Time
	stopCh  chan struct{}
	workers sync.WaitGroup
	loops   sync.WaitGroup
}

// New creates a pipeline around the given components.
func New(cfg *config.Config, deps Deps) *Pipeline {
	chanSize := cfg.Accountant.SizeOfPacketChannel
	if chanSize <= 0 {
		chanSize = 10000
	}
	return &Pipeline{
		cfg:            cfg,
		deps:           deps,
		in:             make(chan model.PacketObservation, chanSize),
		updates:        make(chan string, 1024),
		byteWindow:     accountant.NewAggregateWindow(cfg.Accountant.WindowSeconds),
		packetWindow:   accountant.NewAggregateWindow(floodWindowSeconds),
		throttleWindow: accountant.NewAggregateWindow(floodWindowSeconds),
		sampleInterval: config.Duration(cfg.Logging.TrafficSampleInterval, time.Second),
		lastSample:     make(map[model.FlowKey]time.Time),
		start:          time.Now(),
		stopCh:         make(chan struct{}),
	}
}

// SetSubmitter wires the enrichment intake. Must be called before Start.
func (p *Pipeline) SetSubmitter(submit func(ip string)) {
	p.submit = submit
}

// Start launches the worker pool and the periodic loops.
func (p *Pipeline) Start() {
	numWorkers := p.cfg.Accountant.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 4
	}
	for i := 0; i < numWorkers; i++ {
		p.workers.Add(1)
		go p.worker()
	}

	p.loops.Add(2)
	go p.updateLoop()
	go p.tickLoop()

	log.Printf("Pipeline started with %d workers", numWorkers)
}

// Submit feeds one observation into the pipeline. When the intake is full
// the packet is shed and counted; accounting a stale packet late is worse
// than not accounting it at all. Safe to call after Stop: capture sources
// may still be draining buffered packets while the pipeline shuts down,
// and those are shed rather than accounted.
func (p *Pipeline) Submit(obs model.PacketObservation) {
	p.inMu.RLock()
	defer p.inMu.RUnlock()
	if p.inClosed {
		p.shedPackets.Add(1)
		return
	}
	select {
	case p.in <- obs:
	default:
		shed := p.shedPackets.Add(1)
		if shed%10000 == 1 {
			log.Printf("WARN: packet channel full, shed %d packets so far", shed)
		}
	}
}

// HandleOSINT receives completed enrichments and schedules a re-score.
func (p *Pipeline) HandleOSINT(profile *model.OSINTProfile) {
	p.deps.Engine.UpdateOSINT(profile)
	select {
	case p.updates <- profile.IP:
	default:
		// The periodic re-score loop will pick the IP up.
	}
}

// Stop drains the intake, stops the loops, and flushes the watchlist.
func (p *Pipeline) Stop() {
	p.inMu.Lock()
	p.inClosed = true
	close(p.in)
	p.inMu.Unlock()
	p.workers.Wait()
	close(p.stopCh)
	p.loops.Wait()

	if err := p.deps.Logger.SaveWatchlist(p.deps.Engine.Watchlist()); err != nil {
		log.Printf("WARN: final watchlist save failed: %v", err)
	}
	log.Println("Pipeline stopped")
}

func (p *Pipeline) worker() {
	defer p.workers.Done()
	for obs := range p.in {
		p.process(obs)
	}
}

func (p *Pipeline) process(obs model.PacketObservation) {
	if obs.SrcIP == nil || obs.Size <= 0 {
		return
	}

	snap, newIP := p.deps.Accountant.Record(obs)
	key := snap.Key
	verdict := p.deps.Limiter.Decide(key, obs.Size)

	size := uint64(obs.Size)
	p.totalBytes.Add(size)
	p.byteWindow.Add(obs.Timestamp, size)
	p.packetWindow.Add(obs.Timestamp, 1)

	throttled := verdict == model.VerdictThrottle
	if throttled {
		p.deps.Accountant.MarkThrottled(key)
		p.droppedBytes.Add(size)
		p.throttleWindow.Add(obs.Timestamp, 1)
	}
	switch obs.Protocol {
	case model.ProtoUDP:
		p.udpPackets.Add(1)
		if throttled {
			p.udpDropped.Add(1)
		}
	case model.ProtoTCP:
		p.tcpPackets.Add(1)
		if throttled {
			p.tcpDropped.Add(1)
		}
	}

	if newIP && p.submit != nil {
		p.submit(key.IP)
	}

	p.maybeSample(key, snap, obs, throttled)
}

// maybeSample rate-limits traffic log rows to one per flow per interval.
func (p *Pipeline) maybeSample(key model.FlowKey, snap model.FlowSnapshot, obs model.PacketObservation, throttled bool) {
	p.sampleMu.Lock()
	last, ok := p.lastSample[key]
	if ok && obs.Timestamp.Sub(last) < p.sampleInterval {
		p.sampleMu.Unlock()
		return
	}
	p.lastSample[key] = obs.Timestamp
	p.sampleMu.Unlock()

	entry := model.LogEntry{
		Timestamp: logging.Timestamp(obs.Timestamp),
		IP:        key.IP,
		Protocol:  key.Protocol.String(),
		Bytes:     snap.Bytes,
		SpeedMBps: snap.SpeedMBps(),
		Throttled: throttled,
	}
	if osint, ok := p.deps.Engine.OSINT(key.IP); ok {
		entry.Country = osint.Country
		entry.ASN = osint.ASN
	}
	if profile, ok := p.deps.Engine.Profile(key.IP); ok {
		entry.Score = profile.Score
		entry.Technique = profile.Technique
	}

	p.deps.Logger.LogTraffic(entry)
	p.deps.Publisher.AddLogEntry(entry)
	if p.deps.Sink != nil {
		p.deps.Sink.Append(entry)
	}
}

// updateLoop re-scores IPs as enrichments land.
func (p *Pipeline) updateLoop() {
	defer p.loops.Done()
	for {
		select {
		case ip := <-p.updates:
			p.rescore(ip, time.Now())
		case <-p.stopCh:
			return
		}
	}
}

// tickLoop runs the periodic re-score, idle eviction, watchlist save, and
// flood evaluation.
func (p *Pipeline) tickLoop() {
	defer p.loops.Done()

	rescore := time.NewTicker(config.Duration(p.cfg.Scoring.RescoreInterval, 5*time.Second))
	defer rescore.Stop()
	janitor := time.NewTicker(config.Duration(p.cfg.Accountant.IdleTimeout, 5*time.Minute) / 2)
	defer janitor.Stop()
	watchlist := time.NewTicker(config.Duration(p.cfg.Logging.WatchlistSaveInterval, 30*time.Second))
	defer watchlist.Stop()
	flood := time.NewTicker(time.Second)
	defer flood.Stop()

	for {
		select {
		case <-rescore.C:
			p.rescoreAll()
		case <-janitor.C:
			p.evictIdle()
		case <-watchlist.C:
			if err := p.deps.Logger.SaveWatchlist(p.deps.Engine.Watchlist()); err != nil {
				log.Printf("WARN: watchlist save failed: %v", err)
			}
		case <-flood.C:
			p.evaluateFlood(time.Now())
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) rescore(ip string, now time.Time) {
	snaps := p.deps.Accountant.SnapshotsForIP(ip, now)
	p.deps.Engine.Rescore(ip, snaps, now)
}

func (p *Pipeline) rescoreAll() {
	now := time.Now()
	seen := make(map[string]struct{})
	for _, snap := range p.deps.Accountant.Snapshots(now) {
		if _, ok := seen[snap.Key.IP]; ok {
			continue
		}
		seen[snap.Key.IP] = struct{}{}
		p.rescore(snap.Key.IP, now)
	}
}

func (p *Pipeline) evictIdle() {
	now := time.Now()
	timeout := config.Duration(p.cfg.Accountant.IdleTimeout, 5*time.Minute)
	evicted := p.deps.Accountant.EvictIdle(now, timeout)
	for _, key := range evicted {
		p.deps.Limiter.Forget(key)
	}
	if len(evicted) > 0 {
		p.sampleMu.Lock()
		for _, key := range evicted {
			delete(p.lastSample, key)
		}
		p.sampleMu.Unlock()
		log.Printf("Evicted %d idle flows", len(evicted))
	}
}

// evaluateFlood flips flood mode when the recent throttle ratio crosses
// the configured threshold with a minimum packet floor.
func (p *Pipeline) evaluateFlood(now time.Time) {
	packets := p.packetWindow.Sum(now)
	throttled := p.throttleWindow.Sum(now)

	active := false
	if packets >= floodMinPackets {
		active = float64(throttled)/float64(packets) > p.cfg.Telemetry.FloodRatio
	}
	if active != p.floodMode.Swap(active) {
		if active {
			log.Printf("Flood mode ENGAGED: %d/%d packets throttled in the last %ds",
				throttled, packets, floodWindowSeconds)
		} else {
			log.Println("Flood mode cleared")
		}
	}
}

// Stats snapshots the session-wide counters for telemetry and the API.
func (p *Pipeline) Stats() model.AggregateStats {
	now := time.Now()
	return model.AggregateStats{
		UDPPackets:       p.udpPackets.Load(),
		UDPDropped:       p.udpDropped.Load(),
		TCPPackets:       p.tcpPackets.Load(),
		TCPDropped:       p.tcpDropped.Load(),
		TotalBytes:       p.totalBytes.Load(),
		DroppedBytes:     p.droppedBytes.Load(),
		SpeedMBps:        p.byteWindow.Rate(now) / (1024 * 1024),
		MaxBandwidthMBps: p.cfg.Limits.MaxBandwidthMBps,
		FloodMode:        p.floodMode.Load(),
		UniqueIPs:        p.deps.Accountant.UniqueIPs(),
		UptimeSeconds:    now.Sub(p.start).Seconds(),
	}
}

// Report assembles the end-of-session summary data.
func (p *Pipeline) Report() logging.Report {
	now := time.Now()
	return logging.Report{
		Start:    p.start,
		End:      now,
		Mode:     p.cfg.Mode,
		Stats:    p.Stats(),
		Flows:    p.deps.Accountant.Snapshots(now),
		Profiles: p.deps.Engine.Profiles(),
		OSINT: func(ip string) *model.OSINTProfile {
			if osint, ok := p.deps.Engine.OSINT(ip); ok {
				return osint
			}
			return nil
		},
	}
}
