package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"netshield/internal/model"
)

type wireMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	IsInitial bool            `json:"is_initial"`
}

func testStats() model.AggregateStats {
	return model.AggregateStats{
		UDPPackets:       1234,
		SpeedMBps:        2.5,
		MaxBandwidthMBps: 50,
		UniqueIPs:        3,
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func entry(ip string, bytes uint64) model.LogEntry {
	return model.LogEntry{
		Timestamp: "2025-06-01T12:00:00Z",
		IP:        ip,
		Protocol:  "udp",
		Bytes:     bytes,
	}
}

func TestStatsBroadcastOnTick(t *testing.T) {
	p := NewPublisher(time.Hour, 10, testStats)
	srv := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer srv.Close()
	defer p.Stop()

	conn := dial(t, srv)
	defer conn.Close()

	// Connecting delivers an immediate stats snapshot.
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("first message type = %q, want stats", msg.Type)
	}
	var stats model.AggregateStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.UDPPackets != 1234 || stats.UniqueIPs != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	p.Tick()
	if msg = readMessage(t, conn); msg.Type != MessageTypeStats {
		t.Fatalf("tick message type = %q, want stats", msg.Type)
	}
}

func TestInitialReplayThenIncrementalNoDuplicates(t *testing.T) {
	p := NewPublisher(time.Hour, 10, testStats)
	srv := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer srv.Close()
	defer p.Stop()

	// Two entries broadcast before the observer connects.
	p.AddLogEntry(entry("1.1.1.1", 100))
	p.AddLogEntry(entry("2.2.2.2", 200))
	p.Tick()

	conn := dial(t, srv)
	defer conn.Close()

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("first message = %q, want stats", msg.Type)
	}

	msg = readMessage(t, conn)
	if msg.Type != MessageTypeLogs || !msg.IsInitial {
		t.Fatalf("second message = %+v, want initial logs", msg)
	}
	var history []model.LogEntry
	if err := json.Unmarshal(msg.Data, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 || history[0].IP != "1.1.1.1" || history[1].IP != "2.2.2.2" {
		t.Fatalf("history = %+v", history)
	}

	// A new entry arrives exactly once, in a non-initial batch.
	p.AddLogEntry(entry("3.3.3.3", 300))
	p.Tick()

	seen := map[string]int{}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg = readMessage(t, conn)
		if msg.Type != MessageTypeLogs {
			continue
		}
		if msg.IsInitial {
			t.Fatal("initial batch delivered twice")
		}
		var batch []model.LogEntry
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			t.Fatalf("decode batch: %v", err)
		}
		for _, e := range batch {
			seen[e.IP]++
		}
		break
	}
	if seen["3.3.3.3"] != 1 || seen["1.1.1.1"] != 0 {
		t.Fatalf("incremental batch = %v", seen)
	}
}

func TestNoInitialReplayWithEmptyHistory(t *testing.T) {
	p := NewPublisher(time.Hour, 10, testStats)
	srv := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer srv.Close()
	defer p.Stop()

	conn := dial(t, srv)
	defer conn.Close()

	readMessage(t, conn) // stats snapshot

	p.Tick() // nothing pending: stats only
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("got %q, want stats only with empty history", msg.Type)
	}
}

func TestHistoryRingBounded(t *testing.T) {
	p := NewPublisher(time.Hour, 3, testStats)
	for i := 0; i < 10; i++ {
		p.AddLogEntry(entry("1.1.1.1", uint64(i)))
		p.Tick()
	}
	p.mu.Lock()
	n := len(p.ring)
	last := p.ring[n-1].Bytes
	p.mu.Unlock()
	if n != 3 {
		t.Fatalf("ring length = %d, want 3", n)
	}
	if last != 9 {
		t.Fatalf("ring keeps oldest entries, last bytes = %d", last)
	}
}

func TestClientCountTracksConnections(t *testing.T) {
	p := NewPublisher(time.Hour, 10, testStats)
	srv := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer srv.Close()
	defer p.Stop()

	conn := dial(t, srv)
	readMessage(t, conn) // wait until registered
	if got := p.Hub().ClientCount(); got != 1 {
		t.Fatalf("ClientCount = %d, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for p.Hub().ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.Hub().ClientCount(); got != 0 {
		t.Fatalf("ClientCount after close = %d, want 0", got)
	}
}
