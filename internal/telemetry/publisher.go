package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"netshield/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds to loopback; origin checks would only reject
	// local dashboards.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatsFunc supplies the current aggregate counters for a tick.
type StatsFunc func() model.AggregateStats

// Publisher pushes stats and traffic log batches to websocket observers at
// a fixed cadence. New observers receive a one-time replay of the retained
// log history; the replay and the incremental batches are serialized under
// one lock so an entry is never delivered to the same client twice.
type Publisher struct {
	hub      *Hub
	statsFn  StatsFunc
	interval time.Duration

	mu      sync.Mutex
	ring    []model.LogEntry
	ringMax int
	pending []model.LogEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher broadcasting every interval and
// retaining historySize log entries for replay.
func NewPublisher(interval time.Duration, historySize int, statsFn StatsFunc) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	if historySize <= 0 {
		historySize = 500
	}
	return &Publisher{
		hub:      NewHub(),
		statsFn:  statsFn,
		interval: interval,
		ringMax:  historySize,
		stopCh:   make(chan struct{}),
	}
}

// Hub exposes the client set, mainly for tests and shutdown accounting.
func (p *Publisher) Hub() *Hub { return p.hub }

// Start launches the broadcast loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Tick()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the loop and disconnects all observers.
func (p *Publisher) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.hub.closeAll()
}

// AddLogEntry buffers a traffic log entry for the next broadcast.
func (p *Publisher) AddLogEntry(e model.LogEntry) {
	p.mu.Lock()
	p.pending = append(p.pending, e)
	// Bound the pending buffer against a stalled ticker.
	if len(p.pending) > p.ringMax {
		p.pending = p.pending[len(p.pending)-p.ringMax:]
	}
	p.mu.Unlock()
}

// Tick broadcasts the current stats and any pending log entries, then
// folds the entries into the replay ring. Called by the loop; exported for
// deterministic tests.
func (p *Publisher) Tick() {
	stats := p.statsFn()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.hub.broadcast(Message{Type: MessageTypeStats, Data: stats})

	if len(p.pending) == 0 {
		return
	}
	batch := p.pending
	p.pending = nil
	p.hub.broadcast(Message{Type: MessageTypeLogs, Data: batch})

	p.ring = append(p.ring, batch...)
	if len(p.ring) > p.ringMax {
		p.ring = p.ring[len(p.ring)-p.ringMax:]
	}
}

// register adds a client and queues its history replay. Runs under the
// publisher lock so no tick can interleave between the replay snapshot and
// the client joining the broadcast set.
func (p *Publisher) register(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.statsFn != nil {
		c.send <- Message{Type: MessageTypeStats, Data: p.statsFn()}
	}
	if len(p.ring) > 0 {
		history := make([]model.LogEntry, len(p.ring))
		copy(history, p.ring)
		c.send <- Message{Type: MessageTypeLogs, Data: history, IsInitial: true}
	}
	p.hub.add(c)
}

func (p *Publisher) unregister(c *Client) {
	p.hub.remove(c)
}

// HandleWS upgrades an HTTP request into an observer connection.
func (p *Publisher) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARN: websocket upgrade failed: %v", err)
		return
	}
	c := newClient(p, conn)
	p.register(c)
	go c.writePump()
	go c.readPump()
}
