package telemetry

import (
	"log"
	"sync"
)

// Message types pushed to observers.
const (
	MessageTypeStats = "stats"
	MessageTypeLogs  = "logs"
)

// Message is the wire envelope for the observer protocol. IsInitial marks
// the history replay a client receives right after connecting.
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	IsInitial bool   `json:"is_initial,omitempty"`
}

// Hub tracks the set of connected observers. Slow clients are evicted
// rather than allowed to stall the broadcast path.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("Telemetry client connected (%d total)", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("Telemetry client disconnected (%d total)", n)
}

// broadcast queues the message to every client, evicting any whose send
// buffer is full.
func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	var slow []*Client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range slow {
		log.Printf("WARN: telemetry client too slow, evicted")
		c.conn.Close()
	}
}

// closeAll disconnects every client, used at shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
