package intel

import (
	"container/list"
	"sync"
	"time"

	"netshield/internal/model"
)

// Cache stores resolved OSINT profiles keyed by IP. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(ip string, now time.Time) (*model.OSINTProfile, bool)
	Set(ip string, profile *model.OSINTProfile)
	Len() int
}

// MemoryCache is an LRU cache with per-entry TTL. Capacity is enforced by
// evicting the least recently used entry; expired entries are dropped on
// read.
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	ip      string
	profile *model.OSINTProfile
	stored  time.Time
}

// NewMemoryCache creates a cache holding at most maxSize profiles, each
// valid for ttl after insertion.
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &MemoryCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *MemoryCache) Get(ip string, now time.Time) (*model.OSINTProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[ip]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if now.Sub(entry.stored) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, ip)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.profile, true
}

func (c *MemoryCache) Set(ip string, profile *model.OSINTProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[ip]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.profile = profile
		entry.stored = profile.ResolvedAt
		c.order.MoveToFront(elem)
		return
	}

	c.entries[ip] = c.order.PushFront(&cacheEntry{
		ip:      ip,
		profile: profile,
		stored:  profile.ResolvedAt,
	})
	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).ip)
	}
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
