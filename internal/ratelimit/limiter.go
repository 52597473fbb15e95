package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"netshield/internal/model"
)

// Limiter enforces a per-flow bandwidth cap with token buckets. Tokens are
// bytes: each bucket refills at the configured bandwidth and holds at most
// one burst worth. Packets that cannot be covered are dropped outright,
// never delayed, so a hostile burst cannot back up the packet path.
type Limiter struct {
	shards    []*limiterShard
	numShards uint32
	limit     rate.Limit
	burst     int

	// now is swappable in tests for deterministic refill.
	now func() time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	buckets map[model.FlowKey]*rate.Limiter
}

// New creates a limiter allowing bandwidthMBps sustained throughput with a
// burstMB ceiling per flow key.
func New(bandwidthMBps, burstMB float64, numShards uint32) *Limiter {
	if numShards == 0 {
		numShards = 256
	}
	l := &Limiter{
		shards:    make([]*limiterShard, numShards),
		numShards: numShards,
		limit:     rate.Limit(bandwidthMBps * 1024 * 1024),
		burst:     int(burstMB * 1024 * 1024),
		now:       time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &limiterShard{buckets: make(map[model.FlowKey]*rate.Limiter)}
	}
	return l
}

// SetClock replaces the limiter's time source. Call before use.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

func (l *Limiter) shardFor(key model.FlowKey) *limiterShard {
	h := fnv.New32a()
	h.Write([]byte(key.IP))
	h.Write([]byte{byte(key.Protocol)})
	return l.shards[h.Sum32()%l.numShards]
}

// Decide consumes size bytes from the flow's bucket if available and returns
// the verdict. Buckets are created full on first sight of a key.
func (l *Limiter) Decide(key model.FlowKey, size int) model.Verdict {
	s := l.shardFor(key)

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		s.buckets[key] = b
	}
	s.mu.Unlock()

	// A single oversized packet can never be admitted; count it against
	// the flow rather than letting it bypass the cap.
	if size > l.burst {
		return model.VerdictThrottle
	}
	if b.AllowN(l.now(), size) {
		return model.VerdictAllow
	}
	return model.VerdictThrottle
}

// Forget releases the bucket for an evicted flow. The next packet from the
// key starts over with a full bucket.
func (l *Limiter) Forget(key model.FlowKey) {
	s := l.shardFor(key)
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
}

// BucketCount returns the number of live buckets across all shards.
func (l *Limiter) BucketCount() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}
