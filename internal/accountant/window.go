package accountant

import (
	"sync"
	"time"
)

// window is a ring of one-second byte buckets used to estimate
// instantaneous speed without unbounded memory growth. It is not safe for
// concurrent use on its own; flow windows are guarded by their shard lock
// and AggregateWindow wraps one with its own mutex.
type window struct {
	buckets  []uint64
	lastTick int64 // unix second of the bucket currently being filled
}

func newWindow(spanSeconds int) *window {
	if spanSeconds <= 0 {
		spanSeconds = 5
	}
	return &window{buckets: make([]uint64, spanSeconds)}
}

// advance zeroes every bucket the clock has passed since the last sample.
func (w *window) advance(now time.Time) {
	tick := now.Unix()
	if w.lastTick == 0 {
		w.lastTick = tick
		return
	}
	gap := tick - w.lastTick
	if gap <= 0 {
		return
	}
	if gap >= int64(len(w.buckets)) {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
	} else {
		for i := int64(1); i <= gap; i++ {
			w.buckets[(w.lastTick+i)%int64(len(w.buckets))] = 0
		}
	}
	w.lastTick = tick
}

func (w *window) add(now time.Time, n uint64) {
	w.advance(now)
	w.buckets[w.lastTick%int64(len(w.buckets))] += n
}

func (w *window) sum(now time.Time) uint64 {
	w.advance(now)
	var total uint64
	for _, b := range w.buckets {
		total += b
	}
	return total
}

// rate returns the windowed average in units per second.
func (w *window) rate(now time.Time) float64 {
	return float64(w.sum(now)) / float64(len(w.buckets))
}

// AggregateWindow is a thread-safe sliding window over all traffic,
// used for the session-wide speed estimate and flood detection.
type AggregateWindow struct {
	mu sync.Mutex
	w  *window
}

// NewAggregateWindow creates a window spanning the given number of seconds.
func NewAggregateWindow(spanSeconds int) *AggregateWindow {
	return &AggregateWindow{w: newWindow(spanSeconds)}
}

// Add records n units at the given time.
func (a *AggregateWindow) Add(now time.Time, n uint64) {
	a.mu.Lock()
	a.w.add(now, n)
	a.mu.Unlock()
}

// Rate returns the windowed average in units per second.
func (a *AggregateWindow) Rate(now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.rate(now)
}

// Sum returns the total units currently inside the window.
func (a *AggregateWindow) Sum(now time.Time) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.sum(now)
}
