package accountant

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"netshield/internal/model"
)

// flowRecord is the mutable accounting state for one (ip, protocol) flow.
// All access goes through the owning shard's lock.
type flowRecord struct {
	key       model.FlowKey
	packets   uint64
	bytes     uint64
	throttled uint64
	firstSeen time.Time
	lastSeen  time.Time
	speed     *window

	// Welford accumulator over packet sizes.
	sizeMean float64
	sizeM2   float64
}

func (r *flowRecord) observe(now time.Time, size int) {
	r.packets++
	r.bytes += uint64(size)
	r.lastSeen = now
	r.speed.add(now, uint64(size))

	delta := float64(size) - r.sizeMean
	r.sizeMean += delta / float64(r.packets)
	r.sizeM2 += delta * (float64(size) - r.sizeMean)
}

func (r *flowRecord) sizeStdDev() float64 {
	if r.packets < 2 {
		return 0
	}
	return math.Sqrt(r.sizeM2 / float64(r.packets-1))
}

func (r *flowRecord) snapshot(now time.Time) model.FlowSnapshot {
	return model.FlowSnapshot{
		Key:              r.key,
		Packets:          r.packets,
		Bytes:            r.bytes,
		ThrottledPackets: r.throttled,
		SpeedBps:         r.speed.rate(now),
		SizeStdDev:       r.sizeStdDev(),
		FirstSeen:        r.firstSeen,
		LastSeen:         r.lastSeen,
	}
}

type shard struct {
	mu    sync.RWMutex
	flows map[model.FlowKey]*flowRecord
}

// Accountant is the sharded per-flow byte and packet ledger. Shard count is
// fixed at construction; flows hash to shards by their key string.
type Accountant struct {
	shards    []*shard
	numShards uint32
	windowSec int

	ipMu sync.RWMutex
	ips  map[string]struct{}
}

// New creates an accountant with the given shard count and speed-window span
// in seconds.
func New(numShards uint32, windowSec int) *Accountant {
	if numShards == 0 {
		numShards = 256
	}
	if windowSec <= 0 {
		windowSec = 5
	}
	a := &Accountant{
		shards:    make([]*shard, numShards),
		numShards: numShards,
		windowSec: windowSec,
		ips:       make(map[string]struct{}),
	}
	for i := range a.shards {
		a.shards[i] = &shard{flows: make(map[model.FlowKey]*flowRecord)}
	}
	return a
}

func (a *Accountant) shardFor(key model.FlowKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.IP))
	h.Write([]byte{byte(key.Protocol)})
	return a.shards[h.Sum32()%a.numShards]
}

// Record folds one observation into its flow and returns the updated
// snapshot plus whether this is the first packet ever seen from the source
// IP (across both protocols).
func (a *Accountant) Record(obs model.PacketObservation) (model.FlowSnapshot, bool) {
	key := model.FlowKey{IP: obs.SrcIP.String(), Protocol: obs.Protocol}
	s := a.shardFor(key)

	s.mu.Lock()
	rec, ok := s.flows[key]
	if !ok {
		rec = &flowRecord{
			key:       key,
			firstSeen: obs.Timestamp,
			speed:     newWindow(a.windowSec),
		}
		s.flows[key] = rec
	}
	rec.observe(obs.Timestamp, obs.Size)
	snap := rec.snapshot(obs.Timestamp)
	s.mu.Unlock()

	newIP := false
	if !ok {
		a.ipMu.Lock()
		if _, seen := a.ips[key.IP]; !seen {
			a.ips[key.IP] = struct{}{}
			newIP = true
		}
		a.ipMu.Unlock()
	}
	return snap, newIP
}

// MarkThrottled increments the flow's throttled-packet counter. A miss is a
// no-op; the flow may already have been evicted.
func (a *Accountant) MarkThrottled(key model.FlowKey) {
	s := a.shardFor(key)
	s.mu.Lock()
	if rec, ok := s.flows[key]; ok {
		rec.throttled++
	}
	s.mu.Unlock()
}

// Snapshot returns the current state of one flow.
func (a *Accountant) Snapshot(key model.FlowKey, now time.Time) (model.FlowSnapshot, bool) {
	s := a.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.flows[key]
	if !ok {
		return model.FlowSnapshot{}, false
	}
	return rec.snapshot(now), true
}

// SnapshotsForIP returns the snapshots of every live flow from the IP, one
// per protocol. Used by the scorer to compute cross-protocol features.
func (a *Accountant) SnapshotsForIP(ip string, now time.Time) []model.FlowSnapshot {
	var out []model.FlowSnapshot
	for _, proto := range []model.Protocol{model.ProtoUDP, model.ProtoTCP} {
		if snap, ok := a.Snapshot(model.FlowKey{IP: ip, Protocol: proto}, now); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Snapshots returns every live flow's snapshot.
func (a *Accountant) Snapshots(now time.Time) []model.FlowSnapshot {
	var out []model.FlowSnapshot
	for _, s := range a.shards {
		s.mu.RLock()
		for _, rec := range s.flows {
			out = append(out, rec.snapshot(now))
		}
		s.mu.RUnlock()
	}
	return out
}

// EvictIdle drops flows whose last packet is older than the timeout and
// returns the evicted keys so callers can release matching token buckets.
func (a *Accountant) EvictIdle(now time.Time, timeout time.Duration) []model.FlowKey {
	var evicted []model.FlowKey
	for _, s := range a.shards {
		s.mu.Lock()
		for key, rec := range s.flows {
			if now.Sub(rec.lastSeen) > timeout {
				delete(s.flows, key)
				evicted = append(evicted, key)
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// UniqueIPs returns how many distinct source IPs have been seen this session.
// Idle eviction does not shrink this count.
func (a *Accountant) UniqueIPs() int {
	a.ipMu.RLock()
	defer a.ipMu.RUnlock()
	return len(a.ips)
}

// FlowCount returns the number of live flows across all shards.
func (a *Accountant) FlowCount() int {
	n := 0
	for _, s := range a.shards {
		s.mu.RLock()
		n += len(s.flows)
		s.mu.RUnlock()
	}
	return n
}
