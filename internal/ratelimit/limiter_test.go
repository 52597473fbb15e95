package ratelimit

import (
	"testing"
	"time"

	"netshield/internal/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fixedClock lets tests control token refill precisely.
type fixedClock struct{ at time.Time }

func (c *fixedClock) Now() time.Time          { return c.at }
func (c *fixedClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestLimiter(bandwidthMBps, burstMB float64) (*Limiter, *fixedClock) {
	clk := &fixedClock{at: t0}
	l := New(bandwidthMBps, burstMB, 16)
	l.SetClock(clk.Now)
	return l, clk
}

func TestBurstWithinCapacityAllowed(t *testing.T) {
	l, _ := newTestLimiter(50, 10)
	key := model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoUDP}

	// 8 MB instantly against a 10 MB bucket: every packet passes.
	for i := 0; i < 8; i++ {
		if v := l.Decide(key, 1024*1024); v != model.VerdictAllow {
			t.Fatalf("packet %d: got %v, want allow", i, v)
		}
	}
}

func TestBurstBeyondCapacityThrottled(t *testing.T) {
	l, _ := newTestLimiter(50, 10)
	key := model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoUDP}

	allowed, throttled := 0, 0
	// 15 MB with no time passing: only the 10 MB bucket's worth passes.
	for i := 0; i < 15; i++ {
		if l.Decide(key, 1024*1024) == model.VerdictAllow {
			allowed++
		} else {
			throttled++
		}
	}
	if allowed != 10 || throttled != 5 {
		t.Fatalf("allowed=%d throttled=%d, want 10/5", allowed, throttled)
	}
}

func TestShortBurstCoveredByRefill(t *testing.T) {
	l, clk := newTestLimiter(50, 10)
	key := model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoUDP}

	// 12 MB arriving over 100ms from an idle flow: the 10 MB bucket plus
	// 5 MB of refill at 50 MB/s covers every packet.
	for i := 0; i < 12; i++ {
		if v := l.Decide(key, 1024*1024); v != model.VerdictAllow {
			t.Fatalf("packet %d: got %v, want allow", i, v)
		}
		clk.Advance(100 * time.Millisecond / 12)
	}
}

func TestSustainedStreamThrottledToRate(t *testing.T) {
	l, clk := newTestLimiter(50, 10)
	key := model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoUDP}

	// 60 MB/s offered for 10 seconds in 1 MB packets. After the initial
	// burst drains, acceptance settles at the 50 MB/s refill rate.
	var allowed int
	for i := 0; i < 600; i++ {
		if l.Decide(key, 1024*1024) == model.VerdictAllow {
			allowed++
		}
		clk.Advance(time.Second / 60)
	}
	// ~10 MB burst + ~500 MB refill over 10s.
	if allowed < 500 || allowed > 520 {
		t.Fatalf("allowed %d MB of 600, want ~510", allowed)
	}
}

func TestRefillRestoresTokens(t *testing.T) {
	l, clk := newTestLimiter(50, 10)
	key := model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoUDP}

	// Drain the bucket.
	for i := 0; i < 10; i++ {
		l.Decide(key, 1024*1024)
	}
	if v := l.Decide(key, 1024*1024); v != model.VerdictThrottle {
		t.Fatalf("drained bucket: got %v, want throttle", v)
	}

	// 100ms at 50 MB/s refills 5 MB.
	clk.Advance(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if v := l.Decide(key, 1024*1024); v != model.VerdictAllow {
			t.Fatalf("post-refill packet %d: got %v, want allow", i, v)
		}
	}
	if v := l.Decide(key, 1024*1024); v != model.VerdictThrottle {
		t.Fatalf("beyond refill: got %v, want throttle", v)
	}
}

func TestFlowsHaveIndependentBuckets(t *testing.T) {
	l, _ := newTestLimiter(50, 10)
	hog := model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoUDP}
	quiet := model.FlowKey{IP: "10.0.0.2", Protocol: model.ProtoUDP}

	for i := 0; i < 20; i++ {
		l.Decide(hog, 1024*1024)
	}
	if v := l.Decide(quiet, 1024*1024); v != model.VerdictAllow {
		t.Fatalf("quiet flow penalized by hog: got %v", v)
	}

	// Same IP, different protocol is a distinct flow too.
	hogTCP := model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoTCP}
	if v := l.Decide(hogTCP, 1024*1024); v != model.VerdictAllow {
		t.Fatalf("tcp flow shares udp bucket: got %v", v)
	}
}

func TestOversizedPacketThrottled(t *testing.T) {
	l, _ := newTestLimiter(50, 1)
	key := model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoUDP}

	if v := l.Decide(key, 2*1024*1024); v != model.VerdictThrottle {
		t.Fatalf("packet larger than bucket: got %v, want throttle", v)
	}
	// The oversized packet must not have drained the bucket.
	if v := l.Decide(key, 512*1024); v != model.VerdictAllow {
		t.Fatalf("normal packet after oversized: got %v, want allow", v)
	}
}

func TestForgetResetsBucket(t *testing.T) {
	l, _ := newTestLimiter(50, 10)
	key := model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoUDP}

	for i := 0; i < 10; i++ {
		l.Decide(key, 1024*1024)
	}
	if v := l.Decide(key, 1024*1024); v != model.VerdictThrottle {
		t.Fatal("expected drained bucket")
	}
	if got := l.BucketCount(); got != 1 {
		t.Fatalf("BucketCount = %d, want 1", got)
	}

	l.Forget(key)
	if got := l.BucketCount(); got != 0 {
		t.Fatalf("BucketCount after Forget = %d, want 0", got)
	}
	if v := l.Decide(key, 1024*1024); v != model.VerdictAllow {
		t.Fatalf("fresh bucket after Forget: got %v, want allow", v)
	}
}
