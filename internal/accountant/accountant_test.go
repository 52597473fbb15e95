package accountant

import (
	"net"
	"testing"
	"time"

	"netshield/internal/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func obs(ip string, proto model.Protocol, size int, at time.Time) model.PacketObservation {
	return model.PacketObservation{
		Timestamp: at,
		SrcIP:     net.ParseIP(ip),
		Protocol:  proto,
		Size:      size,
		Inbound:   true,
	}
}

func TestRecordAccumulates(t *testing.T) {
	a := New(16, 5)

	snap, newIP := a.Record(obs("10.0.0.1", model.ProtoUDP, 100, t0))
	if !newIP {
		t.Fatal("first packet from an IP should report newIP")
	}
	if snap.Packets != 1 || snap.Bytes != 100 {
		t.Fatalf("got packets=%d bytes=%d, want 1/100", snap.Packets, snap.Bytes)
	}

	snap, newIP = a.Record(obs("10.0.0.1", model.ProtoUDP, 200, t0.Add(100*time.Millisecond)))
	if newIP {
		t.Fatal("second packet should not report newIP")
	}
	if snap.Packets != 2 || snap.Bytes != 300 {
		t.Fatalf("got packets=%d bytes=%d, want 2/300", snap.Packets, snap.Bytes)
	}
}

func TestNewIPDedupAcrossProtocols(t *testing.T) {
	a := New(16, 5)

	if _, newIP := a.Record(obs("10.0.0.1", model.ProtoUDP, 100, t0)); !newIP {
		t.Fatal("udp first: want newIP")
	}
	if _, newIP := a.Record(obs("10.0.0.1", model.ProtoTCP, 100, t0)); newIP {
		t.Fatal("tcp flow from a known IP must not report newIP")
	}
	if got := a.UniqueIPs(); got != 1 {
		t.Fatalf("UniqueIPs = %d, want 1", got)
	}
	if got := a.FlowCount(); got != 2 {
		t.Fatalf("FlowCount = %d, want 2", got)
	}
}

func TestFlowsIsolatedByProtocol(t *testing.T) {
	a := New(16, 5)
	a.Record(obs("10.0.0.1", model.ProtoUDP, 500, t0))
	a.Record(obs("10.0.0.1", model.ProtoTCP, 900, t0))

	udp, ok := a.Snapshot(model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoUDP}, t0)
	if !ok || udp.Bytes != 500 {
		t.Fatalf("udp snapshot: ok=%v bytes=%d", ok, udp.Bytes)
	}
	tcp, ok := a.Snapshot(model.FlowKey{IP: "10.0.0.1", Protocol: model.ProtoTCP}, t0)
	if !ok || tcp.Bytes != 900 {
		t.Fatalf("tcp snapshot: ok=%v bytes=%d", ok, tcp.Bytes)
	}

	both := a.SnapshotsForIP("10.0.0.1", t0)
	if len(both) != 2 {
		t.Fatalf("SnapshotsForIP returned %d flows, want 2", len(both))
	}
}

func TestWindowedSpeed(t *testing.T) {
	a := New(16, 5)
	// 1 MB per second for 5 seconds: windowed average should be ~1 MB/s.
	for i := 0; i < 5; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		a.Record(obs("10.0.0.2", model.ProtoUDP, 1024*1024, at))
	}
	snap, _ := a.Snapshot(model.FlowKey{IP: "10.0.0.2", Protocol: model.ProtoUDP}, t0.Add(4*time.Second))
	if mb := snap.SpeedMBps(); mb < 0.9 || mb > 1.1 {
		t.Fatalf("windowed speed = %.3f MB/s, want ~1.0", mb)
	}
}

func TestWindowExpiresOldTraffic(t *testing.T) {
	a := New(16, 5)
	a.Record(obs("10.0.0.3", model.ProtoUDP, 1024*1024, t0))

	// Ten seconds later the burst has left the window entirely.
	snap, _ := a.Snapshot(model.FlowKey{IP: "10.0.0.3", Protocol: model.ProtoUDP}, t0.Add(10*time.Second))
	if snap.SpeedBps != 0 {
		t.Fatalf("speed after window expiry = %.1f, want 0", snap.SpeedBps)
	}
	// Cumulative counters are untouched by window rollover.
	if snap.Bytes != 1024*1024 {
		t.Fatalf("bytes = %d, want 1048576", snap.Bytes)
	}
}

func TestMarkThrottled(t *testing.T) {
	a := New(16, 5)
	key := model.FlowKey{IP: "10.0.0.4", Protocol: model.ProtoUDP}

	a.Record(obs("10.0.0.4", model.ProtoUDP, 100, t0))
	a.Record(obs("10.0.0.4", model.ProtoUDP, 100, t0))
	a.MarkThrottled(key)

	snap, _ := a.Snapshot(key, t0)
	if snap.ThrottledPackets != 1 {
		t.Fatalf("throttled = %d, want 1", snap.ThrottledPackets)
	}
	if r := snap.ThrottleRatio(); r != 0.5 {
		t.Fatalf("throttle ratio = %v, want 0.5", r)
	}

	// Unknown key must be a no-op.
	a.MarkThrottled(model.FlowKey{IP: "10.9.9.9", Protocol: model.ProtoUDP})
}

func TestEvictIdle(t *testing.T) {
	a := New(16, 5)
	a.Record(obs("10.0.0.5", model.ProtoUDP, 100, t0))
	a.Record(obs("10.0.0.6", model.ProtoUDP, 100, t0.Add(4*time.Minute)))

	evicted := a.EvictIdle(t0.Add(6*time.Minute), 5*time.Minute)
	if len(evicted) != 1 || evicted[0].IP != "10.0.0.5" {
		t.Fatalf("evicted = %v, want only 10.0.0.5", evicted)
	}
	if _, ok := a.Snapshot(model.FlowKey{IP: "10.0.0.5", Protocol: model.ProtoUDP}, t0); ok {
		t.Fatal("evicted flow still present")
	}
	if _, ok := a.Snapshot(model.FlowKey{IP: "10.0.0.6", Protocol: model.ProtoUDP}, t0); !ok {
		t.Fatal("live flow was evicted")
	}
	// Session IP counter is unaffected by eviction.
	if got := a.UniqueIPs(); got != 2 {
		t.Fatalf("UniqueIPs = %d, want 2", got)
	}
}

func TestSizeStdDev(t *testing.T) {
	a := New(16, 5)
	for _, size := range []int{100, 100, 100} {
		a.Record(obs("10.0.0.7", model.ProtoUDP, size, t0))
	}
	snap, _ := a.Snapshot(model.FlowKey{IP: "10.0.0.7", Protocol: model.ProtoUDP}, t0)
	if snap.SizeStdDev != 0 {
		t.Fatalf("uniform sizes: stddev = %v, want 0", snap.SizeStdDev)
	}

	for _, size := range []int{100, 900} {
		a.Record(obs("10.0.0.8", model.ProtoUDP, size, t0))
	}
	snap, _ = a.Snapshot(model.FlowKey{IP: "10.0.0.8", Protocol: model.ProtoUDP}, t0)
	if snap.SizeStdDev <= 0 {
		t.Fatalf("varied sizes: stddev = %v, want > 0", snap.SizeStdDev)
	}
}

func TestAggregateWindow(t *testing.T) {
	w := NewAggregateWindow(5)
	for i := 0; i < 5; i++ {
		w.Add(t0.Add(time.Duration(i)*time.Second), 500)
	}
	if got := w.Sum(t0.Add(4 * time.Second)); got != 2500 {
		t.Fatalf("Sum = %d, want 2500", got)
	}
	if got := w.Rate(t0.Add(4 * time.Second)); got != 500 {
		t.Fatalf("Rate = %v, want 500", got)
	}
	if got := w.Sum(t0.Add(20 * time.Second)); got != 0 {
		t.Fatalf("Sum after expiry = %d, want 0", got)
	}
}
