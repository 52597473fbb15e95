package probe

import (
	"net"
	"testing"
	"time"

	"netshield/internal/model"
)

func TestCodecRoundTrip(t *testing.T) {
	in := model.PacketObservation{
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC),
		SrcIP:     net.ParseIP("185.220.101.5").To4(),
		DstIP:     net.ParseIP("192.168.1.10").To4(),
		SrcPort:   5056,
		DstPort:   50432,
		Protocol:  model.ProtoUDP,
		Size:      1350,
		Inbound:   true,
	}

	out, err := Unmarshal(Marshal(in))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
	if !out.SrcIP.Equal(in.SrcIP) || !out.DstIP.Equal(in.DstIP) {
		t.Errorf("ips = %v -> %v", out.SrcIP, out.DstIP)
	}
	if out.SrcPort != in.SrcPort || out.DstPort != in.DstPort {
		t.Errorf("ports = %d -> %d", out.SrcPort, out.DstPort)
	}
	if out.Protocol != model.ProtoUDP || out.Size != 1350 || !out.Inbound {
		t.Errorf("fields = %+v", out)
	}
}

func TestCodecZeroValues(t *testing.T) {
	in := model.PacketObservation{
		Timestamp: time.Unix(0, 1700000000000000000),
		Protocol:  model.ProtoTCP,
		Size:      40,
	}
	out, err := Unmarshal(Marshal(in))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.SrcIP != nil || out.DstIP != nil || out.SrcPort != 0 || out.Inbound {
		t.Errorf("zero fields not preserved: %+v", out)
	}
	if out.Size != 40 || out.Protocol != model.ProtoTCP {
		t.Errorf("fields = %+v", out)
	}
}

func TestCodecRejectsTruncated(t *testing.T) {
	data := Marshal(model.PacketObservation{
		Timestamp: time.Now(),
		SrcIP:     net.ParseIP("1.2.3.4").To4(),
		Protocol:  model.ProtoUDP,
		Size:      100,
	})
	// Chop the buffer mid-field.
	if _, err := Unmarshal(data[:len(data)-3]); err == nil {
		t.Fatal("truncated buffer decoded without error")
	}
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	data := Marshal(model.PacketObservation{
		Timestamp: time.Unix(0, 42),
		Protocol:  model.ProtoUDP,
		Size:      10,
	})
	// Append an unknown varint field (tag 15).
	data = append(data, 0x78, 0x07)

	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if out.Size != 10 {
		t.Errorf("size = %d, want 10", out.Size)
	}
}
