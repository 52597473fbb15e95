package probe

import (
	"fmt"
	"net"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"netshield/internal/model"
)

// Observation wire format, protobuf field numbers:
//
//	1 timestamp  int64  unix nanoseconds
//	2 src_ip     bytes
//	3 dst_ip     bytes
//	4 src_port   uint32
//	5 dst_port   uint32
//	6 protocol   uint32
//	7 size       uint64
//	8 inbound    bool
//
// Encoded by hand with protowire so probe and daemon stay compatible with
// any standard protobuf consumer without generated code.
const (
	fieldTimestamp = 1
	fieldSrcIP     = 2
	fieldDstIP     = 3
	fieldSrcPort   = 4
	fieldDstPort   = 5
	fieldProtocol  = 6
	fieldSize      = 7
	fieldInbound   = 8
)

// Marshal encodes one observation into protobuf wire format.
func Marshal(obs model.PacketObservation) []byte {
	buf := make([]byte, 0, 64)

	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(obs.Timestamp.UnixNano()))
	if len(obs.SrcIP) > 0 {
		buf = protowire.AppendTag(buf, fieldSrcIP, protowire.BytesType)
		buf = protowire.AppendBytes(buf, obs.SrcIP)
	}
	if len(obs.DstIP) > 0 {
		buf = protowire.AppendTag(buf, fieldDstIP, protowire.BytesType)
		buf = protowire.AppendBytes(buf, obs.DstIP)
	}
	if obs.SrcPort != 0 {
		buf = protowire.AppendTag(buf, fieldSrcPort, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(obs.SrcPort))
	}
	if obs.DstPort != 0 {
		buf = protowire.AppendTag(buf, fieldDstPort, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(obs.DstPort))
	}
	buf = protowire.AppendTag(buf, fieldProtocol, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(obs.Protocol))
	buf = protowire.AppendTag(buf, fieldSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(obs.Size))
	if obs.Inbound {
		buf = protowire.AppendTag(buf, fieldInbound, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	return buf
}

// Unmarshal decodes an observation from protobuf wire format. Unknown
// fields are skipped for forward compatibility.
func Unmarshal(data []byte) (model.PacketObservation, error) {
	var obs model.PacketObservation
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return obs, fmt.Errorf("malformed observation tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return obs, fmt.Errorf("malformed varint for field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldTimestamp:
				obs.Timestamp = time.Unix(0, int64(v))
			case fieldSrcPort:
				obs.SrcPort = uint16(v)
			case fieldDstPort:
				obs.DstPort = uint16(v)
			case fieldProtocol:
				obs.Protocol = model.Protocol(v)
			case fieldSize:
				obs.Size = int(v)
			case fieldInbound:
				obs.Inbound = v != 0
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return obs, fmt.Errorf("malformed bytes for field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldSrcIP:
				obs.SrcIP = net.IP(append([]byte(nil), v...))
			case fieldDstIP:
				obs.DstIP = net.IP(append([]byte(nil), v...))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return obs, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return obs, nil
}
