// Package capture turns gopacket handles into streams of packet
// observations for the shield pipeline.
package capture

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"netshield/internal/model"
)

const (
	snapshotLen int32 = 1600
	promiscuous       = false
)

// Source streams packet observations from a live interface or a pcap file.
type Source struct {
	handle  *pcap.Handle
	localIP map[string]bool
	live    bool
}

// OpenLive starts capturing on the named device with the given BPF filter.
// An empty device name lets libpcap pick the default interface.
func OpenLive(device, bpf string) (*Source, error) {
	if device == "" {
		devices, err := pcap.FindAllDevs()
		if err != nil || len(devices) == 0 {
			return nil, fmt.Errorf("no capture device found: %w", err)
		}
		device = devices[0].Name
	}

	handle, err := pcap.OpenLive(device, snapshotLen, promiscuous, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", device, err)
	}
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter: %w", err)
		}
	}
	log.Printf("Capturing on %s (filter: %q)", device, bpf)
	return &Source{handle: handle, localIP: localAddresses(), live: true}, nil
}

// OpenFile replays a pcap file. The BPF filter applies the same way as in
// live capture.
func OpenFile(path, bpf string) (*Source, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter: %w", err)
		}
	}
	log.Printf("Replaying %s (filter: %q)", path, bpf)
	return &Source{handle: handle, localIP: localAddresses()}, nil
}

// Observations decodes packets onto the returned channel until the handle
// is closed or, for files, the capture ends. The channel is closed on exit.
func (s *Source) Observations() <-chan model.PacketObservation {
	out := make(chan model.PacketObservation, 1024)
	go func() {
		defer close(out)
		source := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
		for packet := range source.Packets() {
			obs, err := s.parse(packet)
			if err != nil {
				continue
			}
			out <- obs
		}
	}()
	return out
}

// Close stops the capture.
func (s *Source) Close() {
	s.handle.Close()
}

// parse extracts the observation fields from a decoded packet. Non-IPv4
// and non-TCP/UDP packets are skipped.
func (s *Source) parse(packet gopacket.Packet) (model.PacketObservation, error) {
	var obs model.PacketObservation

	obs.Timestamp = time.Now()
	if meta := packet.Metadata(); meta != nil {
		obs.Timestamp = meta.Timestamp
		obs.Size = meta.Length
	}

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return obs, fmt.Errorf("not an IPv4 packet")
	}
	ip := ipLayer.(*layers.IPv4)
	obs.SrcIP = ip.SrcIP
	obs.DstIP = ip.DstIP
	if obs.Size == 0 {
		obs.Size = int(ip.Length)
	}

	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		obs.Protocol = model.ProtoTCP
		obs.SrcPort = uint16(tcp.SrcPort)
		obs.DstPort = uint16(tcp.DstPort)
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		obs.Protocol = model.ProtoUDP
		obs.SrcPort = uint16(udp.SrcPort)
		obs.DstPort = uint16(udp.DstPort)
	default:
		return obs, fmt.Errorf("not a TCP or UDP packet")
	}

	obs.Inbound = !s.localIP[ip.SrcIP.String()]
	return obs, nil
}

// localAddresses collects this host's IPs so parse can tag direction.
func localAddresses() map[string]bool {
	local := make(map[string]bool)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Printf("WARN: failed to enumerate local addresses: %v", err)
		return local
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			local[ipnet.IP.String()] = true
		}
	}
	return local
}
