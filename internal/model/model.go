package model

import (
	"fmt"
	"net"
	"time"
)

// Protocol identifies the transport protocol of an observed packet,
// using the IANA protocol numbers.
type Protocol uint8

const (
	ProtoTCP Protocol = 6
	ProtoUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", uint8(p))
	}
}

// PacketObservation holds the header-level metadata extracted from a single
// packet. Observations are transient: they are consumed by the flow
// accountant and never persisted.
type PacketObservation struct {
	Timestamp time.Time
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	Protocol  Protocol
	Size      int
	Inbound   bool
}

// FlowKey identifies a flow: traffic from one source IP over one protocol.
type FlowKey struct {
	IP       string
	Protocol Protocol
}

func (k FlowKey) String() string {
	return k.IP + "-" + k.Protocol.String()
}

// FlowSnapshot is a read-only view of a flow's accounting state.
type FlowSnapshot struct {
	Key              FlowKey
	Packets          uint64
	Bytes            uint64
	ThrottledPackets uint64
	SpeedBps         float64
	SizeStdDev       float64
	FirstSeen        time.Time
	LastSeen         time.Time
}

// ThrottleRatio returns the fraction of this flow's packets that were
// throttled, or 0 if no packets have been seen.
func (s FlowSnapshot) ThrottleRatio() float64 {
	if s.Packets == 0 {
		return 0
	}
	return float64(s.ThrottledPackets) / float64(s.Packets)
}

// SpeedMBps returns the flow's windowed speed in megabytes per second.
func (s FlowSnapshot) SpeedMBps() float64 {
	return s.SpeedBps / (1024 * 1024)
}

// Verdict is the rate limiter's per-packet decision.
type Verdict uint8

const (
	VerdictAllow Verdict = iota
	VerdictThrottle
)

func (v Verdict) String() string {
	if v == VerdictThrottle {
		return "throttle"
	}
	return "allow"
}

// OSINTProfile holds the enrichment data resolved for a source IP.
// A profile is immutable once written; the enricher replaces it wholesale
// after its TTL expires.
type OSINTProfile struct {
	IP             string        `json:"ip"`
	Country        string        `json:"country"`
	ASN            string        `json:"asn"`
	ASNDescription string        `json:"asn_description"`
	NetworkName    string        `json:"network_name"`
	NetworkCIDR    string        `json:"network_cidr"`
	AbuseContact   string        `json:"abuse_contact"`
	FeedHits       []string      `json:"feed_hits,omitempty"`
	ProxyOrTor     bool          `json:"proxy_or_tor"`
	HostingASN     bool          `json:"hosting_asn"`
	ResolvedAt     time.Time     `json:"resolved_at"`
	TTL            time.Duration `json:"ttl"`
}

// Expired reports whether the profile's TTL window has passed.
func (p *OSINTProfile) Expired(now time.Time) bool {
	return now.Sub(p.ResolvedAt) > p.TTL
}

// Malicious reports whether any loaded threat feed lists this IP.
func (p *OSINTProfile) Malicious() bool {
	return len(p.FeedHits) > 0
}

// ScoreFactor is one triggered rule in a threat score breakdown.
type ScoreFactor struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Detail string `json:"detail,omitempty"`
}

// ScoreMode tags which scoring pathway produced a profile's score.
type ScoreMode uint8

const (
	// ModeRuleOnly means the anomaly model was untrained and only the
	// rule-based score was used.
	ModeRuleOnly ScoreMode = iota
	// ModeRuleWithAnomaly means the anomaly bonus was blended in.
	ModeRuleWithAnomaly
)

func (m ScoreMode) String() string {
	if m == ModeRuleWithAnomaly {
		return "rule+anomaly"
	}
	return "rule-only"
}

// ScorePoint records one score evaluation for the session history.
type ScorePoint struct {
	Time  time.Time `json:"time"`
	Score int       `json:"score"`
}

// ThreatProfile is the scoring engine's per-IP assessment. Profiles are
// never deleted during a session; score history is kept for the report.
type ThreatProfile struct {
	IP           string        `json:"ip"`
	Score        int           `json:"score"`
	Factors      []ScoreFactor `json:"factors,omitempty"`
	Technique    string        `json:"technique,omitempty"`
	AnomalyScore float64       `json:"anomaly_score"`
	Mode         ScoreMode     `json:"-"`
	History      []ScorePoint  `json:"-"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ThreatEvent is an immutable record produced on a score threshold
// crossing. Sig carries the HMAC integrity tag when log integrity is
// enabled; it is excluded from the data the tag covers.
type ThreatEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	IP        string        `json:"ip"`
	Protocol  string        `json:"protocol"`
	Score     int           `json:"score"`
	Factors   []ScoreFactor `json:"factors,omitempty"`
	Technique string        `json:"technique,omitempty"`
	SpeedMBps float64       `json:"speed_mbps"`
	Sig       string        `json:"sig,omitempty"`
}

// LogEntry is one row of the traffic log, also pushed to telemetry
// observers. Consumers de-duplicate by (Timestamp, IP).
type LogEntry struct {
	Timestamp string  `json:"timestamp"`
	IP        string  `json:"ip"`
	Protocol  string  `json:"protocol"`
	Country   string  `json:"country"`
	ASN       string  `json:"asn"`
	Bytes     uint64  `json:"bytes"`
	SpeedMBps float64 `json:"speed"`
	Throttled bool    `json:"throttled"`
	Score     int     `json:"threat_score"`
	Technique string  `json:"signature"`
}

// AggregateStats is the session-wide counters snapshot broadcast to
// telemetry observers on every tick.
type AggregateStats struct {
	UDPPackets       uint64  `json:"udp_packets"`
	UDPDropped       uint64  `json:"udp_dropped"`
	TCPPackets       uint64  `json:"tcp_packets"`
	TCPDropped       uint64  `json:"tcp_dropped"`
	TotalBytes       uint64  `json:"total_bytes"`
	DroppedBytes     uint64  `json:"dropped_bytes"`
	SpeedMBps        float64 `json:"speed_mbps"`
	MaxBandwidthMBps float64 `json:"max_bandwidth"`
	FloodMode        bool    `json:"flood_mode"`
	UniqueIPs        int     `json:"unique_ips"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}
