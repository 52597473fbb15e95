package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"netshield/internal/model"
)

const topOffenderCount = 10

// Report collects everything the end-of-session summary needs.
type Report struct {
	Start    time.Time
	End      time.Time
	Mode     string
	Stats    model.AggregateStats
	Flows    []model.FlowSnapshot
	Profiles []model.ThreatProfile
	// OSINT returns the enrichment profile for an IP, or nil.
	OSINT func(ip string) *model.OSINTProfile
}

type offender struct {
	ip        string
	bytes     uint64
	packets   uint64
	throttled uint64
	score     int
	technique string
	country   string
	asn       string
}

func (o offender) throttleRatio() float64 {
	if o.packets == 0 {
		return 0
	}
	return float64(o.throttled) / float64(o.packets)
}

// writeRanking renders one top-N table without disturbing the shared slice.
func writeRanking(b *strings.Builder, title string, offenders []offender, less func(i, j offender) bool) {
	fmt.Fprintf(b, "%s\n%s\n", title, strings.Repeat("-", len(title)))
	if len(offenders) == 0 {
		b.WriteString("(no traffic observed)\n\n")
		return
	}

	ranked := make([]offender, len(offenders))
	copy(ranked, offenders)
	sort.Slice(ranked, func(i, j int) bool {
		if less(ranked[i], ranked[j]) != less(ranked[j], ranked[i]) {
			return less(ranked[i], ranked[j])
		}
		return ranked[i].ip < ranked[j].ip
	})

	n := len(ranked)
	if n > topOffenderCount {
		n = topOffenderCount
	}
	for i := 0; i < n; i++ {
		o := ranked[i]
		fmt.Fprintf(b, "%2d. %-40s %12d bytes  throttle %.0f%%  score %d",
			i+1, model.SanitizeIP(o.ip), o.bytes, o.throttleRatio()*100, o.score)
		if o.technique != "" {
			fmt.Fprintf(b, "  [%s]", o.technique)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeReportFile(path string, r Report) error {
	var b strings.Builder

	b.WriteString("NetShield Session Report\n")
	b.WriteString("========================\n\n")
	fmt.Fprintf(&b, "Mode:       %s\n", r.Mode)
	fmt.Fprintf(&b, "Started:    %s\n", Timestamp(r.Start))
	fmt.Fprintf(&b, "Ended:      %s\n", Timestamp(r.End))
	fmt.Fprintf(&b, "Duration:   %s\n\n", r.End.Sub(r.Start).Round(time.Second))

	b.WriteString("Traffic\n-------\n")
	fmt.Fprintf(&b, "UDP packets:    %d (%d throttled)\n", r.Stats.UDPPackets, r.Stats.UDPDropped)
	fmt.Fprintf(&b, "TCP packets:    %d (%d throttled)\n", r.Stats.TCPPackets, r.Stats.TCPDropped)
	fmt.Fprintf(&b, "Total bytes:    %d\n", r.Stats.TotalBytes)
	fmt.Fprintf(&b, "Dropped bytes:  %d\n", r.Stats.DroppedBytes)
	fmt.Fprintf(&b, "Unique IPs:     %d\n\n", r.Stats.UniqueIPs)

	offenders := collectOffenders(r)

	countries := make(map[string]int)
	asns := make(map[string]int)
	for _, o := range offenders {
		if o.country != "" {
			countries[o.country]++
		}
		if o.asn != "" {
			asns[o.asn]++
		}
	}
	writeDistribution(&b, "Countries", countries)
	writeDistribution(&b, "Networks", asns)

	writeRanking(&b, "Top offenders by volume", offenders, func(i, j offender) bool {
		return i.bytes > j.bytes
	})
	writeRanking(&b, "Top offenders by throttle ratio", offenders, func(i, j offender) bool {
		return i.throttleRatio() > j.throttleRatio()
	})
	writeRanking(&b, "Top offenders by score", offenders, func(i, j offender) bool {
		return i.score > j.score
	})

	watched := 0
	for _, p := range r.Profiles {
		if p.Score > 0 {
			watched++
		}
	}
	fmt.Fprintf(&b, "Scored IPs: %d\n", watched)

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// collectOffenders merges per-protocol flows into per-IP rows and joins in
// score and OSINT data.
func collectOffenders(r Report) []offender {
	byIP := make(map[string]*offender)
	for _, f := range r.Flows {
		o, ok := byIP[f.Key.IP]
		if !ok {
			o = &offender{ip: f.Key.IP}
			byIP[f.Key.IP] = o
		}
		o.bytes += f.Bytes
		o.packets += f.Packets
		o.throttled += f.ThrottledPackets
	}
	for _, p := range r.Profiles {
		if o, ok := byIP[p.IP]; ok {
			o.score = p.Score
			o.technique = p.Technique
		}
	}
	out := make([]offender, 0, len(byIP))
	for _, o := range byIP {
		if r.OSINT != nil {
			if prof := r.OSINT(o.ip); prof != nil {
				o.country = prof.Country
				o.asn = prof.ASN
			}
		}
		out = append(out, *o)
	}
	return out
}

func writeDistribution(b *strings.Builder, title string, counts map[string]int) {
	fmt.Fprintf(b, "%s\n%s\n", title, strings.Repeat("-", len(title)))
	if len(counts) == 0 {
		b.WriteString("(none resolved)\n\n")
		return
	}
	type kv struct {
		key   string
		count int
	}
	sorted := make([]kv, 0, len(counts))
	for k, v := range counts {
		sorted = append(sorted, kv{k, v})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].key < sorted[j].key
	})
	for _, e := range sorted {
		fmt.Fprintf(b, "%-20s %d\n", model.Sanitize(e.key, 40), e.count)
	}
	b.WriteString("\n")
}
