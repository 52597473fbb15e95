package scoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"netshield/internal/model"
)

// maxHistoryPoints bounds the per-IP score history kept for the session
// report.
const maxHistoryPoints = 4096

// minPacketsForThrottleFactor keeps a handful of unlucky packets from
// counting as sustained throttling.
const minPacketsForThrottleFactor = 50

// Config holds the engine's thresholds and rule inputs.
type Config struct {
	AlertThreshold      int
	EscalationThreshold int
	WatchThreshold      int
	HighRiskCountries   []string
	MaxBandwidthMBps    float64
	AnomalyMinSamples   int
	AnomalyWindowSize   int
	RetrainInterval     time.Duration
}

// Engine assigns threat scores to source IPs from their traffic behavior
// and OSINT profiles. Rule evaluation is deterministic; the anomaly model
// adds a bounded bonus once trained. Threshold crossings emit at most one
// event per level per IP per session.
type Engine struct {
	cfg      Config
	highRisk map[string]struct{}
	anomaly  *AnomalyModel
	onEvent  func(model.ThreatEvent)

	mu       sync.Mutex
	profiles map[string]*model.ThreatProfile
	osint    map[string]*model.OSINTProfile
	emitted  map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

const (
	levelNone = iota
	levelAlert
	levelEscalation
)

// NewEngine creates a scoring engine. onEvent receives threshold-crossing
// events synchronously with no engine locks held; it may be nil.
func NewEngine(cfg Config, onEvent func(model.ThreatEvent)) *Engine {
	highRisk := make(map[string]struct{}, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		highRisk[strings.ToUpper(c)] = struct{}{}
	}
	return &Engine{
		cfg:      cfg,
		highRisk: highRisk,
		anomaly:  NewAnomalyModel(cfg.AnomalyMinSamples, cfg.AnomalyWindowSize),
		onEvent:  onEvent,
		profiles: make(map[string]*model.ThreatProfile),
		osint:    make(map[string]*model.OSINTProfile),
		emitted:  make(map[string]int),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the periodic anomaly retrain loop.
func (e *Engine) Start() {
	interval := e.cfg.RetrainInterval
	if interval <= 0 {
		interval = time.Minute
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.anomaly.Retrain()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the retrain loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// UpdateOSINT stores a freshly resolved profile. The caller follows up with
// a Rescore so the new intelligence takes effect immediately.
func (e *Engine) UpdateOSINT(p *model.OSINTProfile) {
	e.mu.Lock()
	e.osint[p.IP] = p
	e.mu.Unlock()
}

// Rescore re-evaluates one IP from its current flow snapshots and returns
// the updated threat profile. Snapshots cover every live flow from the IP,
// one per protocol.
func (e *Engine) Rescore(ip string, snaps []model.FlowSnapshot, now time.Time) model.ThreatProfile {
	if len(snaps) == 0 {
		e.mu.Lock()
		defer e.mu.Unlock()
		if p, ok := e.profiles[ip]; ok {
			return *p
		}
		return model.ThreatProfile{IP: ip, UpdatedAt: now}
	}

	vec := features(snaps, e.cfg.MaxBandwidthMBps)
	e.anomaly.Observe(vec)

	e.mu.Lock()
	osint := e.osint[ip]
	e.mu.Unlock()

	hits := e.evaluate(osint, snaps)
	score := 0
	for _, h := range hits {
		score += h.weight
	}

	mode := model.ModeRuleOnly
	anomalyScore := 0.0
	if e.anomaly.Trained() {
		mode = model.ModeRuleWithAnomaly
		anomalyScore = e.anomaly.Score(vec)
		if bonus := Bonus(anomalyScore); bonus > 0 {
			hits = append(hits, factorHit{
				name:   FactorAnomaly,
				weight: bonus,
				detail: fmt.Sprintf("z=%.1f", anomalyScore),
			})
			score += bonus
		}
	}
	if score > 100 {
		score = 100
	}

	factors := make([]model.ScoreFactor, len(hits))
	for i, h := range hits {
		factors[i] = model.ScoreFactor{Name: h.name, Weight: h.weight, Detail: h.detail}
	}
	technique := Technique(hits)

	e.mu.Lock()
	p, ok := e.profiles[ip]
	if !ok {
		p = &model.ThreatProfile{IP: ip}
		e.profiles[ip] = p
	}
	p.Score = score
	p.Factors = factors
	p.Technique = technique
	p.AnomalyScore = anomalyScore
	p.Mode = mode
	p.UpdatedAt = now
	p.History = append(p.History, model.ScorePoint{Time: now, Score: score})
	if len(p.History) > maxHistoryPoints {
		p.History = p.History[len(p.History)-maxHistoryPoints/2:]
	}
	result := *p

	emit := false
	level := e.emitted[ip]
	switch {
	case score >= e.cfg.EscalationThreshold && level < levelEscalation:
		e.emitted[ip] = levelEscalation
		emit = true
	case score >= e.cfg.AlertThreshold && level < levelAlert:
		e.emitted[ip] = levelAlert
		emit = true
	}
	e.mu.Unlock()

	if emit && e.onEvent != nil {
		e.onEvent(model.ThreatEvent{
			Timestamp: now,
			IP:        ip,
			Protocol:  dominantProtocol(snaps),
			Score:     score,
			Factors:   factors,
			Technique: technique,
			SpeedMBps: totalSpeedMBps(snaps),
		})
	}
	return result
}

// evaluate runs the rule table against one IP's evidence.
func (e *Engine) evaluate(osint *model.OSINTProfile, snaps []model.FlowSnapshot) []factorHit {
	var hits []factorHit

	if osint != nil {
		if _, ok := e.highRisk[osint.Country]; ok && osint.Country != "" {
			hits = append(hits, factorHit{FactorHighRiskCountry, WeightHighRiskCountry, osint.Country})
		}
	}

	speed := totalSpeedMBps(snaps)
	if speed > ExtremeSpeedMBps {
		hits = append(hits, factorHit{FactorExtremeSpeed, WeightExtremeSpeed, fmt.Sprintf("%.1f MB/s", speed)})
	}

	var packets, throttled uint64
	for _, s := range snaps {
		packets += s.Packets
		throttled += s.ThrottledPackets
	}
	if packets >= minPacketsForThrottleFactor && float64(throttled)/float64(packets) > 0.5 {
		hits = append(hits, factorHit{
			FactorSustainedThrottle, WeightSustainedThrottle,
			fmt.Sprintf("%d/%d throttled", throttled, packets),
		})
	}

	if osint != nil {
		if osint.HostingASN {
			hits = append(hits, factorHit{FactorHostingASN, WeightHostingASN, osint.ASNDescription})
		}
		if osint.ProxyOrTor {
			hits = append(hits, factorHit{FactorProxyOrTor, WeightProxyOrTor, osint.ASNDescription})
		}
		if osint.Malicious() {
			hits = append(hits, factorHit{
				FactorKnownMalicious, WeightKnownMalicious,
				strings.Join(osint.FeedHits, ","),
			})
		}
	}
	return hits
}

// Profile returns a copy of the IP's current threat profile.
func (e *Engine) Profile(ip string) (model.ThreatProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[ip]
	if !ok {
		return model.ThreatProfile{}, false
	}
	return *p, true
}

// OSINT returns the stored enrichment profile for an IP, if any.
func (e *Engine) OSINT(ip string) (*model.OSINTProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.osint[ip]
	return p, ok
}

// Watchlist returns every profile at or above the watch threshold, highest
// score first.
func (e *Engine) Watchlist() []model.ThreatProfile {
	e.mu.Lock()
	var out []model.ThreatProfile
	for _, p := range e.profiles {
		if p.Score >= e.cfg.WatchThreshold {
			out = append(out, *p)
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// Profiles returns a copy of every threat profile tracked this session.
func (e *Engine) Profiles() []model.ThreatProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.ThreatProfile, 0, len(e.profiles))
	for _, p := range e.profiles {
		out = append(out, *p)
	}
	return out
}

// RetrainNow forces an immediate anomaly retrain. Exposed for the pipeline
// shutdown path and tests.
func (e *Engine) RetrainNow() { e.anomaly.Retrain() }

func totalSpeedMBps(snaps []model.FlowSnapshot) float64 {
	var total float64
	for _, s := range snaps {
		total += s.SpeedMBps()
	}
	return total
}

func dominantProtocol(snaps []model.FlowSnapshot) string {
	var best model.FlowSnapshot
	for _, s := range snaps {
		if s.Packets >= best.Packets {
			best = s
		}
	}
	return best.Key.Protocol.String()
}

// features builds the anomaly feature vector from an IP's flow snapshots.
func features(snaps []model.FlowSnapshot, maxBandwidthMBps float64) [featureDims]float64 {
	var packets, throttled, udpPackets uint64
	var maxStdDev float64
	for _, s := range snaps {
		packets += s.Packets
		throttled += s.ThrottledPackets
		if s.Key.Protocol == model.ProtoUDP {
			udpPackets += s.Packets
		}
		if s.SizeStdDev > maxStdDev {
			maxStdDev = s.SizeStdDev
		}
	}

	var vec [featureDims]float64
	if maxBandwidthMBps > 0 {
		vec[0] = totalSpeedMBps(snaps) / maxBandwidthMBps
	}
	if packets > 0 {
		vec[1] = float64(throttled) / float64(packets)
		vec[3] = float64(udpPackets) / float64(packets)
	}
	vec[2] = maxStdDev / 1500.0
	return vec
}
