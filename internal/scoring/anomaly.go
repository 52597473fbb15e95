package scoring

import (
	"math"
	"sync"
)

// featureDims is the width of a traffic feature vector:
// [speed ratio, throttle ratio, packet size spread, udp fraction].
const featureDims = 4

// anomalyZThreshold is the mean absolute z-score past which a feature
// vector counts as anomalous.
const anomalyZThreshold = 3.0

// MaxAnomalyBonus bounds the score contribution of the anomaly detector so
// statistical evidence can raise an alert but never fabricate one alone.
const MaxAnomalyBonus = 15

// AnomalyModel is a z-score detector over a rolling population of traffic
// feature vectors. It reports untrained until it has seen a minimum number
// of samples and been retrained at least once, so early-session traffic is
// never judged against an empty baseline.
type AnomalyModel struct {
	mu         sync.Mutex
	minSamples int
	window     [][featureDims]float64
	maxWindow  int
	next       int
	filled     bool

	mean    [featureDims]float64
	stddev  [featureDims]float64
	trained bool
	seen    int
}

// NewAnomalyModel creates a model that trains after minSamples observations
// over a rolling window of windowSize vectors.
func NewAnomalyModel(minSamples, windowSize int) *AnomalyModel {
	if minSamples <= 0 {
		minSamples = 256
	}
	if windowSize < minSamples {
		windowSize = minSamples * 16
	}
	return &AnomalyModel{
		minSamples: minSamples,
		window:     make([][featureDims]float64, 0, windowSize),
		maxWindow:  windowSize,
	}
}

// Observe adds one feature vector to the rolling population.
func (m *AnomalyModel) Observe(vec [featureDims]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen++
	if len(m.window) < m.maxWindow {
		m.window = append(m.window, vec)
		return
	}
	m.window[m.next] = vec
	m.next = (m.next + 1) % m.maxWindow
	m.filled = true
}

// Retrain recomputes the per-dimension mean and standard deviation from the
// current window. A no-op below the minimum sample count.
func (m *AnomalyModel) Retrain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.window) < m.minSamples {
		return
	}

	n := float64(len(m.window))
	var mean, m2 [featureDims]float64
	for _, vec := range m.window {
		for d := 0; d < featureDims; d++ {
			mean[d] += vec[d]
		}
	}
	for d := 0; d < featureDims; d++ {
		mean[d] /= n
	}
	for _, vec := range m.window {
		for d := 0; d < featureDims; d++ {
			diff := vec[d] - mean[d]
			m2[d] += diff * diff
		}
	}
	for d := 0; d < featureDims; d++ {
		m.stddev[d] = math.Sqrt(m2[d] / n)
	}
	m.mean = mean
	m.trained = true
}

// Trained reports whether scores from this model are meaningful yet.
func (m *AnomalyModel) Trained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trained
}

// Score returns the mean absolute z-score of the vector against the trained
// baseline, or 0 when untrained. Dimensions with zero variance contribute
// only when the value departs from the constant baseline.
func (m *AnomalyModel) Score(vec [featureDims]float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.trained {
		return 0
	}

	var total float64
	for d := 0; d < featureDims; d++ {
		diff := math.Abs(vec[d] - m.mean[d])
		if m.stddev[d] == 0 {
			if diff > 1e-9 {
				total += anomalyZThreshold + 1
			}
			continue
		}
		total += diff / m.stddev[d]
	}
	return total / featureDims
}

// Bonus converts an anomaly score into a bounded score contribution.
// Returns 0 below the threshold and at most MaxAnomalyBonus.
func Bonus(z float64) int {
	if z <= anomalyZThreshold {
		return 0
	}
	bonus := int((z - anomalyZThreshold) * 5)
	if bonus < 5 {
		bonus = 5
	}
	if bonus > MaxAnomalyBonus {
		bonus = MaxAnomalyBonus
	}
	return bonus
}
