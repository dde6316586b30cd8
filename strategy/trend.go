package strategy

import "sync"

// Trend classifies the direction of a rolling performance metric
// (e.g. success rate) for ShouldScale's "trend is not Degrading" rule.
// See DESIGN.md Open Question #3: the source's trend was hardcoded to
// "stable"; this computes it from an actual rolling window instead.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// slopeThreshold is the minimum per-sample average change, in either
// direction, required to call the trend anything other than Stable.
const slopeThreshold = 0.02

// TrendTracker maintains a fixed-size rolling window of samples and
// classifies their direction. It is deliberately a separate type from
// AutoStrategy: ShouldScale itself stays a pure function of its
// arguments, and whichever component feeds it metrics (typically the
// orchestrator's periodic scaling check) owns one tracker instance.
type TrendTracker struct {
	mu     sync.Mutex
	window int
	samples []float64
}

// NewTrendTracker creates a tracker over the given window size. A
// non-positive window falls back to the spec's default of 10 samples.
func NewTrendTracker(window int) *TrendTracker {
	if window <= 0 {
		window = 10
	}
	return &TrendTracker{window: window}
}

// Record appends a new sample, evicting the oldest once the window is
// full.
func (t *TrendTracker) Record(sample float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, sample)
	if len(t.samples) > t.window {
		t.samples = t.samples[len(t.samples)-t.window:]
	}
}

// Trend classifies the current window via the slope of a simple
// least-squares fit against sample index. Fewer than two samples is
// always Stable.
func (t *TrendTracker) Trend() Trend {
	t.mu.Lock()
	samples := append([]float64(nil), t.samples...)
	t.mu.Unlock()

	if len(samples) < 2 {
		return TrendStable
	}

	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range samples {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return TrendStable
	}
	slope := (n*sumXY - sumX*sumY) / denom

	switch {
	case slope > slopeThreshold:
		return TrendImproving
	case slope < -slopeThreshold:
		return TrendDegrading
	default:
		return TrendStable
	}
}
