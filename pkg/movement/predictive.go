package movement

import (
	"sync"
	"time"

	"github.com/sajari/regression"
)

// Trend labels produced by the analyzer
const (
	TrendSteady       = "steady"
	TrendAccelerating = "accelerating"
	TrendDecelerating = "decelerating"
)

const (
	trendWindow      = 10
	trendMinSamples  = 4
	trendSlopeCutoff = 0.05 // m/s per sample
)

type speedSample struct {
	at    time.Time
	speed float64
}

// TrendAnalyzer fits a linear regression over recent speed observations to
// classify whether the user is speeding up, slowing down, or holding steady.
// The tracker feeds it one observation per classified sample and reads the
// trend when choosing how aggressively to tighten the polling interval.
type TrendAnalyzer struct {
	mu      sync.Mutex
	samples []speedSample
}

// NewTrendAnalyzer creates an empty analyzer
func NewTrendAnalyzer() *TrendAnalyzer {
	return &TrendAnalyzer{samples: make([]speedSample, 0, trendWindow)}
}

// Observe records a speed observation
func (t *TrendAnalyzer) Observe(at time.Time, speedMPS float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, speedSample{at: at, speed: speedMPS})
	if len(t.samples) > trendWindow {
		t.samples = t.samples[1:]
	}
}

// Trend classifies the recent speed series. Too few samples, or a failed
// fit, reads as steady.
func (t *TrendAnalyzer) Trend() string {
	t.mu.Lock()
	samples := append([]speedSample{}, t.samples...)
	t.mu.Unlock()

	if len(samples) < trendMinSamples {
		return TrendSteady
	}

	r := new(regression.Regression)
	r.SetObserved("speed m/s")
	r.SetVar(0, "sample index")
	for i, s := range samples {
		r.Train(regression.DataPoint(s.speed, []float64{float64(i)}))
	}
	if err := r.Run(); err != nil {
		return TrendSteady
	}

	slope := r.Coeff(1)
	switch {
	case slope > trendSlopeCutoff:
		return TrendAccelerating
	case slope < -trendSlopeCutoff:
		return TrendDecelerating
	default:
		return TrendSteady
	}
}

// Reset clears the observation window
func (t *TrendAnalyzer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = t.samples[:0]
}
