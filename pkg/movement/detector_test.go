package movement

import (
	"testing"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.New("error")
}

func locAt(lat, lon float64, ts time.Time) pkg.UserLocation {
	return pkg.UserLocation{Latitude: lat, Longitude: lon, Timestamp: ts}
}

func TestFirstSampleIsNotMovement(t *testing.T) {
	d := NewDetector(testLogger())
	state := d.Detect(locAt(59.3293, 18.0686, time.Now()))
	if state.IsMoving {
		t.Error("first sample should not classify as moving")
	}
	if state.DistanceFromLast != 0 {
		t.Errorf("expected zero distance on first sample, got %f", state.DistanceFromLast)
	}
}

func TestLargeJumpClassifiesAsMoving(t *testing.T) {
	d := NewDetector(testLogger())
	base := time.Now()
	d.Detect(locAt(59.3293, 18.0686, base))
	// ~22m north over a long gap keeps the average speed negligible, so
	// the distance threshold alone must trip the classification
	state := d.Detect(locAt(59.3295, 18.0686, base.Add(5*time.Minute)))
	if !state.IsMoving {
		t.Errorf("22m jump should classify as moving, distance=%f speed=%f", state.DistanceFromLast, state.AverageSpeed)
	}
}

func TestSustainedSpeedClassifiesAsMoving(t *testing.T) {
	d := NewDetector(testLogger())
	base := time.Now()
	// ~11m steps every 10s is ~1.1 m/s but each step is under the 15m
	// distance threshold, so only the speed rule can trip
	d.Detect(locAt(59.32930, 18.0686, base))
	state := d.Detect(locAt(59.32940, 18.0686, base.Add(10*time.Second)))
	if state.DistanceFromLast > MovementDistanceM {
		t.Fatalf("test geometry broken: step distance %f exceeds threshold", state.DistanceFromLast)
	}
	if !state.IsMoving {
		t.Errorf("sustained 1.1 m/s should classify as moving, speed=%f", state.AverageSpeed)
	}
}

func TestStationarySamplesStayStationary(t *testing.T) {
	d := NewDetector(testLogger())
	base := time.Now()
	for i := 0; i < 5; i++ {
		state := d.Detect(locAt(59.3293, 18.0686, base.Add(time.Duration(i)*15*time.Second)))
		if state.IsMoving {
			t.Fatalf("identical positions classified as moving at sample %d", i)
		}
	}
}

func TestStaleSamplesExcludedFromSpeed(t *testing.T) {
	d := NewDetector(testLogger())
	base := time.Now()
	// Old fast pair, then a long idle gap. The stale pair must not leak
	// into the current average.
	d.Detect(locAt(59.3293, 18.0686, base))
	d.Detect(locAt(59.3303, 18.0686, base.Add(10*time.Second)))
	state := d.Detect(locAt(59.3303, 18.0686, base.Add(10*time.Minute)))
	if state.AverageSpeed > MovementSpeedMPS {
		t.Errorf("stale pair leaked into average speed: %f", state.AverageSpeed)
	}
	if state.IsMoving {
		t.Error("stationary sample after long gap classified as moving")
	}
}

func TestHistoryBounded(t *testing.T) {
	d := NewDetector(testLogger())
	base := time.Now()
	for i := 0; i < 10; i++ {
		d.Detect(locAt(59.3293, 18.0686, base.Add(time.Duration(i)*time.Second)))
	}
	if got := d.HistoryLen(); got != historySize {
		t.Errorf("history length = %d, want %d", got, historySize)
	}
}

func TestResetClearsHistory(t *testing.T) {
	d := NewDetector(testLogger())
	d.Detect(locAt(59.3293, 18.0686, time.Now()))
	d.Reset()
	if got := d.HistoryLen(); got != 0 {
		t.Errorf("history length after reset = %d, want 0", got)
	}
}

func TestAdaptiveIntervalBounds(t *testing.T) {
	tests := []struct {
		name      string
		state     State
		nearAlert bool
		want      time.Duration
	}{
		{"idle baseline", State{}, false, BaseInterval},
		{"moving halves", State{IsMoving: true}, false, movingFloor},
		{"long stationary doubles", State{StationaryDuration: 10 * time.Minute}, false, BaseInterval * 2},
		{"near alert pins floor", State{StationaryDuration: 10 * time.Minute}, true, MinInterval},
		{"moving near alert pins floor", State{IsMoving: true}, true, MinInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdaptiveInterval(tt.state, tt.nearAlert)
			if got != tt.want {
				t.Errorf("AdaptiveInterval() = %v, want %v", got, tt.want)
			}
			if got < MinInterval || got > MaxInterval {
				t.Errorf("interval %v outside [%v, %v]", got, MinInterval, MaxInterval)
			}
		})
	}
}

func TestAdaptiveTimeout(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		failures int
		want     time.Duration
	}{
		{"baseline", State{IsMoving: true}, 0, BaseTimeout},
		{"stationary stretches", State{StationaryDuration: time.Minute}, 0, stationaryTimeout},
		{"long stationary stretches", State{StationaryDuration: 10 * time.Minute}, 0, stationaryTimeout},
		{"one failure", State{IsMoving: true}, 1, 15 * time.Second},
		{"failures cap", State{IsMoving: true}, 5, MaxTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AdaptiveTimeout(tt.state, tt.failures); got != tt.want {
				t.Errorf("AdaptiveTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptimalOptions(t *testing.T) {
	moving := OptimalOptions(State{IsMoving: true}, false, 0)
	if !moving.HighAccuracy {
		t.Error("moving state should request high accuracy")
	}
	if moving.MaximumAge != 5*time.Second {
		t.Errorf("moving MaximumAge = %v, want 5s", moving.MaximumAge)
	}

	idle := OptimalOptions(State{}, false, 0)
	if idle.HighAccuracy {
		t.Error("stationary state away from alerts should not request high accuracy")
	}

	near := OptimalOptions(State{}, true, 0)
	if !near.HighAccuracy {
		t.Error("proximity to an enabled alert should request high accuracy")
	}
}

func TestTrendAnalyzer(t *testing.T) {
	base := time.Now()

	accel := NewTrendAnalyzer()
	for i := 0; i < 8; i++ {
		accel.Observe(base.Add(time.Duration(i)*time.Second), float64(i)*0.5)
	}
	if got := accel.Trend(); got != TrendAccelerating {
		t.Errorf("rising speeds classified as %q, want %q", got, TrendAccelerating)
	}

	decel := NewTrendAnalyzer()
	for i := 0; i < 8; i++ {
		decel.Observe(base.Add(time.Duration(i)*time.Second), 4.0-float64(i)*0.5)
	}
	if got := decel.Trend(); got != TrendDecelerating {
		t.Errorf("falling speeds classified as %q, want %q", got, TrendDecelerating)
	}

	steady := NewTrendAnalyzer()
	for i := 0; i < 8; i++ {
		steady.Observe(base.Add(time.Duration(i)*time.Second), 1.0)
	}
	if got := steady.Trend(); got != TrendSteady {
		t.Errorf("flat speeds classified as %q, want %q", got, TrendSteady)
	}

	sparse := NewTrendAnalyzer()
	sparse.Observe(base, 1.0)
	if got := sparse.Trend(); got != TrendSteady {
		t.Errorf("single sample classified as %q, want %q", got, TrendSteady)
	}
}
