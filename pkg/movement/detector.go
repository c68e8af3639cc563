// Package movement classifies motion from recent location samples and derives
// the adaptive polling cadence from that classification.
package movement

import (
	"sync"
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
	"github.com/fernandoexploraria/proximityd/pkg/geo"
	"github.com/fernandoexploraria/proximityd/pkg/logx"
)

// Classification thresholds
const (
	// MovementDistanceM is the single-jump distance that counts as movement
	MovementDistanceM = 15.0
	// MovementSpeedMPS is the average speed that counts as movement
	MovementSpeedMPS = 0.5
	// historySize bounds the sliding window of retained samples
	historySize = 3
	// speedPairWindow is how many consecutive sample pairs feed the average
	speedPairWindow = 3
	// staleSampleAge excludes old pairs from the speed average so motion
	// from minutes ago cannot dominate slow-polling sessions
	staleSampleAge = 5 * time.Minute
)

// State describes the current movement classification
type State struct {
	IsMoving           bool          `json:"is_moving"`
	LastMovementTime   time.Time     `json:"last_movement_time"`
	StationaryDuration time.Duration `json:"stationary_duration"`
	AverageSpeed       float64       `json:"average_speed"` // m/s
	DistanceFromLast   float64       `json:"distance_from_last"`
}

// Detector keeps the bounded location history and produces State for each
// new sample
type Detector struct {
	mu               sync.Mutex
	logger           *logx.Logger
	history          []pkg.UserLocation
	lastMovementTime time.Time
}

// NewDetector creates a movement detector
func NewDetector(logger *logx.Logger) *Detector {
	return &Detector{
		logger:           logger,
		history:          make([]pkg.UserLocation, 0, historySize),
		lastMovementTime: time.Now(),
	}
}

// Detect classifies movement for the given sample and records it into the
// sliding window
func (d *Detector) Detect(current pkg.UserLocation) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := State{
		LastMovementTime: d.lastMovementTime,
	}

	if len(d.history) == 0 {
		d.pushLocked(current)
		state.StationaryDuration = time.Since(d.lastMovementTime)
		return state
	}

	last := d.history[len(d.history)-1]
	state.DistanceFromLast = geo.Distance(last.Latitude, last.Longitude, current.Latitude, current.Longitude)
	state.AverageSpeed = d.averageSpeedLocked(current)

	state.IsMoving = state.DistanceFromLast > MovementDistanceM || state.AverageSpeed > MovementSpeedMPS
	if state.IsMoving {
		d.lastMovementTime = current.Timestamp
		state.LastMovementTime = d.lastMovementTime
	}
	state.StationaryDuration = time.Since(d.lastMovementTime)
	if state.StationaryDuration < 0 {
		state.StationaryDuration = 0
	}

	d.pushLocked(current)

	d.logger.Debug("movement classified",
		"is_moving", state.IsMoving,
		"distance_m", state.DistanceFromLast,
		"avg_speed_mps", state.AverageSpeed,
	)
	return state
}

// averageSpeedLocked computes the mean speed over the most recent consecutive
// sample pairs, including the incoming sample. Pairs older than the staleness
// cutoff are skipped.
func (d *Detector) averageSpeedLocked(current pkg.UserLocation) float64 {
	samples := append(append([]pkg.UserLocation{}, d.history...), current)
	cutoff := current.Timestamp.Add(-staleSampleAge)

	var speedSum float64
	var pairs int
	for i := len(samples) - 1; i > 0 && pairs < speedPairWindow; i-- {
		newer, older := samples[i], samples[i-1]
		if older.Timestamp.Before(cutoff) {
			break
		}
		dt := newer.Timestamp.Sub(older.Timestamp).Seconds()
		if dt <= 0 {
			continue
		}
		dist := geo.Distance(older.Latitude, older.Longitude, newer.Latitude, newer.Longitude)
		speedSum += dist / dt
		pairs++
	}

	if pairs == 0 {
		return 0
	}
	return speedSum / float64(pairs)
}

func (d *Detector) pushLocked(loc pkg.UserLocation) {
	d.history = append(d.history, loc)
	if len(d.history) > historySize {
		d.history = d.history[1:]
	}
}

// Reset clears the location history, e.g. when tracking restarts
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = d.history[:0]
	d.lastMovementTime = time.Now()
}

// HistoryLen returns the number of retained samples
func (d *Detector) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}
