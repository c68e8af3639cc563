// Package grace decides when proximity notifications should be suppressed
// and tracks the currently active suppression window.
package grace

import (
	"time"

	"github.com/fernandoexploraria/proximityd/pkg/settings"
)

// Reason identifies what triggered a grace period
type Reason string

const (
	ReasonInitialization Reason = "initialization"
	ReasonMovement       Reason = "movement"
	ReasonAppResume      Reason = "app_resume"
)

// BackgroundDetectionThreshold is the minimum time in background before an
// app resume earns a grace period. Fixed, not user-configurable.
const BackgroundDetectionThreshold = 10 * time.Second

// Durations holds the effective grace period lengths for each trigger
type Durations struct {
	Initialization   time.Duration `json:"initialization"`
	Movement         time.Duration `json:"movement"`
	AppResume        time.Duration `json:"app_resume"`
	LocationSettling time.Duration `json:"location_settling"`
}

// DefaultDurations returns the built-in grace period lengths
func DefaultDurations() Durations {
	return Durations{
		Initialization:   15 * time.Second,
		Movement:         8 * time.Second,
		AppResume:        5 * time.Second,
		LocationSettling: 5 * time.Second,
	}
}

// DurationsFor returns the user's configured durations, substituting defaults
// for any unusable value. Never fails.
func DurationsFor(s settings.Settings) Durations {
	d := DefaultDurations()
	if s.GracePeriodInitializationMS > 0 {
		d.Initialization = time.Duration(s.GracePeriodInitializationMS) * time.Millisecond
	}
	if s.GracePeriodMovementMS > 0 {
		d.Movement = time.Duration(s.GracePeriodMovementMS) * time.Millisecond
	}
	if s.GracePeriodAppResumeMS > 0 {
		d.AppResume = time.Duration(s.GracePeriodAppResumeMS) * time.Millisecond
	}
	if s.LocationSettlingMS > 0 {
		d.LocationSettling = time.Duration(s.LocationSettlingMS) * time.Millisecond
	}
	return d
}

// ForReason returns the duration appropriate for a trigger reason
func (d Durations) ForReason(reason Reason) time.Duration {
	switch reason {
	case ReasonInitialization:
		return d.Initialization
	case ReasonMovement:
		return d.Movement
	case ReasonAppResume:
		return d.AppResume
	default:
		return d.Initialization
	}
}

// Context carries the measurements behind an activation decision
type Context struct {
	// MovementDistance is the jump size in meters for movement triggers
	MovementDistance float64
	// BackgroundDuration is how long the app was hidden for resume triggers
	BackgroundDuration time.Duration
}

// ShouldActivate decides whether a grace period should start. Grace periods
// never stack: a request while one is active is always rejected.
func ShouldActivate(reason Reason, ctx Context, s settings.Settings, alreadyActive bool) bool {
	if !s.GracePeriodEnabled {
		return false
	}
	if alreadyActive {
		return false
	}

	switch reason {
	case ReasonInitialization:
		// First enable of proximity tracking always gets a grace window
		return true
	case ReasonMovement:
		threshold := s.SignificantMovementThresholdM
		if threshold <= 0 {
			threshold = settings.DefaultMovementThresholdM
		}
		return ctx.MovementDistance >= threshold
	case ReasonAppResume:
		return ctx.BackgroundDuration >= BackgroundDetectionThreshold
	default:
		return false
	}
}
