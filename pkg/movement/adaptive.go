package movement

import (
	"time"

	"github.com/fernandoexploraria/proximityd/pkg"
)

// Cadence bounds and bases
const (
	BaseInterval = 15 * time.Second
	MinInterval  = 8 * time.Second
	MaxInterval  = 60 * time.Second

	movingFloor         = 10 * time.Second
	stationaryThreshold = 5 * time.Minute

	BaseTimeout = 10 * time.Second
	MaxTimeout  = 20 * time.Second

	stationaryTimeout = 15 * time.Second
)

// AdaptiveInterval derives the polling interval from the movement state.
// Moving halves the base, long stationarity doubles it, proximity to an
// enabled alert pins the floor low. The result always lands in
// [MinInterval, MaxInterval].
func AdaptiveInterval(state State, nearAlert bool) time.Duration {
	interval := BaseInterval

	if state.IsMoving {
		interval = BaseInterval / 2
		if interval < movingFloor {
			interval = movingFloor
		}
	} else if state.StationaryDuration > stationaryThreshold {
		interval = BaseInterval * 2
		if interval > MaxInterval {
			interval = MaxInterval
		}
	}

	if nearAlert && interval > MinInterval {
		interval = MinInterval
	}

	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	return interval
}

// AdaptiveTimeout derives the acquisition timeout. Stationary sessions can
// afford to wait longer, and consecutive failures stretch the timeout by
// half again per failure up to the cap.
func AdaptiveTimeout(state State, consecutiveFailures int) time.Duration {
	timeout := BaseTimeout

	if !state.IsMoving {
		timeout = time.Duration(float64(BaseTimeout) * 1.5)
		if timeout > stationaryTimeout {
			timeout = stationaryTimeout
		}
	}

	for i := 0; i < consecutiveFailures; i++ {
		timeout = time.Duration(float64(timeout) * 1.5)
		if timeout >= MaxTimeout {
			return MaxTimeout
		}
	}
	return timeout
}

// OptimalOptions assembles geolocation request options for the current
// movement state. High accuracy is only requested while moving or near an
// enabled alert; stationary sessions accept cached fixes.
func OptimalOptions(state State, nearAlert bool, consecutiveFailures int) pkg.GeoOptions {
	opts := pkg.GeoOptions{
		HighAccuracy: state.IsMoving || nearAlert,
		Timeout:      AdaptiveTimeout(state, consecutiveFailures),
	}
	if state.IsMoving {
		opts.MaximumAge = 5 * time.Second
	} else {
		opts.MaximumAge = 30 * time.Second
	}
	return opts
}
