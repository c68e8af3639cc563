// Package settings defines the user-scoped proximity alerting configuration
// and its validation rules.
package settings

import (
	"fmt"
	"time"
)

// Settings is one user's proximity configuration. Durations are stored as
// millisecond integers to match the persisted wire format.
type Settings struct {
	IsEnabled                     bool    `json:"is_enabled"`
	DefaultDistance               float64 `json:"default_distance"`
	GracePeriodInitializationMS   int     `json:"grace_period_initialization"`
	GracePeriodMovementMS         int     `json:"grace_period_movement"`
	GracePeriodAppResumeMS        int     `json:"grace_period_app_resume"`
	LocationSettlingMS            int     `json:"location_settling_grace_period"`
	SignificantMovementThresholdM float64 `json:"significant_movement_threshold"`
	GracePeriodEnabled            bool    `json:"grace_period_enabled"`
}

// Default configuration values (the balanced preset)
const (
	DefaultDistanceM          = 100.0
	DefaultInitializationMS   = 15000
	DefaultMovementMS         = 8000
	DefaultAppResumeMS        = 5000
	DefaultLocationSettlingMS = 5000
	DefaultMovementThresholdM = 150.0
)

// Validation bounds
const (
	MinDistanceM          = 10.0
	MaxDistanceM          = 10000.0
	MinGracePeriodMS      = 1000
	MaxGracePeriodMS      = 120000
	MinMovementThresholdM = 10.0
	MaxMovementThresholdM = 10000.0
)

// Default returns settings with all fields at their default values
func Default() Settings {
	return Settings{
		IsEnabled:                     true,
		DefaultDistance:               DefaultDistanceM,
		GracePeriodInitializationMS:   DefaultInitializationMS,
		GracePeriodMovementMS:         DefaultMovementMS,
		GracePeriodAppResumeMS:        DefaultAppResumeMS,
		LocationSettlingMS:            DefaultLocationSettlingMS,
		SignificantMovementThresholdM: DefaultMovementThresholdM,
		GracePeriodEnabled:            true,
	}
}

// LocationSettling returns the settling window as a duration, falling back to
// the default when the stored value is unusable
func (s Settings) LocationSettling() time.Duration {
	if s.LocationSettlingMS <= 0 {
		return time.Duration(DefaultLocationSettlingMS) * time.Millisecond
	}
	return time.Duration(s.LocationSettlingMS) * time.Millisecond
}

// ValidationError describes a settings field that failed validation
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid setting %s=%v: %s", e.Field, e.Value, e.Message)
}

// Validate checks every numeric field against its bounds and returns the
// first violation found
func Validate(s Settings) error {
	if s.DefaultDistance < MinDistanceM || s.DefaultDistance > MaxDistanceM {
		return &ValidationError{
			Field:   "default_distance",
			Value:   s.DefaultDistance,
			Message: fmt.Sprintf("must be between %v and %v meters", MinDistanceM, MaxDistanceM),
		}
	}

	gracePeriods := []struct {
		field string
		value int
	}{
		{"grace_period_initialization", s.GracePeriodInitializationMS},
		{"grace_period_movement", s.GracePeriodMovementMS},
		{"grace_period_app_resume", s.GracePeriodAppResumeMS},
		{"location_settling_grace_period", s.LocationSettlingMS},
	}
	for _, gp := range gracePeriods {
		if gp.value < MinGracePeriodMS || gp.value > MaxGracePeriodMS {
			return &ValidationError{
				Field:   gp.field,
				Value:   gp.value,
				Message: fmt.Sprintf("must be between %d and %d milliseconds", MinGracePeriodMS, MaxGracePeriodMS),
			}
		}
	}

	if s.SignificantMovementThresholdM < MinMovementThresholdM || s.SignificantMovementThresholdM > MaxMovementThresholdM {
		return &ValidationError{
			Field:   "significant_movement_threshold",
			Value:   s.SignificantMovementThresholdM,
			Message: fmt.Sprintf("must be between %v and %v meters", MinMovementThresholdM, MaxMovementThresholdM),
		}
	}

	return nil
}

// Clamp forces every out-of-range numeric field back within its bounds.
// Used by the recovery path before falling back to a preset.
func Clamp(s Settings) Settings {
	s.DefaultDistance = clampFloat(s.DefaultDistance, MinDistanceM, MaxDistanceM)
	s.GracePeriodInitializationMS = clampInt(s.GracePeriodInitializationMS, MinGracePeriodMS, MaxGracePeriodMS)
	s.GracePeriodMovementMS = clampInt(s.GracePeriodMovementMS, MinGracePeriodMS, MaxGracePeriodMS)
	s.GracePeriodAppResumeMS = clampInt(s.GracePeriodAppResumeMS, MinGracePeriodMS, MaxGracePeriodMS)
	s.LocationSettlingMS = clampInt(s.LocationSettlingMS, MinGracePeriodMS, MaxGracePeriodMS)
	s.SignificantMovementThresholdM = clampFloat(s.SignificantMovementThresholdM, MinMovementThresholdM, MaxMovementThresholdM)
	return s
}

// Parse converts a loosely-typed decoded JSON object into Settings. Missing
// fields take defaults; present fields must pass validation.
func Parse(raw map[string]interface{}) (Settings, error) {
	s := Default()
	if raw == nil {
		return s, nil
	}

	if v, ok := rawBool(raw, "is_enabled"); ok {
		s.IsEnabled = v
	}
	if v, ok := rawFloat(raw, "default_distance"); ok {
		s.DefaultDistance = v
	}
	if v, ok := rawInt(raw, "grace_period_initialization"); ok {
		s.GracePeriodInitializationMS = v
	}
	if v, ok := rawInt(raw, "grace_period_movement"); ok {
		s.GracePeriodMovementMS = v
	}
	if v, ok := rawInt(raw, "grace_period_app_resume"); ok {
		s.GracePeriodAppResumeMS = v
	}
	if v, ok := rawInt(raw, "location_settling_grace_period"); ok {
		s.LocationSettlingMS = v
	}
	if v, ok := rawFloat(raw, "significant_movement_threshold"); ok {
		s.SignificantMovementThresholdM = v
	}
	if v, ok := rawBool(raw, "grace_period_enabled"); ok {
		s.GracePeriodEnabled = v
	}

	if err := Validate(s); err != nil {
		return s, err
	}
	return s, nil
}

func rawBool(raw map[string]interface{}, key string) (bool, bool) {
	if v, exists := raw[key]; exists {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

func rawFloat(raw map[string]interface{}, key string) (float64, bool) {
	if v, exists := raw[key]; exists {
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		}
	}
	return 0, false
}

func rawInt(raw map[string]interface{}, key string) (int, bool) {
	if v, exists := raw[key]; exists {
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		}
	}
	return 0, false
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
