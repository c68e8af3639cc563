package pkg

import (
	"fmt"
	"time"
)

// UserLocation is a single geolocation sample. Samples are immutable once
// created; newer samples supersede older ones rather than mutating them.
type UserLocation struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"` // meters, nil if the source did not report one
	Timestamp time.Time `json:"timestamp"`
}

// GeoOptions configures a location request against a provider
type GeoOptions struct {
	HighAccuracy bool          `json:"high_accuracy"`
	Timeout      time.Duration `json:"timeout"`
	MaximumAge   time.Duration `json:"maximum_age"`
}

// ProximityAlert is a per-landmark subscription. Distance 0 means the user's
// default alerting distance applies.
type ProximityAlert struct {
	LandmarkID string  `json:"landmark_id"`
	Name       string  `json:"name,omitempty"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Distance   float64 `json:"distance"`
	Enabled    bool    `json:"is_enabled"`
}

// GeoErrorClass buckets provider failures into the three classes the
// controller reacts to
type GeoErrorClass string

const (
	GeoErrPermissionDenied    GeoErrorClass = "permission-denied"
	GeoErrPositionUnavailable GeoErrorClass = "position-unavailable"
	GeoErrTimeout             GeoErrorClass = "timeout"
)

// GeoError is a classified geolocation failure
type GeoError struct {
	Class   GeoErrorClass
	Message string
}

func (e *GeoError) Error() string {
	if e.Message == "" {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// ClassifyGeoError maps an arbitrary provider error to a GeoErrorClass.
// Unknown errors are treated as position-unavailable, which is transient.
func ClassifyGeoError(err error) GeoErrorClass {
	if ge, ok := err.(*GeoError); ok {
		return ge.Class
	}
	return GeoErrPositionUnavailable
}

// Storage keys for the local snapshot surface
const (
	KeyGracePeriodState   = "proximity_grace_period_state"
	KeyGracePeriodHistory = "grace_period_history"
	KeyProximitySettings  = "proximity_settings"
)
