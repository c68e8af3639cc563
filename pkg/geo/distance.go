// Package geo provides the great-circle math shared by the tracking components
package geo

import "math"

const earthRadiusM = 6371000.0 // Earth's radius in meters

// Distance calculates the haversine great-circle distance in meters between
// two coordinates given in decimal degrees. The result is symmetric and zero
// for identical points; antipodal inputs are handled without producing NaN.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLatRad := (lat2 - lat1) * math.Pi / 180
	deltaLonRad := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLatRad/2)*math.Sin(deltaLatRad/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLonRad/2)*math.Sin(deltaLonRad/2)

	// Floating point error can push a fractionally above 1 for antipodes
	if a > 1 {
		a = 1
	}

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}
