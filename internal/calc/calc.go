// Package calc holds the stateless signal calculators used by the detector.
//
// Unit convention: acceleration is m/s² everywhere in this module. GForce
// always normalises by StandardGravity; sources that receive g-unit payloads
// convert them once with ToMetersPerSecond2 before anything else sees them.
package calc

import (
	"math"
	"time"
)

const (
	// StandardGravity is the normalisation constant for g-force, in m/s².
	StandardGravity = 9.81
	// EarthRadiusMeters is the mean radius used by Haversine.
	EarthRadiusMeters = 6_371_000.0
)

// Fix is the minimal GPS position needed for speed derivation.
type Fix struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// GForce returns the acceleration magnitude in multiples of standard gravity.
// Inputs are m/s².
func GForce(ax, ay, az float64) float64 {
	return math.Sqrt(ax*ax+ay*ay+az*az) / StandardGravity
}

// Tilt returns roll and pitch in degrees derived from the gravity vector.
// ay=az=0 yields roll=0 (atan2(0, 0) == 0).
func Tilt(ax, ay, az float64) (roll, pitch float64) {
	roll = math.Atan2(ay, az) * 180 / math.Pi
	pitch = math.Atan2(-ax, math.Sqrt(ay*ay+az*az)) * 180 / math.Pi
	return roll, pitch
}

// ToMetersPerSecond2 converts a g-unit reading to m/s².
func ToMetersPerSecond2(g float64) float64 {
	return g * StandardGravity
}

// Haversine returns the great-circle distance between two fixes in metres.
func Haversine(a, b Fix) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Speed returns metres per second between two fixes. ok is false when there
// is no previous fix or dt is not positive.
func Speed(current Fix, previous *Fix, dt time.Duration) (speed float64, ok bool) {
	if previous == nil || dt <= 0 {
		return 0, false
	}
	return Haversine(*previous, current) / dt.Seconds(), true
}

// SpeedChange returns (current-previous)/dt in m/s². Negative is deceleration.
func SpeedChange(current, previous float64, dt time.Duration) (change float64, ok bool) {
	if dt <= 0 {
		return 0, false
	}
	return (current - previous) / dt.Seconds(), true
}

// Finite reports whether every value is neither NaN nor ±Inf.
func Finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
