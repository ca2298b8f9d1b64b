package vision

import "math"

// TiltFromRollPitch returns the angle between the body z-axis and vertical
// for the given roll and pitch (radians).
func TiltFromRollPitch(roll, pitch float64) float64 {
	c := math.Cos(roll) * math.Cos(pitch)
	// rounding can push the product just outside [-1, 1]
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c)
}

// StaticAttitude is an AttitudeSource with a fixed tilt.
type StaticAttitude float64

// CurrentTiltRadians returns the fixed tilt.
func (s StaticAttitude) CurrentTiltRadians() float64 { return float64(s) }

// DegreesToRadians converts an angle in degrees to radians.
func DegreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
