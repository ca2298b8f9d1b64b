// Package vision defines camera-derived pose observations, the landmark and
// attitude interfaces they depend on, and the heuristic model that turns an
// observation into per-axis standard deviations for the pose estimator.
package vision

import (
	"fmt"
	"math"
)

// Pose2D is a field-relative position and heading (meters, radians).
type Pose2D struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// DistanceTo returns the planar distance between p and a landmark position.
func (p Pose2D) DistanceTo(pt Point3D) float64 {
	return math.Hypot(pt.X-p.X, pt.Y-p.Y)
}

func (p Pose2D) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3frad)", p.X, p.Y, p.Heading)
}

// Point3D is a landmark's known field position (meters).
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// StdDevs is a per-axis uncertainty triple (x, y, heading). Larger means
// less trust.
type StdDevs struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// UntrustedValue is the per-axis magnitude of UntrustedStdDevs. It is finite
// so downstream arithmetic never sees NaN, and large enough that a Kalman
// gain computed against it is zero.
const UntrustedValue = math.MaxFloat64

// UntrustedStdDevs tells the pose estimator to ignore an observation.
var UntrustedStdDevs = StdDevs{X: UntrustedValue, Y: UntrustedValue, Heading: UntrustedValue}

// StdDevsFromArray builds a StdDevs from an (x, y, heading) array.
func StdDevsFromArray(v [3]float64) StdDevs {
	return StdDevs{X: v[0], Y: v[1], Heading: v[2]}
}

// Scale returns s multiplied by k on every axis.
func (s StdDevs) Scale(k float64) StdDevs {
	return StdDevs{X: s.X * k, Y: s.Y * k, Heading: s.Heading * k}
}

// Within reports whether every axis of s is at most the matching axis of bound.
func (s StdDevs) Within(bound StdDevs) bool {
	return s.X <= bound.X && s.Y <= bound.Y && s.Heading <= bound.Heading
}

// IsUntrusted reports whether s is the untrusted sentinel.
func (s StdDevs) IsUntrusted() bool {
	return s == UntrustedStdDevs
}

func (s StdDevs) String() string {
	if s.IsUntrusted() {
		return "untrusted"
	}
	return fmt.Sprintf("(%.4f, %.4f, %.4f)", s.X, s.Y, s.Heading)
}

// Strategy is how the camera pipeline solved for the pose.
type Strategy string

const (
	StrategySingle Strategy = "single" // one landmark, ambiguity scored
	StrategyMulti  Strategy = "multi"  // triangulated from several landmarks
)

// LandmarkSighting is one landmark used by an observation.
type LandmarkSighting struct {
	LandmarkID int     `json:"id"`
	Ambiguity  float64 `json:"ambiguity"` // [0, 1]; lower is better
}

// Observation is one camera frame's pose estimate. It is consumed once by the
// fusion pipeline in the cycle it is polled.
type Observation struct {
	Pose             Pose2D             `json:"pose"`
	TimestampSeconds float64            `json:"timestamp"`
	Landmarks        []LandmarkSighting `json:"landmarks"`
	Strategy         Strategy           `json:"strategy"`
}

// LandmarkLookup resolves a landmark id to its field position. Unknown ids
// return false.
type LandmarkLookup interface {
	Resolve(landmarkID int) (Point3D, bool)
}

// LandmarkLookupFunc adapts a function to LandmarkLookup.
type LandmarkLookupFunc func(landmarkID int) (Point3D, bool)

// Resolve calls f.
func (f LandmarkLookupFunc) Resolve(landmarkID int) (Point3D, bool) { return f(landmarkID) }

// ObservationSource yields the observations that arrived since the last poll,
// in arrival order. It must not block and returns an empty slice when idle.
type ObservationSource interface {
	PollUnread() ([]Observation, error)
}

// AttitudeSource reports the vehicle's instantaneous tilt from level.
type AttitudeSource interface {
	CurrentTiltRadians() float64
}

// PoseEstimator is the downstream filter that consumes scored observations.
// Implementations shared with other goroutines must serialize internally.
type PoseEstimator interface {
	// Fuse applies one vision observation with the given measurement std devs.
	Fuse(pose Pose2D, timestampSeconds float64, stdDevs StdDevs) error
	// SetStateUncertainty replaces the estimator's trust in its own state.
	SetStateUncertainty(stdDevs StdDevs) error
}
