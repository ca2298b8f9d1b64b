// Package estimator implements a planar pose estimator that fuses wheel
// odometry with vision measurements.
//
// The filter keeps a diagonal covariance over (x, y, heading). Odometry
// grows the covariance; each vision measurement is blended in per axis with
// the Kalman gain P/(P+R), where R is the square of the measurement's
// standard deviation. A measurement carrying the untrusted sentinel has
// R = +Inf and therefore a gain of zero.
package estimator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/vision"
)

// ErrInvalidMeasurement is returned for NaN poses or negative std devs.
var ErrInvalidMeasurement = errors.New("invalid measurement")

const (
	axes = 3

	// innovationWindow bounds the samples kept for InnovationStats.
	innovationWindow = 256
)

// Config holds the filter noise parameters.
type Config struct {
	// ProcessNoise is the std dev added per odometry update, per axis.
	ProcessNoise vision.StdDevs
	// InitialStdDevs is the state uncertainty at construction.
	InitialStdDevs vision.StdDevs
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		ProcessNoise:   vision.StdDevsFromArray(cfg.GetOdometryProcessNoise()),
		InitialStdDevs: vision.StdDevsFromArray(cfg.GetInitialStateStdDevs()),
	}
}

// Estimator is a thread-safe diagonal Kalman filter over a planar pose. It
// implements vision.PoseEstimator.
type Estimator struct {
	cfg Config

	mu          sync.Mutex
	x           *mat.VecDense  // x, y, heading
	p           *mat.DiagDense // per-axis variance
	innovations [axes][]float64
	fused       uint64
	ignored     uint64
	lastTS      float64
}

// New returns an Estimator at initial with cfg.InitialStdDevs uncertainty.
func New(initial vision.Pose2D, cfg Config) *Estimator {
	e := &Estimator{
		cfg: cfg,
		x:   mat.NewVecDense(axes, []float64{initial.X, initial.Y, normalizeAngle(initial.Heading)}),
		p:   mat.NewDiagDense(axes, nil),
	}
	e.setVariance(cfg.InitialStdDevs)
	return e
}

func (e *Estimator) setVariance(s vision.StdDevs) {
	e.p.SetDiag(0, s.X*s.X)
	e.p.SetDiag(1, s.Y*s.Y)
	e.p.SetDiag(2, s.Heading*s.Heading)
}

// AddOdometry applies a robot-relative motion: dx forward, dy left and a
// heading change, all since the previous update.
func (e *Estimator) AddOdometry(delta vision.Pose2D) error {
	if math.IsNaN(delta.X) || math.IsNaN(delta.Y) || math.IsNaN(delta.Heading) {
		return fmt.Errorf("odometry %v: %w", delta, ErrInvalidMeasurement)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.x.AtVec(2)
	rot := mat.NewDense(2, 2, []float64{
		math.Cos(h), -math.Sin(h),
		math.Sin(h), math.Cos(h),
	})
	var step mat.VecDense
	step.MulVec(rot, mat.NewVecDense(2, []float64{delta.X, delta.Y}))

	e.x.SetVec(0, e.x.AtVec(0)+step.AtVec(0))
	e.x.SetVec(1, e.x.AtVec(1)+step.AtVec(1))
	e.x.SetVec(2, normalizeAngle(h+delta.Heading))

	q := e.cfg.ProcessNoise
	e.p.SetDiag(0, e.p.At(0, 0)+q.X*q.X)
	e.p.SetDiag(1, e.p.At(1, 1)+q.Y*q.Y)
	e.p.SetDiag(2, e.p.At(2, 2)+q.Heading*q.Heading)
	return nil
}

// Fuse blends a vision pose measurement into the state.
func (e *Estimator) Fuse(pose vision.Pose2D, timestampSeconds float64, sd vision.StdDevs) error {
	if math.IsNaN(pose.X) || math.IsNaN(pose.Y) || math.IsNaN(pose.Heading) {
		return fmt.Errorf("pose %v: %w", pose, ErrInvalidMeasurement)
	}
	if sd.X < 0 || sd.Y < 0 || sd.Heading < 0 || math.IsNaN(sd.X) || math.IsNaN(sd.Y) || math.IsNaN(sd.Heading) {
		return fmt.Errorf("std devs %v: %w", sd, ErrInvalidMeasurement)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastTS = timestampSeconds
	r := [axes]float64{sd.X * sd.X, sd.Y * sd.Y, sd.Heading * sd.Heading}

	innov := mat.NewVecDense(axes, []float64{
		pose.X - e.x.AtVec(0),
		pose.Y - e.x.AtVec(1),
		normalizeAngle(pose.Heading - e.x.AtVec(2)),
	})

	var k [axes]float64
	moved := false
	for i := 0; i < axes; i++ {
		pi := e.p.At(i, i)
		if denom := pi + r[i]; denom > 0 && !math.IsInf(denom, 1) {
			k[i] = pi / denom
		}
		if k[i] != 0 {
			moved = true
		}
	}
	if !moved {
		e.ignored++
		return nil
	}

	gain := mat.NewDiagDense(axes, k[:])
	var correction mat.VecDense
	correction.MulVec(gain, innov)
	e.x.AddVec(e.x, &correction)
	e.x.SetVec(2, normalizeAngle(e.x.AtVec(2)))

	for i := 0; i < axes; i++ {
		e.p.SetDiag(i, (1-k[i])*e.p.At(i, i))
		e.innovations[i] = appendBounded(e.innovations[i], innov.AtVec(i))
	}
	e.fused++
	return nil
}

// SetStateUncertainty replaces the state covariance with diag(s²).
func (e *Estimator) SetStateUncertainty(s vision.StdDevs) error {
	if s.X < 0 || s.Y < 0 || s.Heading < 0 || math.IsNaN(s.X) || math.IsNaN(s.Y) || math.IsNaN(s.Heading) {
		return fmt.Errorf("state std devs %v: %w", s, ErrInvalidMeasurement)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setVariance(s)
	return nil
}

// ResetPose moves the estimate to pose without changing its uncertainty.
func (e *Estimator) ResetPose(pose vision.Pose2D) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.x.SetVec(0, pose.X)
	e.x.SetVec(1, pose.Y)
	e.x.SetVec(2, normalizeAngle(pose.Heading))
}

// Pose returns the current estimate.
func (e *Estimator) Pose() vision.Pose2D {
	e.mu.Lock()
	defer e.mu.Unlock()
	return vision.Pose2D{X: e.x.AtVec(0), Y: e.x.AtVec(1), Heading: e.x.AtVec(2)}
}

// StateStdDevs returns the square root of the covariance diagonal.
func (e *Estimator) StateStdDevs() vision.StdDevs {
	e.mu.Lock()
	defer e.mu.Unlock()
	return vision.StdDevs{
		X:       math.Sqrt(e.p.At(0, 0)),
		Y:       math.Sqrt(e.p.At(1, 1)),
		Heading: math.Sqrt(e.p.At(2, 2)),
	}
}

// AxisStats summarises recent innovations on one axis.
type AxisStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// InnovationStats summarises the measurement residuals of recent fusions.
type InnovationStats struct {
	Fused         uint64    `json:"fused"`
	Ignored       uint64    `json:"ignored"`
	Samples       int       `json:"samples"`
	X             AxisStats `json:"x"`
	Y             AxisStats `json:"y"`
	Heading       AxisStats `json:"heading"`
	LastTimestamp float64   `json:"last_timestamp"`
}

// InnovationStats returns the mean and std dev of the last few hundred
// innovations per axis. StdDev is zero with fewer than two samples.
func (e *Estimator) InnovationStats() InnovationStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := InnovationStats{
		Fused:         e.fused,
		Ignored:       e.ignored,
		Samples:       len(e.innovations[0]),
		LastTimestamp: e.lastTS,
	}
	axesOut := [axes]*AxisStats{&out.X, &out.Y, &out.Heading}
	for i, a := range axesOut {
		*a = axisStats(e.innovations[i])
	}
	return out
}

func axisStats(v []float64) AxisStats {
	switch len(v) {
	case 0:
		return AxisStats{}
	case 1:
		return AxisStats{Mean: v[0]}
	}
	mean, std := stat.MeanStdDev(v, nil)
	return AxisStats{Mean: mean, StdDev: std}
}

func appendBounded(v []float64, x float64) []float64 {
	if len(v) >= innovationWindow {
		copy(v, v[1:])
		v = v[:len(v)-1]
	}
	return append(v, x)
}

// normalizeAngle wraps a to [-π, π].
func normalizeAngle(a float64) float64 {
	return math.Remainder(a, 2*math.Pi)
}
