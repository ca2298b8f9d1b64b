// Package confidence decides whether the vehicle's fused pose is currently
// trustworthy and steers the pose estimator's state uncertainty while it is
// not.
//
// The Tracker is a two-state hysteresis machine. A tilt beyond the threshold
// (wheels off the floor, odometry no longer valid) drops it to LOST. While
// LOST, every trustworthy vision observation is counted and the estimator's
// state uncertainty is set to the standard deviation of the running average
// of those observations. After enough of them the Tracker returns to
// ACCURATE.
//
// The Tracker holds no locks. It is owned by a single fusion loop and is the
// only writer of its ConfidenceState.
package confidence

import (
	"math"

	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/vision"
)

// State is the Tracker's trust state.
type State string

const (
	StateAccurate State = "accurate" // fused pose is trusted
	StateLost     State = "lost"     // waiting for vision to re-establish the pose
)

// Transition names a cycle-start transition that fired.
type Transition string

const (
	TransitionNone     Transition = ""
	TransitionAttitude Transition = "attitude" // tilt exceeded; pose lost
	TransitionRecovery Transition = "recovery" // enough good observations; pose regained
)

// TrackerConfig holds the hysteresis parameters.
type TrackerConfig struct {
	TiltThresholdRadians  float64        // tilt above this loses the pose
	RecoveryObservations  uint32         // good observations needed to recover
	TrustBounds           vision.StdDevs // per-axis upper bounds for a good observation
	LostStateStdDevs      vision.StdDevs // applied before the first fusion after a loss
	RecoveredStateStdDevs vision.StdDevs // applied on recovery
}

// DefaultTrackerConfig returns the calibrated hysteresis parameters.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfigFromTuning(config.EmptyTuningConfig())
}

// TrackerConfigFromTuning builds a TrackerConfig from a loaded TuningConfig.
func TrackerConfigFromTuning(cfg *config.TuningConfig) TrackerConfig {
	return TrackerConfig{
		TiltThresholdRadians:  vision.DegreesToRadians(cfg.GetTiltThresholdDegrees()),
		RecoveryObservations:  uint32(cfg.GetRecoveryObservations()),
		TrustBounds:           vision.StdDevsFromArray(cfg.GetTrustBoundStdDevs()),
		LostStateStdDevs:      vision.StdDevsFromArray(cfg.GetLostStateStdDevs()),
		RecoveredStateStdDevs: vision.StdDevsFromArray(cfg.GetRecoveredStateStdDevs()),
	}
}

// Variance is a per-axis sum of squared standard deviations.
type Variance struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// IsZero reports whether every axis is zero.
func (v Variance) IsZero() bool {
	return v == Variance{}
}

// ConfidenceState is the Tracker's mutable state.
//
// GoodObservationsSincePoseLoss is zero exactly when VarianceAccumulator is
// zero: both are reset together and advanced together.
type ConfidenceState struct {
	HasAccuratePose               bool     `json:"has_accurate_pose"`
	GoodObservationsSincePoseLoss uint32   `json:"good_observations_since_pose_loss"`
	VarianceAccumulator           Variance `json:"variance_accumulator"`
}

// State returns the named trust state.
func (s ConfidenceState) State() State {
	if s.HasAccuratePose {
		return StateAccurate
	}
	return StateLost
}

// Tracker owns a ConfidenceState and applies the loss and recovery
// transitions to it.
type Tracker struct {
	cfg   TrackerConfig
	state ConfidenceState

	// last state uncertainty this Tracker sent to the estimator
	directed    vision.StdDevs
	hasDirected bool
}

// NewTracker returns a Tracker in the ACCURATE state.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		cfg:   cfg,
		state: ConfidenceState{HasAccuratePose: true},
	}
}

// Config returns the Tracker's parameters.
func (t *Tracker) Config() TrackerConfig {
	return t.cfg
}

// State returns the current trust state.
func (t *Tracker) State() State {
	return t.state.State()
}

// HasAccuratePose reports whether the fused pose is currently trusted.
func (t *Tracker) HasAccuratePose() bool {
	return t.state.HasAccuratePose
}

// Snapshot returns a copy of the ConfidenceState.
func (t *Tracker) Snapshot() ConfidenceState {
	return t.state
}

// DirectedStateStdDevs returns the last state uncertainty sent to the
// estimator, and false if none has been sent yet.
func (t *Tracker) DirectedStateStdDevs() (vision.StdDevs, bool) {
	return t.directed, t.hasDirected
}

func (t *Tracker) resetProgress() {
	t.state.GoodObservationsSincePoseLoss = 0
	t.state.VarianceAccumulator = Variance{}
}

func (t *Tracker) direct(sink vision.PoseEstimator, s vision.StdDevs) error {
	if err := sink.SetStateUncertainty(s); err != nil {
		return err
	}
	t.directed = s
	t.hasDirected = true
	return nil
}

// cycleCheck is one cycle-start transition. Checks run in order; a check
// that fires with final set ends the cycle-start evaluation.
type cycleCheck struct {
	name  Transition
	fires func(t *Tracker, tiltRadians float64) bool
	apply func(t *Tracker, sink vision.PoseEstimator) error
	final bool
}

var cycleChecks = []cycleCheck{
	{
		name: TransitionAttitude,
		fires: func(t *Tracker, tilt float64) bool {
			return tilt > t.cfg.TiltThresholdRadians
		},
		apply: func(t *Tracker, _ vision.PoseEstimator) error {
			t.state.HasAccuratePose = false
			t.resetProgress()
			return nil
		},
		final: true,
	},
	{
		name: TransitionRecovery,
		fires: func(t *Tracker, _ float64) bool {
			return !t.state.HasAccuratePose && t.state.GoodObservationsSincePoseLoss >= t.cfg.RecoveryObservations
		},
		apply: func(t *Tracker, sink vision.PoseEstimator) error {
			t.state.HasAccuratePose = true
			t.resetProgress()
			return t.direct(sink, t.cfg.RecoveredStateStdDevs)
		},
		final: true,
	},
}

// BeginCycle evaluates the cycle-start transitions for the given tilt and
// returns the one that fired, if any. The attitude check runs first and,
// when it fires, suppresses recovery for this cycle.
func (t *Tracker) BeginCycle(tiltRadians float64, sink vision.PoseEstimator) (Transition, error) {
	for _, c := range cycleChecks {
		if !c.fires(t, tiltRadians) {
			continue
		}
		if err := c.apply(t, sink); err != nil {
			return c.name, err
		}
		if c.final {
			return c.name, nil
		}
	}
	return TransitionNone, nil
}

// ObserveResult reports what Observe did with one observation.
type ObserveResult struct {
	Primed  bool // the lost-state uncertainty was applied before fusing
	Counted bool // the observation counted towards recovery
}

// observeStep is one stage of per-observation processing. Steps run in
// order for every observation.
type observeStep func(t *Tracker, obs vision.Observation, a vision.Assessment, sink vision.PoseEstimator, res *ObserveResult) error

var observeSteps = []observeStep{
	primeAfterLoss,
	forwardToEstimator,
	accumulateWhileLost,
}

// primeAfterLoss makes the first fusion after a loss nearly overwrite the
// estimator's state by declaring that state almost worthless.
func primeAfterLoss(t *Tracker, _ vision.Observation, _ vision.Assessment, sink vision.PoseEstimator, res *ObserveResult) error {
	if t.state.HasAccuratePose || t.state.GoodObservationsSincePoseLoss != 0 {
		return nil
	}
	if err := t.direct(sink, t.cfg.LostStateStdDevs); err != nil {
		return err
	}
	t.state.VarianceAccumulator = Variance{}
	res.Primed = true
	return nil
}

// forwardToEstimator always fuses; untrusted observations carry the sentinel
// std devs and so do not move the estimate.
func forwardToEstimator(_ *Tracker, obs vision.Observation, a vision.Assessment, sink vision.PoseEstimator, _ *ObserveResult) error {
	return sink.Fuse(obs.Pose, obs.TimestampSeconds, a.SinkStdDevs())
}

// accumulateWhileLost counts a good observation and sets the state
// uncertainty to the std dev of the running average of good observations.
func accumulateWhileLost(t *Tracker, _ vision.Observation, a vision.Assessment, sink vision.PoseEstimator, res *ObserveResult) error {
	if t.state.HasAccuratePose || !a.Trusted || !a.StdDevs.Within(t.cfg.TrustBounds) {
		return nil
	}

	s := a.StdDevs
	t.state.GoodObservationsSincePoseLoss++
	acc := &t.state.VarianceAccumulator
	acc.X += s.X * s.X
	acc.Y += s.Y * s.Y
	acc.Heading += s.Heading * s.Heading
	res.Counted = true

	n := float64(t.state.GoodObservationsSincePoseLoss)
	return t.direct(sink, vision.StdDevs{
		X:       math.Sqrt(acc.X) / n,
		Y:       math.Sqrt(acc.Y) / n,
		Heading: math.Sqrt(acc.Heading) / n,
	})
}

// Observe processes one scored observation: primes the estimator after a
// loss, forwards the observation, and counts it towards recovery when it is
// good. Mutations applied before a sink error are kept.
func (t *Tracker) Observe(obs vision.Observation, a vision.Assessment, sink vision.PoseEstimator) (ObserveResult, error) {
	var res ObserveResult
	for _, step := range observeSteps {
		if err := step(t, obs, a, sink, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}
