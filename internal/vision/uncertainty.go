package vision

import (
	"math"

	"github.com/banshee-data/posefusion/internal/config"
)

// EstimatorConfig holds the constants of the uncertainty heuristic.
type EstimatorConfig struct {
	SingleTagStdDevs      StdDevs // base std devs for single-landmark estimates
	MultiTagStdDevs       StdDevs // base std devs for multi-landmark estimates
	MaxSingleTagDistance  float64 // meters; farther single sightings are untrusted
	MaxSingleTagAmbiguity float64 // single sightings above this are untrusted
	DistanceScaleDivisor  float64 // std devs grow by (1 + d²/divisor)
}

// DefaultEstimatorConfig returns the calibrated heuristic constants.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfigFromTuning(config.EmptyTuningConfig())
}

// EstimatorConfigFromTuning builds an EstimatorConfig from a loaded TuningConfig.
func EstimatorConfigFromTuning(cfg *config.TuningConfig) EstimatorConfig {
	return EstimatorConfig{
		SingleTagStdDevs:      StdDevsFromArray(cfg.GetSingleTagStdDevs()),
		MultiTagStdDevs:       StdDevsFromArray(cfg.GetMultiTagStdDevs()),
		MaxSingleTagDistance:  cfg.GetMaxSingleTagDistance(),
		MaxSingleTagAmbiguity: cfg.GetMaxSingleTagAmbiguity(),
		DistanceScaleDivisor:  cfg.GetDistanceScaleDivisor(),
	}
}

// Assessment is the estimator's verdict on one observation: either trusted
// with finite std devs, or untrusted.
type Assessment struct {
	Trusted bool
	StdDevs StdDevs // zero when !Trusted
}

// Untrusted is the assessment for observations that must not move the estimate.
var Untrusted = Assessment{}

// Trust wraps finite std devs in a trusted assessment.
func Trust(s StdDevs) Assessment {
	return Assessment{Trusted: true, StdDevs: s}
}

// SinkStdDevs converts the assessment to the numeric form the pose
// estimator expects, substituting UntrustedStdDevs for untrusted ones.
func (a Assessment) SinkStdDevs() StdDevs {
	if !a.Trusted {
		return UntrustedStdDevs
	}
	return a.StdDevs
}

func (a Assessment) String() string {
	return a.SinkStdDevs().String()
}

// Estimator scores observations. It is a value type with no state; Estimate
// is pure.
type Estimator struct {
	cfg EstimatorConfig
}

// NewEstimator returns an Estimator using cfg.
func NewEstimator(cfg EstimatorConfig) Estimator {
	return Estimator{cfg: cfg}
}

// Config returns the estimator's constants.
func (e Estimator) Config() EstimatorConfig {
	return e.cfg
}

// Estimate scores obs using the default constants.
func Estimate(obs Observation, lookup LandmarkLookup) Assessment {
	return NewEstimator(DefaultEstimatorConfig()).Estimate(obs, lookup)
}

// Estimate returns the per-axis uncertainty of obs. Landmarks the lookup
// cannot resolve are skipped; an observation with nothing usable is
// untrusted rather than an error.
func (e Estimator) Estimate(obs Observation, lookup LandmarkLookup) Assessment {
	if obs.Strategy == StrategyMulti {
		return e.estimateMulti(obs, lookup)
	}
	return e.estimateSingle(obs, lookup)
}

func (e Estimator) estimateSingle(obs Observation, lookup LandmarkLookup) Assessment {
	resolved := 0
	minDistance := math.Inf(1)
	minAmbiguity := math.Inf(1)
	for _, s := range obs.Landmarks {
		pos, ok := lookup.Resolve(s.LandmarkID)
		if !ok {
			continue
		}
		resolved++
		minDistance = math.Min(minDistance, obs.Pose.DistanceTo(pos))
		minAmbiguity = math.Min(minAmbiguity, s.Ambiguity)
	}

	if resolved == 0 || minDistance > e.cfg.MaxSingleTagDistance || minAmbiguity > e.cfg.MaxSingleTagAmbiguity {
		return Untrusted
	}
	return Trust(e.cfg.SingleTagStdDevs.Scale(1 + minDistance*minDistance/e.cfg.DistanceScaleDivisor))
}

func (e Estimator) estimateMulti(obs Observation, lookup LandmarkLookup) Assessment {
	resolved := 0
	d1, d2 := math.Inf(1), math.Inf(1)
	for _, s := range obs.Landmarks {
		pos, ok := lookup.Resolve(s.LandmarkID)
		if !ok {
			continue
		}
		resolved++
		d := obs.Pose.DistanceTo(pos)
		switch {
		case d < d1:
			d1, d2 = d, d1
		case d < d2:
			d2 = d
		}
	}

	if resolved == 0 {
		return Untrusted
	}
	if resolved == 1 {
		d2 = d1
	}
	avg := (d1 + d2) / 2
	return Trust(e.cfg.MultiTagStdDevs.Scale(1 + avg*avg/e.cfg.DistanceScaleDivisor))
}
