// Package fusion wires observation sources, the uncertainty estimator and
// the confidence tracker into a per-cycle pipeline that feeds a pose
// estimator, and runs that pipeline on a fixed period.
package fusion

import (
	"fmt"

	"github.com/banshee-data/posefusion/internal/confidence"
	"github.com/banshee-data/posefusion/internal/vision"
)

// CycleResult summarises one pipeline cycle.
type CycleResult struct {
	Transition   confidence.Transition
	Observations int // observations polled and forwarded
	Trusted      int // observations the estimator trusted
	Counted      int // observations that counted towards recovery
}

// Pipeline runs one fusion cycle at a time. It holds no state of its own
// beyond the tracker it drives.
type Pipeline struct {
	estimator vision.Estimator
	tracker   *confidence.Tracker
}

// NewPipeline returns a pipeline that scores observations with estimator and
// tracks confidence with tracker. The pipeline takes ownership of tracker.
func NewPipeline(estimator vision.Estimator, tracker *confidence.Tracker) *Pipeline {
	return &Pipeline{estimator: estimator, tracker: tracker}
}

// Tracker returns the pipeline's confidence tracker for read-only inspection.
func (p *Pipeline) Tracker() *confidence.Tracker {
	return p.tracker
}

// RunCycle evaluates the cycle-start transitions with tiltRadians, then
// polls source and scores, tracks and forwards each observation to sink in
// arrival order. Collaborator errors abort the rest of the cycle and are
// returned; tracker state already changed is kept.
func (p *Pipeline) RunCycle(source vision.ObservationSource, lookup vision.LandmarkLookup, tiltRadians float64, sink vision.PoseEstimator) (CycleResult, error) {
	var res CycleResult

	tr, err := p.tracker.BeginCycle(tiltRadians, sink)
	res.Transition = tr
	if err != nil {
		return res, fmt.Errorf("cycle start (%s): %w", tr, err)
	}

	observations, err := source.PollUnread()
	if err != nil {
		return res, fmt.Errorf("failed to poll observations: %w", err)
	}

	for i, obs := range observations {
		a := p.estimator.Estimate(obs, lookup)
		r, err := p.tracker.Observe(obs, a, sink)
		if err != nil {
			return res, fmt.Errorf("observation %d of %d: %w", i+1, len(observations), err)
		}
		res.Observations++
		if a.Trusted {
			res.Trusted++
		}
		if r.Counted {
			res.Counted++
		}
	}
	return res, nil
}
