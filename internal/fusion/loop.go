package fusion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/posefusion/internal/confidence"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/timeutil"
	"github.com/banshee-data/posefusion/internal/vision"
)

var logf = monitoring.Component("fusion")

// ErrLoopRunning is returned by Run when the loop is already running.
var ErrLoopRunning = errors.New("fusion loop already running")

// Status is a snapshot of the engine after a cycle.
type Status struct {
	Cycle         uint64                     `json:"cycle"`
	Time          time.Time                  `json:"time"`
	State         confidence.State           `json:"state"`
	Confidence    confidence.ConfidenceState `json:"confidence"`
	StateStdDevs  *vision.StdDevs            `json:"state_std_devs,omitempty"`
	Transition    confidence.Transition      `json:"transition,omitempty"`
	PreviousState confidence.State           `json:"previous_state"`
	TiltRadians   float64                    `json:"tilt_radians"`
	Observations  int                        `json:"observations"`
	Trusted       int                        `json:"trusted"`
	Counted       int                        `json:"counted"`
	CycleDuration time.Duration              `json:"cycle_duration_ns"`
	Err           string                     `json:"error,omitempty"`
}

// StateChanged reports whether the cycle moved the tracker between states.
func (s Status) StateChanged() bool {
	return s.PreviousState != s.State
}

// Stats counts loop activity since start.
type Stats struct {
	Cycles       uint64 `json:"cycles"`
	Observations uint64 `json:"observations"`
	Errors       uint64 `json:"errors"`
	Losses       uint64 `json:"losses"`
	Recoveries   uint64 `json:"recoveries"`
	Overruns     uint64 `json:"overruns"`
}

// Observer is called synchronously on the loop goroutine after every cycle.
// It must not block.
type Observer func(Status)

// LoopConfig wires the loop's collaborators.
type LoopConfig struct {
	Pipeline *Pipeline
	Source   vision.ObservationSource
	Lookup   vision.LandmarkLookup
	Attitude vision.AttitudeSource
	Sink     vision.PoseEstimator
	Period   time.Duration
	Clock    timeutil.Clock // defaults to timeutil.RealClock
}

// Loop runs the pipeline on a fixed period. The loop goroutine is the only
// caller of the pipeline; Status and Stats may be read from any goroutine.
type Loop struct {
	cfg LoopConfig

	mu        sync.Mutex
	running   bool
	cycle     uint64
	status    Status
	stats     Stats
	observers []Observer
}

// NewLoop returns a Loop for cfg.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Millisecond
	}
	return &Loop{cfg: cfg}
}

// OnCycle registers an observer for every completed cycle.
func (l *Loop) OnCycle(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Status returns the snapshot taken after the most recent cycle.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Step runs one cycle immediately and returns its status. A collaborator
// error is recorded in the status and returned; the next cycle proceeds from
// whatever state resulted.
func (l *Loop) Step() (Status, error) {
	tracker := l.cfg.Pipeline.Tracker()
	start := l.cfg.Clock.Now()
	before := tracker.State()
	tilt := l.cfg.Attitude.CurrentTiltRadians()

	res, err := l.cfg.Pipeline.RunCycle(l.cfg.Source, l.cfg.Lookup, tilt, l.cfg.Sink)

	st := Status{
		Time:          start,
		State:         tracker.State(),
		PreviousState: before,
		Confidence:    tracker.Snapshot(),
		Transition:    res.Transition,
		TiltRadians:   tilt,
		Observations:  res.Observations,
		Trusted:       res.Trusted,
		Counted:       res.Counted,
		CycleDuration: l.cfg.Clock.Since(start),
	}
	if sd, ok := tracker.DirectedStateStdDevs(); ok {
		st.StateStdDevs = &sd
	}
	if err != nil {
		st.Err = err.Error()
	}

	l.mu.Lock()
	l.cycle++
	st.Cycle = l.cycle
	l.status = st
	l.stats.Cycles++
	l.stats.Observations += uint64(res.Observations)
	if err != nil {
		l.stats.Errors++
	}
	if st.StateChanged() {
		if st.State == confidence.StateLost {
			l.stats.Losses++
		} else {
			l.stats.Recoveries++
		}
	}
	if st.CycleDuration > l.cfg.Period {
		l.stats.Overruns++
	}
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()

	if st.StateChanged() {
		logf("pose %s -> %s (transition=%s tilt=%.4f)", before, st.State, res.Transition, tilt)
	}
	for _, o := range observers {
		o(st)
	}
	return st, err
}

// Run steps the pipeline every period until ctx is cancelled. Cycle errors
// are logged and do not stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrLoopRunning
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	ticker := l.cfg.Clock.NewTicker(l.cfg.Period)
	defer ticker.Stop()
	logf("fusion loop started (period=%s)", l.cfg.Period)

	for {
		select {
		case <-ctx.Done():
			stats := l.Stats()
			logf("fusion loop stopped after %d cycles (%d errors, %d overruns)", stats.Cycles, stats.Errors, stats.Overruns)
			return ctx.Err()
		case <-ticker.C():
			if _, err := l.Step(); err != nil {
				logf("cycle failed: %v", err)
			}
		}
	}
}
