package fusion

import (
	"math"
	"time"

	"github.com/banshee-data/posefusion/internal/source"
	"github.com/banshee-data/posefusion/internal/timeutil"
)

// maxIdleCycles bounds how many empty cycles a gap in a recording may
// produce before the replay resynchronises to the next message.
const maxIdleCycles = 1000

// Replayer runs the pipeline over a recorded message stream. Cycle
// boundaries come from message timestamps rather than a wall clock, so a
// replay is deterministic and runs as fast as the messages can be read.
type Replayer struct {
	loop   *Loop
	buf    *source.Buffer
	clock  *timeutil.MockClock
	period float64 // seconds

	started   bool
	nextCycle float64
	lastTime  float64
}

// NewReplayer returns a Replayer that feeds buf and steps a loop built from
// cfg. cfg.Source, cfg.Attitude and cfg.Clock are replaced.
func NewReplayer(cfg LoopConfig, buf *source.Buffer) *Replayer {
	clock := timeutil.NewMockClock(time.Unix(0, 0).UTC())
	cfg.Source = buf
	cfg.Attitude = buf
	cfg.Clock = clock
	loop := NewLoop(cfg)
	return &Replayer{
		loop:   loop,
		buf:    buf,
		clock:  clock,
		period: loop.cfg.Period.Seconds(),
	}
}

// Loop returns the underlying loop for observers and stats.
func (r *Replayer) Loop() *Loop {
	return r.loop
}

// Handle runs every cycle that falls due before m, then applies m. It has
// the signature of source.MessageFunc.
func (r *Replayer) Handle(m source.Message) error {
	t := m.TimestampSeconds
	if !r.started {
		r.started = true
		r.nextCycle = t + r.period
		r.advanceTo(t)
	}

	if due := (t - r.nextCycle) / r.period; due > maxIdleCycles {
		logf("replay gap of %.3fs at t=%.3f, resynchronising", t-r.lastTime, t)
		r.step(r.nextCycle)
		r.nextCycle = t + r.period
	}
	for t >= r.nextCycle {
		r.step(r.nextCycle)
		r.nextCycle += r.period
	}

	r.lastTime = math.Max(r.lastTime, t)
	r.buf.Apply(m)
	return nil
}

// Flush runs one final cycle so messages after the last boundary are
// processed, and returns the loop stats.
func (r *Replayer) Flush() Stats {
	if r.started {
		r.step(r.nextCycle)
	}
	return r.loop.Stats()
}

func (r *Replayer) step(at float64) {
	r.advanceTo(at)
	if _, err := r.loop.Step(); err != nil {
		logf("replay cycle at t=%.3f failed: %v", at, err)
	}
}

func (r *Replayer) advanceTo(seconds float64) {
	target := time.Unix(0, 0).UTC().Add(time.Duration(seconds * float64(time.Second)))
	if d := target.Sub(r.clock.Now()); d > 0 {
		r.clock.Advance(d)
	}
}
