package source

import (
	"sync"

	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/vision"
)

var logf = monitoring.Component("source")

// DefaultBufferCapacity is used when NewBuffer is given a non-positive
// capacity.
const DefaultBufferCapacity = 64

// OdometryHandler receives odometry deltas as they are read.
type OdometryHandler func(timestampSeconds float64, delta vision.Pose2D)

// BufferStats counts what a Buffer has seen.
type BufferStats struct {
	Observations  uint64  `json:"observations"`
	Dropped       uint64  `json:"dropped"`
	Attitudes     uint64  `json:"attitudes"`
	Odometry      uint64  `json:"odometry"`
	DecodeErrors  uint64  `json:"decode_errors"`
	Pending       int     `json:"pending"`
	LastTimestamp float64 `json:"last_timestamp"`
}

// Buffer is a bounded FIFO of observations plus the latest attitude. Readers
// push from their own goroutines; the fusion loop drains it with PollUnread.
// When full, the oldest observation is dropped.
//
// Buffer implements vision.ObservationSource and vision.AttitudeSource.
type Buffer struct {
	capacity int

	mu       sync.Mutex
	pending  []vision.Observation
	tilt     float64
	odometry OdometryHandler
	stats    BufferStats
}

// NewBuffer returns an empty Buffer holding at most capacity observations.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{capacity: capacity, pending: make([]vision.Observation, 0, capacity)}
}

// OnOdometry installs the handler called for odometry messages. It runs on
// the reader's goroutine.
func (b *Buffer) OnOdometry(h OdometryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.odometry = h
}

// PushObservation appends obs, dropping the oldest pending observation if
// the buffer is full.
func (b *Buffer) PushObservation(obs vision.Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.capacity {
		b.pending = b.pending[1:]
		b.stats.Dropped++
	}
	b.pending = append(b.pending, obs)
	b.stats.Observations++
	b.stats.LastTimestamp = obs.TimestampSeconds
}

// SetTilt records the latest tilt from level in radians.
func (b *Buffer) SetTilt(tiltRadians float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tilt = tiltRadians
	b.stats.Attitudes++
}

// Apply routes a decoded message to the observation queue, the attitude or
// the odometry handler.
func (b *Buffer) Apply(m Message) {
	switch m.Type {
	case MessageObservation:
		b.PushObservation(m.Observation)
	case MessageAttitude:
		b.SetTilt(m.TiltRadians)
	case MessageOdometry:
		b.mu.Lock()
		h := b.odometry
		b.stats.Odometry++
		b.mu.Unlock()
		if h != nil {
			h(m.TimestampSeconds, m.Odometry)
		}
	}
}

// HandleLine decodes one line and applies it. Undecodable lines are counted,
// logged and skipped.
func (b *Buffer) HandleLine(line []byte) {
	m, err := Decode(line)
	if err != nil {
		b.rejectLine(err)
		return
	}
	b.Apply(m)
}

// rejectLine counts a line that could not be used as a decode error.
func (b *Buffer) rejectLine(err error) {
	b.mu.Lock()
	b.stats.DecodeErrors++
	n := b.stats.DecodeErrors
	b.mu.Unlock()
	// only log the first few and then every hundredth
	if n <= 5 || n%100 == 0 {
		logf("skipping line (%d bad so far): %v", n, err)
	}
}

// PollUnread returns and clears the pending observations in arrival order.
func (b *Buffer) PollUnread() ([]vision.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil, nil
	}
	out := b.pending
	b.pending = make([]vision.Observation, 0, b.capacity)
	return out, nil
}

// CurrentTiltRadians returns the most recent tilt.
func (b *Buffer) CurrentTiltRadians() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tilt
}

// Stats returns the buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.pending)
	return s
}
