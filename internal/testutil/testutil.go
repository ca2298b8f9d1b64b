// Package testutil provides shared test fakes and fixtures for the fusion
// packages.
package testutil

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/banshee-data/posefusion/internal/vision"
)

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

// CallKind identifies a call made to a RecordingSink.
type CallKind string

const (
	CallFuse                CallKind = "fuse"
	CallSetStateUncertainty CallKind = "set_state_uncertainty"
)

// SinkCall is one recorded call to a RecordingSink.
type SinkCall struct {
	Kind      CallKind
	Pose      vision.Pose2D
	Timestamp float64
	StdDevs   vision.StdDevs
}

func (c SinkCall) String() string {
	if c.Kind == CallFuse {
		return fmt.Sprintf("fuse(%v @%.3f, %v)", c.Pose, c.Timestamp, c.StdDevs)
	}
	return fmt.Sprintf("set_state_uncertainty(%v)", c.StdDevs)
}

// RecordingSink is a vision.PoseEstimator that records every call in order.
// Setting FailFuse or FailSetState makes the matching call return
// ErrInjected without recording it.
type RecordingSink struct {
	mu           sync.Mutex
	calls        []SinkCall
	FailFuse     bool
	FailSetState bool
}

// Fuse records a fuse call.
func (s *RecordingSink) Fuse(pose vision.Pose2D, ts float64, sd vision.StdDevs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailFuse {
		return ErrInjected
	}
	s.calls = append(s.calls, SinkCall{Kind: CallFuse, Pose: pose, Timestamp: ts, StdDevs: sd})
	return nil
}

// SetStateUncertainty records a state uncertainty change.
func (s *RecordingSink) SetStateUncertainty(sd vision.StdDevs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSetState {
		return ErrInjected
	}
	s.calls = append(s.calls, SinkCall{Kind: CallSetStateUncertainty, StdDevs: sd})
	return nil
}

// Calls returns a copy of the recorded calls.
func (s *RecordingSink) Calls() []SinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// StateUncertainties returns only the recorded SetStateUncertainty values.
func (s *RecordingSink) StateUncertainties() []vision.StdDevs {
	var out []vision.StdDevs
	for _, c := range s.Calls() {
		if c.Kind == CallSetStateUncertainty {
			out = append(out, c.StdDevs)
		}
	}
	return out
}

// FuseCount returns the number of recorded Fuse calls.
func (s *RecordingSink) FuseCount() int {
	n := 0
	for _, c := range s.Calls() {
		if c.Kind == CallFuse {
			n++
		}
	}
	return n
}

// Reset clears the recorded calls.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// StaticSource is an ObservationSource that returns one queued batch per
// poll and then empty polls.
type StaticSource struct {
	mu      sync.Mutex
	batches [][]vision.Observation
	Err     error
}

// NewStaticSource returns a source that yields the given batches in order.
func NewStaticSource(batches ...[]vision.Observation) *StaticSource {
	return &StaticSource{batches: batches}
}

// Push queues another batch.
func (s *StaticSource) Push(batch ...vision.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
}

// PollUnread returns the next batch, or nil once drained.
func (s *StaticSource) PollUnread() ([]vision.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

// LineField is a landmark lookup with landmark n at (n, 0, 0.5) for ids
// 1 through 20. Other ids are unknown.
var LineField = vision.LandmarkLookupFunc(func(id int) (vision.Point3D, bool) {
	if id < 1 || id > 20 {
		return vision.Point3D{}, false
	}
	return vision.Point3D{X: float64(id), Y: 0, Z: 0.5}, true
})

// MultiAt returns a multi-landmark observation taken at the origin of
// LineField whose two nearest landmarks average the given whole-meter
// distance.
func MultiAt(meters int, ts float64) vision.Observation {
	return vision.Observation{
		Strategy:         vision.StrategyMulti,
		TimestampSeconds: ts,
		Landmarks: []vision.LandmarkSighting{
			{LandmarkID: meters, Ambiguity: 0.1},
			{LandmarkID: meters, Ambiguity: 0.1},
		},
	}
}

// SingleAt returns an unambiguous single-landmark observation taken at the
// origin of LineField against the landmark the given distance away.
func SingleAt(meters int, ts float64) vision.Observation {
	return vision.Observation{
		Strategy:         vision.StrategySingle,
		TimestampSeconds: ts,
		Landmarks:        []vision.LandmarkSighting{{LandmarkID: meters, Ambiguity: 0.05}},
	}
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}
