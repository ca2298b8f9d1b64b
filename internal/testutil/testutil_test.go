package testutil

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/vision"
)

func TestRecordingSink_RecordsInOrder(t *testing.T) {
	s := &RecordingSink{}
	require.NoError(t, s.SetStateUncertainty(vision.StdDevs{X: 100, Y: 100, Heading: 100}))
	require.NoError(t, s.Fuse(vision.Pose2D{X: 1}, 2.5, vision.UntrustedStdDevs))

	calls := s.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, CallSetStateUncertainty, calls[0].Kind)
	assert.Equal(t, CallFuse, calls[1].Kind)
	assert.Equal(t, 2.5, calls[1].Timestamp)
	assert.Equal(t, 1, s.FuseCount())
	assert.Equal(t, []vision.StdDevs{{X: 100, Y: 100, Heading: 100}}, s.StateUncertainties())
	assert.Contains(t, calls[1].String(), "untrusted")

	s.Reset()
	assert.Empty(t, s.Calls())
}

func TestRecordingSink_Failures(t *testing.T) {
	s := &RecordingSink{FailFuse: true, FailSetState: true}
	assert.True(t, errors.Is(s.Fuse(vision.Pose2D{}, 0, vision.StdDevs{}), ErrInjected))
	assert.True(t, errors.Is(s.SetStateUncertainty(vision.StdDevs{}), ErrInjected))
	assert.Empty(t, s.Calls())
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource([]vision.Observation{MultiAt(1, 0)})
	src.Push(SingleAt(2, 1), SingleAt(3, 2))

	first, err := src.PollUnread()
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := src.PollUnread()
	require.NoError(t, err)
	assert.Len(t, second, 2)

	empty, err := src.PollUnread()
	require.NoError(t, err)
	assert.Empty(t, empty)

	src.Err = ErrInjected
	_, err = src.PollUnread()
	assert.ErrorIs(t, err, ErrInjected)
}

func TestLineField(t *testing.T) {
	p, ok := LineField.Resolve(3)
	require.True(t, ok)
	assert.Equal(t, 3.0, vision.Pose2D{}.DistanceTo(p))

	_, ok = LineField.Resolve(0)
	assert.False(t, ok)
	_, ok = LineField.Resolve(21)
	assert.False(t, ok)
}

func TestAssertStatusCode(t *testing.T) {
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	req := NewTestRequest(http.MethodGet, "/api/status")
	assert.Equal(t, "/api/status", req.URL.Path)
}
