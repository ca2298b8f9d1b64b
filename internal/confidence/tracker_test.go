package confidence

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/testutil"
	"github.com/banshee-data/posefusion/internal/vision"
)

const (
	level = 0.0
	// 6 degrees
	tipped = 0.1047
)

var (
	lostStdDevs      = vision.StdDevs{X: 100, Y: 100, Heading: 100}
	recoveredStdDevs = vision.StdDevs{X: 0.1, Y: 0.1, Heading: 0.1}
)

// good is a trusted assessment that satisfies the default trust bounds: a
// multi-landmark estimate at an average distance of 1m.
func good() vision.Assessment {
	k := 1 + 1.0/30
	return vision.Trust(vision.StdDevs{X: 0.5 * k, Y: 0.5 * k, Heading: 1 * k})
}

func newLostTracker(t *testing.T, sink *testutil.RecordingSink) *Tracker {
	t.Helper()
	tr := NewTracker(DefaultTrackerConfig())
	got, err := tr.BeginCycle(tipped, sink)
	require.NoError(t, err)
	require.Equal(t, TransitionAttitude, got)
	require.Equal(t, StateLost, tr.State())
	sink.Reset()
	return tr
}

func requireInvariant(t *testing.T, tr *Tracker) {
	t.Helper()
	s := tr.Snapshot()
	require.Equal(t, s.GoodObservationsSincePoseLoss == 0, s.VarianceAccumulator.IsZero(),
		"counter and accumulator out of step: %+v", s)
}

func TestNewTracker_StartsAccurate(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	assert.Equal(t, StateAccurate, tr.State())
	assert.True(t, tr.HasAccuratePose())
	assert.Equal(t, ConfidenceState{HasAccuratePose: true}, tr.Snapshot())
	_, directed := tr.DirectedStateStdDevs()
	assert.False(t, directed)
}

func TestDefaultTrackerConfig(t *testing.T) {
	cfg := DefaultTrackerConfig()
	assert.InDelta(t, 5*math.Pi/180, cfg.TiltThresholdRadians, 1e-15)
	assert.Equal(t, uint32(10), cfg.RecoveryObservations)
	assert.Equal(t, vision.StdDevs{X: 2, Y: 2, Heading: 4}, cfg.TrustBounds)
	assert.Equal(t, lostStdDevs, cfg.LostStateStdDevs)
	assert.Equal(t, recoveredStdDevs, cfg.RecoveredStateStdDevs)
}

func TestBeginCycle_AttitudeTrigger(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := NewTracker(DefaultTrackerConfig())

	got, err := tr.BeginCycle(tipped, sink)
	require.NoError(t, err)
	assert.Equal(t, TransitionAttitude, got)
	assert.Equal(t, StateLost, tr.State())
	assert.Equal(t, ConfidenceState{}, tr.Snapshot())
	// losing the pose does not touch the estimator
	assert.Empty(t, sink.Calls())
}

func TestBeginCycle_TiltAtThresholdIsNotLoss(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := NewTracker(DefaultTrackerConfig())

	got, err := tr.BeginCycle(tr.Config().TiltThresholdRadians, sink)
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, got)
	assert.Equal(t, StateAccurate, tr.State())
}

func TestBeginCycle_AttitudeResetsProgressWhileLost(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := newLostTracker(t, sink)

	for i := 0; i < 4; i++ {
		_, err := tr.Observe(testutil.MultiAt(1, float64(i)), good(), sink)
		require.NoError(t, err)
	}
	require.Equal(t, uint32(4), tr.Snapshot().GoodObservationsSincePoseLoss)

	got, err := tr.BeginCycle(tipped, sink)
	require.NoError(t, err)
	assert.Equal(t, TransitionAttitude, got)
	assert.Equal(t, ConfidenceState{}, tr.Snapshot())
	requireInvariant(t, tr)
}

func TestBeginCycle_AttitudeTakesPriorityOverRecovery(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := newLostTracker(t, sink)

	for i := 0; i < 10; i++ {
		_, err := tr.Observe(testutil.MultiAt(1, float64(i)), good(), sink)
		require.NoError(t, err)
	}
	sink.Reset()

	got, err := tr.BeginCycle(tipped, sink)
	require.NoError(t, err)
	assert.Equal(t, TransitionAttitude, got)
	assert.Equal(t, StateLost, tr.State())
	assert.Equal(t, uint32(0), tr.Snapshot().GoodObservationsSincePoseLoss)
	assert.Empty(t, sink.StateUncertainties())
}

func TestBeginCycle_NoRecoveryWhileAccurate(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := NewTracker(DefaultTrackerConfig())

	for i := 0; i < 20; i++ {
		got, err := tr.BeginCycle(level, sink)
		require.NoError(t, err)
		require.Equal(t, TransitionNone, got)
	}
	assert.Empty(t, sink.Calls())
}

func TestObserve_AccurateOnlyForwards(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := NewTracker(DefaultTrackerConfig())
	obs := testutil.MultiAt(1, 3.25)

	res, err := tr.Observe(obs, good(), sink)
	require.NoError(t, err)
	assert.Equal(t, ObserveResult{}, res)

	want := []testutil.SinkCall{{Kind: testutil.CallFuse, Pose: obs.Pose, Timestamp: 3.25, StdDevs: good().StdDevs}}
	if diff := cmp.Diff(want, sink.Calls()); diff != "" {
		t.Errorf("sink calls mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, ConfidenceState{HasAccuratePose: true}, tr.Snapshot())
}

func TestObserve_FirstAfterLossPrimesBeforeFusing(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := newLostTracker(t, sink)
	g := good().StdDevs

	res, err := tr.Observe(testutil.MultiAt(1, 1), good(), sink)
	require.NoError(t, err)
	assert.Equal(t, ObserveResult{Primed: true, Counted: true}, res)

	calls := sink.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, testutil.SinkCall{Kind: testutil.CallSetStateUncertainty, StdDevs: lostStdDevs}, calls[0])
	assert.Equal(t, testutil.CallFuse, calls[1].Kind)
	assert.Equal(t, g, calls[1].StdDevs)
	// one sample: sqrt(σ²)/1 == σ
	assert.Equal(t, testutil.CallSetStateUncertainty, calls[2].Kind)
	assert.InDelta(t, g.X, calls[2].StdDevs.X, 1e-15)
	assert.InDelta(t, g.Heading, calls[2].StdDevs.Heading, 1e-15)

	// the second observation is not primed; the running average takes over
	sink.Reset()
	res, err = tr.Observe(testutil.MultiAt(1, 2), good(), sink)
	require.NoError(t, err)
	assert.Equal(t, ObserveResult{Counted: true}, res)
	calls = sink.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, testutil.CallFuse, calls[0].Kind)
	assert.InDelta(t, math.Sqrt(2*g.X*g.X)/2, calls[1].StdDevs.X, 1e-15)
	assert.InDelta(t, math.Sqrt(2*g.Heading*g.Heading)/2, calls[1].StdDevs.Heading, 1e-15)
}

func TestObserve_RunningAverageStdDev(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := newLostTracker(t, sink)

	samples := []vision.StdDevs{
		{X: 0.5, Y: 0.6, Heading: 1.0},
		{X: 1.0, Y: 0.8, Heading: 2.0},
		{X: 2.0, Y: 2.0, Heading: 4.0},
	}
	var sumX, sumY, sumH float64
	for i, s := range samples {
		_, err := tr.Observe(testutil.MultiAt(1, float64(i)), vision.Trust(s), sink)
		require.NoError(t, err)
		sumX += s.X * s.X
		sumY += s.Y * s.Y
		sumH += s.Heading * s.Heading
	}

	snap := tr.Snapshot()
	assert.Equal(t, uint32(3), snap.GoodObservationsSincePoseLoss)
	assert.InDelta(t, sumX, snap.VarianceAccumulator.X, 1e-12)
	assert.InDelta(t, sumY, snap.VarianceAccumulator.Y, 1e-12)
	assert.InDelta(t, sumH, snap.VarianceAccumulator.Heading, 1e-12)

	directed, ok := tr.DirectedStateStdDevs()
	require.True(t, ok)
	assert.InDelta(t, math.Sqrt(sumX)/3, directed.X, 1e-12)
	assert.InDelta(t, math.Sqrt(sumY)/3, directed.Y, 1e-12)
	assert.InDelta(t, math.Sqrt(sumH)/3, directed.Heading, 1e-12)
}

func TestObserve_NonQualifyingNeverCounts(t *testing.T) {
	tests := []struct {
		name string
		a    vision.Assessment
	}{
		{"untrusted", vision.Untrusted},
		{"x too large", vision.Trust(vision.StdDevs{X: 2.01, Y: 1, Heading: 1})},
		{"y too large", vision.Trust(vision.StdDevs{X: 1, Y: 2.5, Heading: 1})},
		{"heading too large", vision.Trust(vision.StdDevs{X: 1, Y: 1, Heading: 4.2})},
		{"single landmark at 1m", vision.Trust(vision.StdDevs{X: 4 * (1 + 1.0/30), Y: 4 * (1 + 1.0/30), Heading: 8 * (1 + 1.0/30)})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &testutil.RecordingSink{}
			tr := newLostTracker(t, sink)

			for i := 0; i < 3; i++ {
				res, err := tr.Observe(testutil.SingleAt(1, float64(i)), tt.a, sink)
				require.NoError(t, err)
				assert.False(t, res.Counted)
				// still the first observation since the loss, so every one is primed
				assert.True(t, res.Primed)
			}
			assert.Equal(t, ConfidenceState{}, tr.Snapshot())
			assert.Equal(t, 3, sink.FuseCount())
			for _, c := range sink.Calls() {
				if c.Kind == testutil.CallFuse {
					assert.Equal(t, tt.a.SinkStdDevs(), c.StdDevs)
				}
			}
		})
	}
}

func TestObserve_UntrustedForwardedWithSentinel(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := NewTracker(DefaultTrackerConfig())

	_, err := tr.Observe(testutil.SingleAt(10, 1), vision.Untrusted, sink)
	require.NoError(t, err)
	calls := sink.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].StdDevs.IsUntrusted())
}

func TestRecovery_TenGoodObservations(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := newLostTracker(t, sink)

	for i := 1; i <= 10; i++ {
		got, err := tr.BeginCycle(level, sink)
		require.NoError(t, err)
		require.Equal(t, TransitionNone, got, "cycle %d", i)
		require.Equal(t, StateLost, tr.State(), "cycle %d", i)

		_, err = tr.Observe(testutil.MultiAt(1, float64(i)), good(), sink)
		require.NoError(t, err)
		require.Equal(t, uint32(i), tr.Snapshot().GoodObservationsSincePoseLoss)
		requireInvariant(t, tr)
	}
	// nine would not have been enough; the tenth makes the next cycle recover
	sink.Reset()
	got, err := tr.BeginCycle(level, sink)
	require.NoError(t, err)
	assert.Equal(t, TransitionRecovery, got)
	assert.Equal(t, StateAccurate, tr.State())
	assert.Equal(t, ConfidenceState{HasAccuratePose: true}, tr.Snapshot())
	assert.Equal(t, []vision.StdDevs{recoveredStdDevs}, sink.StateUncertainties())

	directed, ok := tr.DirectedStateStdDevs()
	require.True(t, ok)
	assert.Equal(t, recoveredStdDevs, directed)
}

func TestRecovery_NineIsNotEnough(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := newLostTracker(t, sink)

	for i := 0; i < 9; i++ {
		_, err := tr.Observe(testutil.MultiAt(1, float64(i)), good(), sink)
		require.NoError(t, err)
	}
	got, err := tr.BeginCycle(level, sink)
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, got)
	assert.Equal(t, StateLost, tr.State())
}

func TestRecovery_MixedObservations(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := newLostTracker(t, sink)

	// bad observations interleaved with good ones do not count
	for i := 0; i < 10; i++ {
		_, err := tr.Observe(testutil.MultiAt(1, float64(i)), good(), sink)
		require.NoError(t, err)
		_, err = tr.Observe(testutil.SingleAt(10, float64(i)), vision.Untrusted, sink)
		require.NoError(t, err)
		if i < 9 {
			got, err := tr.BeginCycle(level, sink)
			require.NoError(t, err)
			require.Equal(t, TransitionNone, got)
		}
	}
	assert.Equal(t, uint32(10), tr.Snapshot().GoodObservationsSincePoseLoss)

	got, err := tr.BeginCycle(level, sink)
	require.NoError(t, err)
	assert.Equal(t, TransitionRecovery, got)
}

func TestTracker_CustomRecoveryCount(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.RecoveryObservations = 2
	sink := &testutil.RecordingSink{}
	tr := NewTracker(cfg)

	_, err := tr.BeginCycle(tipped, sink)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := tr.Observe(testutil.MultiAt(1, float64(i)), good(), sink)
		require.NoError(t, err)
	}
	got, err := tr.BeginCycle(level, sink)
	require.NoError(t, err)
	assert.Equal(t, TransitionRecovery, got)
}

func TestTracker_SinkErrorsPropagate(t *testing.T) {
	t.Run("recovery", func(t *testing.T) {
		sink := &testutil.RecordingSink{}
		tr := newLostTracker(t, sink)
		for i := 0; i < 10; i++ {
			_, err := tr.Observe(testutil.MultiAt(1, float64(i)), good(), sink)
			require.NoError(t, err)
		}
		sink.FailSetState = true
		got, err := tr.BeginCycle(level, sink)
		assert.ErrorIs(t, err, testutil.ErrInjected)
		assert.Equal(t, TransitionRecovery, got)
		// state changes made before the failure are kept
		assert.Equal(t, StateAccurate, tr.State())
	})

	t.Run("prime", func(t *testing.T) {
		sink := &testutil.RecordingSink{FailSetState: true}
		tr := newLostTracker(t, sink)
		_, err := tr.Observe(testutil.MultiAt(1, 0), good(), sink)
		assert.ErrorIs(t, err, testutil.ErrInjected)
		assert.Equal(t, 0, sink.FuseCount())
	})

	t.Run("fuse", func(t *testing.T) {
		sink := &testutil.RecordingSink{FailFuse: true}
		tr := newLostTracker(t, sink)
		res, err := tr.Observe(testutil.MultiAt(1, 0), good(), sink)
		assert.ErrorIs(t, err, testutil.ErrInjected)
		assert.True(t, res.Primed)
		assert.False(t, res.Counted)
		assert.Equal(t, uint32(0), tr.Snapshot().GoodObservationsSincePoseLoss)
	})
}

func TestConfidenceState_State(t *testing.T) {
	assert.Equal(t, StateAccurate, ConfidenceState{HasAccuratePose: true}.State())
	assert.Equal(t, StateLost, ConfidenceState{}.State())
}
