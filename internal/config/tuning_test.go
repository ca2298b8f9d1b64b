package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyTuningConfig_Defaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	assert.Equal(t, [3]float64{4, 4, 8}, cfg.GetSingleTagStdDevs())
	assert.Equal(t, [3]float64{0.5, 0.5, 1}, cfg.GetMultiTagStdDevs())
	assert.Equal(t, 4.0, cfg.GetMaxSingleTagDistance())
	assert.Equal(t, 0.2, cfg.GetMaxSingleTagAmbiguity())
	assert.Equal(t, 30.0, cfg.GetDistanceScaleDivisor())
	assert.Equal(t, 5.0, cfg.GetTiltThresholdDegrees())
	assert.Equal(t, 10, cfg.GetRecoveryObservations())
	assert.Equal(t, [3]float64{2, 2, 4}, cfg.GetTrustBoundStdDevs())
	assert.Equal(t, [3]float64{100, 100, 100}, cfg.GetLostStateStdDevs())
	assert.Equal(t, [3]float64{0.1, 0.1, 0.1}, cfg.GetRecoveredStateStdDevs())
	assert.Equal(t, 5*time.Millisecond, cfg.GetLoopPeriod())
	assert.Equal(t, 64, cfg.GetObservationBufferCapacity())
	assert.Equal(t, 5800, cfg.GetPCAPUDPPort())
	assert.Equal(t, 20, cfg.GetSampleEveryNCycles())
}

func TestDefaultTuningConfig_MatchesGetters(t *testing.T) {
	cfg := DefaultTuningConfig()
	require.NoError(t, cfg.Validate())

	require.NotNil(t, cfg.LoopPeriod)
	assert.Equal(t, "5ms", *cfg.LoopPeriod)
	assert.Equal(t, []float64{4, 4, 8}, cfg.SingleTagStdDevs)
	assert.Equal(t, EmptyTuningConfig().GetTrustBoundStdDevs(), cfg.GetTrustBoundStdDevs())
}

func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	fromFile, err := LoadTuningConfig(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)

	if diff := cmp.Diff(DefaultTuningConfig(), fromFile); diff != "" {
		t.Errorf("defaults file drifted from built-in defaults (-builtin +file):\n%s", diff)
	}
}

func TestLoadTuningConfig_JSONPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "recovery_observations": 5,
  "loop_period": "10ms",
  "multi_tag_std_devs": [0.3, 0.3, 0.6]
}`), 0644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.GetRecoveryObservations())
	assert.Equal(t, 10*time.Millisecond, cfg.GetLoopPeriod())
	assert.Equal(t, [3]float64{0.3, 0.3, 0.6}, cfg.GetMultiTagStdDevs())
	// untouched fields keep their defaults
	assert.Equal(t, [3]float64{4, 4, 8}, cfg.GetSingleTagStdDevs())
	assert.Equal(t, 5.0, cfg.GetTiltThresholdDegrees())
}

func TestLoadTuningConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fusion.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tilt_threshold_degrees: 7.5
trust_bound_std_devs: [1.5, 1.5, 3]
serial_parity: E
`), 0644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7.5, cfg.GetTiltThresholdDegrees())
	assert.Equal(t, [3]float64{1.5, 1.5, 3}, cfg.GetTrustBoundStdDevs())
	assert.Equal(t, "E", cfg.GetSerialParity())
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad extension", "cfg.txt", `{}`},
		{"bad json", "cfg.json", `{not json`},
		{"short triple", "cfg.json", `{"multi_tag_std_devs": [1, 2]}`},
		{"negative std dev", "cfg.json", `{"lost_state_std_devs": [100, -1, 100]}`},
		{"ambiguity out of range", "cfg.json", `{"max_single_tag_ambiguity": 1.5}`},
		{"zero divisor", "cfg.json", `{"distance_scale_divisor": 0}`},
		{"tilt too large", "cfg.json", `{"tilt_threshold_degrees": 90}`},
		{"zero recovery count", "cfg.json", `{"recovery_observations": 0}`},
		{"bad loop period", "cfg.json", `{"loop_period": "fast"}`},
		{"negative loop period", "cfg.json", `{"loop_period": "-5ms"}`},
		{"bad port", "cfg.json", `{"pcap_udp_port": 70000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+"-"+tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := LoadTuningConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadTuningConfig_MissingFile(t *testing.T) {
	_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMustLoadDefaultConfig(t *testing.T) {
	assert.NotPanics(t, func() {
		cfg := MustLoadDefaultConfig()
		assert.Equal(t, 10, cfg.GetRecoveryObservations())
	})
}

func TestGetLoopPeriod_InvalidFallsBack(t *testing.T) {
	cfg := &TuningConfig{LoopPeriod: ptrString("nonsense")}
	assert.Equal(t, 5*time.Millisecond, cfg.GetLoopPeriod())
}
