package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/fusion.defaults.json"

// maxConfigFileSize bounds the size of a tuning file we are willing to parse.
const maxConfigFileSize = 1 * 1024 * 1024

// TuningConfig is the root configuration of the fusion engine. Every field is
// optional; the Get* accessors supply the calibrated defaults for anything
// omitted, so partial files are safe.
//
// Triples are ordered (x, y, heading).
type TuningConfig struct {
	// Observation uncertainty model
	SingleTagStdDevs      []float64 `json:"single_tag_std_devs,omitempty" yaml:"single_tag_std_devs,omitempty"`
	MultiTagStdDevs       []float64 `json:"multi_tag_std_devs,omitempty" yaml:"multi_tag_std_devs,omitempty"`
	MaxSingleTagDistance  *float64  `json:"max_single_tag_distance,omitempty" yaml:"max_single_tag_distance,omitempty"`
	MaxSingleTagAmbiguity *float64  `json:"max_single_tag_ambiguity,omitempty" yaml:"max_single_tag_ambiguity,omitempty"`
	DistanceScaleDivisor  *float64  `json:"distance_scale_divisor,omitempty" yaml:"distance_scale_divisor,omitempty"`

	// Confidence tracking
	TiltThresholdDegrees  *float64  `json:"tilt_threshold_degrees,omitempty" yaml:"tilt_threshold_degrees,omitempty"`
	RecoveryObservations  *int      `json:"recovery_observations,omitempty" yaml:"recovery_observations,omitempty"`
	TrustBoundStdDevs     []float64 `json:"trust_bound_std_devs,omitempty" yaml:"trust_bound_std_devs,omitempty"`
	LostStateStdDevs      []float64 `json:"lost_state_std_devs,omitempty" yaml:"lost_state_std_devs,omitempty"`
	RecoveredStateStdDevs []float64 `json:"recovered_state_std_devs,omitempty" yaml:"recovered_state_std_devs,omitempty"`

	// Loop and sources
	LoopPeriod                *string `json:"loop_period,omitempty" yaml:"loop_period,omitempty"` // duration string like "5ms"
	ObservationBufferCapacity *int    `json:"observation_buffer_capacity,omitempty" yaml:"observation_buffer_capacity,omitempty"`
	SerialBaudRate            *int    `json:"serial_baud_rate,omitempty" yaml:"serial_baud_rate,omitempty"`
	SerialParity              *string `json:"serial_parity,omitempty" yaml:"serial_parity,omitempty"`
	PCAPUDPPort               *int    `json:"pcap_udp_port,omitempty" yaml:"pcap_udp_port,omitempty"`

	// Reference estimator
	OdometryProcessNoise []float64 `json:"odometry_process_noise,omitempty" yaml:"odometry_process_noise,omitempty"`
	InitialStateStdDevs  []float64 `json:"initial_state_std_devs,omitempty" yaml:"initial_state_std_devs,omitempty"`

	// Recording
	SampleEveryNCycles *int `json:"sample_every_n_cycles,omitempty" yaml:"sample_every_n_cycles,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with every field unset. The Get*
// accessors then return the built-in defaults.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config with every field populated from the
// built-in defaults.
func DefaultTuningConfig() *TuningConfig {
	empty := EmptyTuningConfig()
	single := empty.GetSingleTagStdDevs()
	multi := empty.GetMultiTagStdDevs()
	bounds := empty.GetTrustBoundStdDevs()
	lost := empty.GetLostStateStdDevs()
	recovered := empty.GetRecoveredStateStdDevs()
	noise := empty.GetOdometryProcessNoise()
	initial := empty.GetInitialStateStdDevs()
	return &TuningConfig{
		SingleTagStdDevs:          single[:],
		MultiTagStdDevs:           multi[:],
		MaxSingleTagDistance:      ptrFloat64(empty.GetMaxSingleTagDistance()),
		MaxSingleTagAmbiguity:     ptrFloat64(empty.GetMaxSingleTagAmbiguity()),
		DistanceScaleDivisor:      ptrFloat64(empty.GetDistanceScaleDivisor()),
		TiltThresholdDegrees:      ptrFloat64(empty.GetTiltThresholdDegrees()),
		RecoveryObservations:      ptrInt(empty.GetRecoveryObservations()),
		TrustBoundStdDevs:         bounds[:],
		LostStateStdDevs:          lost[:],
		RecoveredStateStdDevs:     recovered[:],
		LoopPeriod:                ptrString(empty.GetLoopPeriod().String()),
		ObservationBufferCapacity: ptrInt(empty.GetObservationBufferCapacity()),
		SerialBaudRate:            ptrInt(empty.GetSerialBaudRate()),
		SerialParity:              ptrString(empty.GetSerialParity()),
		PCAPUDPPort:               ptrInt(empty.GetPCAPUDPPort()),
		OdometryProcessNoise:      noise[:],
		InitialStateStdDevs:       initial[:],
		SampleEveryNCycles:        ptrInt(empty.GetSampleEveryNCycles()),
	}
}

// LoadTuningConfig loads a TuningConfig from a .json, .yaml or .yml file and
// validates it. Fields omitted from the file keep their defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for tests and binaries started from inside the repository.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/<tool>/ subpackages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks that the configured values are usable.
func (c *TuningConfig) Validate() error {
	triples := []struct {
		name string
		v    []float64
	}{
		{"single_tag_std_devs", c.SingleTagStdDevs},
		{"multi_tag_std_devs", c.MultiTagStdDevs},
		{"trust_bound_std_devs", c.TrustBoundStdDevs},
		{"lost_state_std_devs", c.LostStateStdDevs},
		{"recovered_state_std_devs", c.RecoveredStateStdDevs},
		{"odometry_process_noise", c.OdometryProcessNoise},
		{"initial_state_std_devs", c.InitialStateStdDevs},
	}
	for _, tr := range triples {
		if tr.v == nil {
			continue
		}
		if len(tr.v) != 3 {
			return fmt.Errorf("%s must have 3 elements (x, y, heading), got %d", tr.name, len(tr.v))
		}
		for _, x := range tr.v {
			if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("%s must be finite and non-negative, got %v", tr.name, tr.v)
			}
		}
	}

	if c.MaxSingleTagDistance != nil && *c.MaxSingleTagDistance <= 0 {
		return fmt.Errorf("max_single_tag_distance must be positive, got %f", *c.MaxSingleTagDistance)
	}
	if c.MaxSingleTagAmbiguity != nil {
		if *c.MaxSingleTagAmbiguity < 0 || *c.MaxSingleTagAmbiguity > 1 {
			return fmt.Errorf("max_single_tag_ambiguity must be between 0 and 1, got %f", *c.MaxSingleTagAmbiguity)
		}
	}
	if c.DistanceScaleDivisor != nil && *c.DistanceScaleDivisor <= 0 {
		return fmt.Errorf("distance_scale_divisor must be positive, got %f", *c.DistanceScaleDivisor)
	}
	if c.TiltThresholdDegrees != nil {
		if *c.TiltThresholdDegrees <= 0 || *c.TiltThresholdDegrees >= 90 {
			return fmt.Errorf("tilt_threshold_degrees must be in (0, 90), got %f", *c.TiltThresholdDegrees)
		}
	}
	if c.RecoveryObservations != nil && *c.RecoveryObservations < 1 {
		return fmt.Errorf("recovery_observations must be at least 1, got %d", *c.RecoveryObservations)
	}
	if c.LoopPeriod != nil && *c.LoopPeriod != "" {
		d, err := time.ParseDuration(*c.LoopPeriod)
		if err != nil {
			return fmt.Errorf("invalid loop_period '%s': %w", *c.LoopPeriod, err)
		}
		if d <= 0 {
			return fmt.Errorf("loop_period must be positive, got %s", d)
		}
	}
	if c.ObservationBufferCapacity != nil && *c.ObservationBufferCapacity < 1 {
		return fmt.Errorf("observation_buffer_capacity must be at least 1, got %d", *c.ObservationBufferCapacity)
	}
	if c.PCAPUDPPort != nil && (*c.PCAPUDPPort < 1 || *c.PCAPUDPPort > 65535) {
		return fmt.Errorf("pcap_udp_port out of range: %d", *c.PCAPUDPPort)
	}
	if c.SampleEveryNCycles != nil && *c.SampleEveryNCycles < 1 {
		return fmt.Errorf("sample_every_n_cycles must be at least 1, got %d", *c.SampleEveryNCycles)
	}
	return nil
}

func triple(v []float64, def [3]float64) [3]float64 {
	if len(v) != 3 {
		return def
	}
	return [3]float64{v[0], v[1], v[2]}
}

// GetSingleTagStdDevs returns the base std devs for single-landmark estimates.
func (c *TuningConfig) GetSingleTagStdDevs() [3]float64 {
	return triple(c.SingleTagStdDevs, [3]float64{4, 4, 8})
}

// GetMultiTagStdDevs returns the base std devs for multi-landmark estimates.
func (c *TuningConfig) GetMultiTagStdDevs() [3]float64 {
	return triple(c.MultiTagStdDevs, [3]float64{0.5, 0.5, 1})
}

// GetMaxSingleTagDistance returns the max_single_tag_distance value or the default.
func (c *TuningConfig) GetMaxSingleTagDistance() float64 {
	if c.MaxSingleTagDistance == nil {
		return 4.0
	}
	return *c.MaxSingleTagDistance
}

// GetMaxSingleTagAmbiguity returns the max_single_tag_ambiguity value or the default.
func (c *TuningConfig) GetMaxSingleTagAmbiguity() float64 {
	if c.MaxSingleTagAmbiguity == nil {
		return 0.2
	}
	return *c.MaxSingleTagAmbiguity
}

// GetDistanceScaleDivisor returns the distance_scale_divisor value or the default.
func (c *TuningConfig) GetDistanceScaleDivisor() float64 {
	if c.DistanceScaleDivisor == nil {
		return 30
	}
	return *c.DistanceScaleDivisor
}

// GetTiltThresholdDegrees returns the tilt_threshold_degrees value or the default.
func (c *TuningConfig) GetTiltThresholdDegrees() float64 {
	if c.TiltThresholdDegrees == nil {
		return 5
	}
	return *c.TiltThresholdDegrees
}

// GetRecoveryObservations returns the recovery_observations value or the default.
func (c *TuningConfig) GetRecoveryObservations() int {
	if c.RecoveryObservations == nil {
		return 10
	}
	return *c.RecoveryObservations
}

// GetTrustBoundStdDevs returns the per-axis bounds an observation must fall
// within to count towards recovery.
func (c *TuningConfig) GetTrustBoundStdDevs() [3]float64 {
	return triple(c.TrustBoundStdDevs, [3]float64{2.0, 2.0, 4.0})
}

// GetLostStateStdDevs returns the state uncertainty applied on the first
// observation after a loss.
func (c *TuningConfig) GetLostStateStdDevs() [3]float64 {
	return triple(c.LostStateStdDevs, [3]float64{100, 100, 100})
}

// GetRecoveredStateStdDevs returns the state uncertainty restored on recovery.
func (c *TuningConfig) GetRecoveredStateStdDevs() [3]float64 {
	return triple(c.RecoveredStateStdDevs, [3]float64{0.1, 0.1, 0.1})
}

// GetLoopPeriod parses and returns the LoopPeriod as a time.Duration.
func (c *TuningConfig) GetLoopPeriod() time.Duration {
	if c.LoopPeriod == nil || *c.LoopPeriod == "" {
		return 5 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.LoopPeriod)
	if err != nil || d <= 0 {
		return 5 * time.Millisecond
	}
	return d
}

// GetObservationBufferCapacity returns the observation_buffer_capacity value or the default.
func (c *TuningConfig) GetObservationBufferCapacity() int {
	if c.ObservationBufferCapacity == nil {
		return 64
	}
	return *c.ObservationBufferCapacity
}

// GetSerialBaudRate returns the serial_baud_rate value or the default.
func (c *TuningConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 115200
	}
	return *c.SerialBaudRate
}

// GetSerialParity returns the serial_parity value or the default.
func (c *TuningConfig) GetSerialParity() string {
	if c.SerialParity == nil {
		return "N"
	}
	return *c.SerialParity
}

// GetPCAPUDPPort returns the pcap_udp_port value or the default.
func (c *TuningConfig) GetPCAPUDPPort() int {
	if c.PCAPUDPPort == nil {
		return 5800
	}
	return *c.PCAPUDPPort
}

// GetOdometryProcessNoise returns the per-step odometry process noise std devs.
func (c *TuningConfig) GetOdometryProcessNoise() [3]float64 {
	return triple(c.OdometryProcessNoise, [3]float64{0.02, 0.02, 0.01})
}

// GetInitialStateStdDevs returns the reference estimator's starting state
// uncertainty.
func (c *TuningConfig) GetInitialStateStdDevs() [3]float64 {
	return triple(c.InitialStateStdDevs, [3]float64{0.1, 0.1, 0.1})
}

// GetSampleEveryNCycles returns the sample_every_n_cycles value or the default.
func (c *TuningConfig) GetSampleEveryNCycles() int {
	if c.SampleEveryNCycles == nil {
		return 20
	}
	return *c.SampleEveryNCycles
}
