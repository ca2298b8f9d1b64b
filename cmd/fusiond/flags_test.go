package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/posefusion/internal/config"
)

func TestFlagDefaults(t *testing.T) {
	if *port != "/dev/ttyACM0" {
		t.Errorf("expected port default /dev/ttyACM0, got %q", *port)
	}
	if *dbPath != "posefusion.db" {
		t.Errorf("expected db default posefusion.db, got %q", *dbPath)
	}
	if *listen != ":8080" {
		t.Errorf("expected listen default :8080, got %q", *listen)
	}
	// no default layout; main refuses to start without one
	if *layoutPath != "" {
		t.Errorf("expected empty layout default, got %q", *layoutPath)
	}
	if *streamRate != 20 {
		t.Errorf("expected stream-every default 20, got %d", *streamRate)
	}
	if *initCmd != "" {
		t.Errorf("expected empty init-command default, got %q", *initCmd)
	}
}

func TestLoadTuning_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := loadTuning("")
	if err != nil {
		t.Fatal(err)
	}
	want := config.DefaultTuningConfig()
	if cfg.GetLoopPeriod() != want.GetLoopPeriod() {
		t.Errorf("loop period = %v, want %v", cfg.GetLoopPeriod(), want.GetLoopPeriod())
	}
	if cfg.GetRecoveryObservations() != 10 {
		t.Errorf("recovery observations = %d, want 10", cfg.GetRecoveryObservations())
	}
}

func TestLoadTuning_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("loop_period: 20ms\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadTuning(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.GetLoopPeriod(); got != 20*time.Millisecond {
		t.Errorf("loop period = %v, want 20ms", got)
	}
}

func TestLoadTuning_MissingFile(t *testing.T) {
	if _, err := loadTuning(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestRun_StartupErrorsAreReturned(t *testing.T) {
	defer func(layout, p string) { *layoutPath, *port = layout, p }(*layoutPath, *port)

	*layoutPath = ""
	if err := run(); err == nil || !strings.Contains(err.Error(), "layout is required") {
		t.Errorf("expected layout error, got %v", err)
	}

	*layoutPath = filepath.Join(t.TempDir(), "missing.json")
	if err := run(); err == nil || !strings.Contains(err.Error(), "failed to load field layout") {
		t.Errorf("expected load error, got %v", err)
	}

	*layoutPath = "../fusionctl/testdata/field.json"
	*port = ""
	if err := run(); err == nil || !strings.Contains(err.Error(), "serial port is required") {
		t.Errorf("expected port error, got %v", err)
	}
}

type fakeRunner struct{ err error }

func (f fakeRunner) Run(context.Context) error { return f.err }

func TestRunSerial_StopsDaemon(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "port reached EOF", err: nil},
		{name: "read failure", err: errors.New("device unplugged")},
		{name: "cancelled", err: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, stop := context.WithCancel(context.Background())
			runSerial(ctx, fakeRunner{err: tt.err}, stop)
			if ctx.Err() == nil {
				t.Error("expected the daemon context to be cancelled")
			}
		})
	}
}
