package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/monitoring"
)

var (
	cfgFile string
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "fusionctl",
	Short: "Offline tools for the pose fusion engine",
	Long: `fusionctl replays recorded vision and attitude streams through the
fusion pipeline and manages the recording database.

Commands:
  replay   Run a JSONL or pcap recording through the pipeline
  migrate  Apply or inspect recording database migrations`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if quiet {
			monitoring.SetLogger(nil)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Tuning config file (.json, .yaml); built-in defaults when empty")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress diagnostic logging")
}

// loadTuning returns the configured tuning or the built-in defaults.
func loadTuning() (*config.TuningConfig, error) {
	if cfgFile == "" {
		return config.DefaultTuningConfig(), nil
	}
	cfg, err := config.LoadTuningConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
