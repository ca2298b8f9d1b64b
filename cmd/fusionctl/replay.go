package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/posefusion/internal/confidence"
	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/db"
	"github.com/banshee-data/posefusion/internal/estimator"
	"github.com/banshee-data/posefusion/internal/fieldlayout"
	"github.com/banshee-data/posefusion/internal/fusion"
	"github.com/banshee-data/posefusion/internal/plotting"
	"github.com/banshee-data/posefusion/internal/source"
	"github.com/banshee-data/posefusion/internal/vision"
)

type replayOptions struct {
	format   string
	layout   string
	udpPort  int
	dbPath   string
	plotDir  string
	jsonOut  bool
	startPos []float64
	seed     bool
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay <recording>",
	Short: "Run a recording through the fusion pipeline",
	Long: `Replay a recorded message stream through the fusion pipeline and the
reference pose estimator, then print a summary.

Cycles are paced by message timestamps, so a replay is deterministic and
runs as fast as the file can be read.

Formats:
  jsonl  one JSON message per line (default for any extension but .pcap)
  pcap   one JSON message per UDP datagram

Examples:
  fusionctl replay --layout field.json match.jsonl
  fusionctl replay --layout field.json --udp-port 5800 --plot-dir plots match.pcap
  fusionctl replay --layout field.json --db replays.db --json match.jsonl
  fusionctl replay --layout field.json --seed-from-vision match.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadTuning()
		if err != nil {
			return err
		}
		summary, err := runReplay(cmd.Context(), args[0], cfg, replayOpts)
		if err != nil {
			return err
		}
		if replayOpts.jsonOut {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		return summary.print(cmd.OutOrStdout())
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.format, "format", "", "Recording format: jsonl or pcap (default: from extension)")
	f.StringVar(&replayOpts.layout, "layout", "", "Field layout JSON with landmark positions (required)")
	f.IntVar(&replayOpts.udpPort, "udp-port", -1, "UDP port carrying messages in a pcap; 0 reads all (default: from config)")
	f.StringVar(&replayOpts.dbPath, "db", "", "Record the replay as a session in this database")
	f.StringVar(&replayOpts.plotDir, "plot-dir", "", "Write PNG plots of the confidence trace to this directory")
	f.BoolVar(&replayOpts.jsonOut, "json", false, "Print the summary as JSON")
	f.Float64SliceVar(&replayOpts.startPos, "start", []float64{0, 0, 0}, "Initial pose x,y,heading")
	f.BoolVar(&replayOpts.seed, "seed-from-vision", false, "Move the estimate onto the first trusted vision pose instead of keeping --start")
	_ = replayCmd.MarkFlagRequired("layout")
	rootCmd.AddCommand(replayCmd)
}

// replaySummary is the outcome of one replay.
type replaySummary struct {
	Input            string                    `json:"input"`
	Format           string                    `json:"format"`
	SessionID        string                    `json:"session_id,omitempty"`
	Replay           source.ReplayStats        `json:"replay"`
	Buffer           source.BufferStats        `json:"buffer"`
	Loop             fusion.Stats              `json:"loop"`
	FinalState       confidence.State          `json:"final_state"`
	GoodObservations uint32                    `json:"good_observations"`
	Pose             vision.Pose2D             `json:"pose"`
	StateStdDevs     vision.StdDevs            `json:"state_std_devs"`
	Innovations      estimator.InnovationStats `json:"innovations"`
	Recorder         *db.RecorderStats         `json:"recorder,omitempty"`
	Plots            []string                  `json:"plots,omitempty"`
}

func detectFormat(path, format string) (string, error) {
	switch strings.ToLower(format) {
	case "jsonl", "pcap":
		return strings.ToLower(format), nil
	case "":
		if strings.EqualFold(filepath.Ext(path), ".pcap") {
			return "pcap", nil
		}
		return "jsonl", nil
	default:
		return "", fmt.Errorf("unknown format %q (want jsonl or pcap)", format)
	}
}

func runReplay(ctx context.Context, path string, cfg *config.TuningConfig, opts replayOptions) (*replaySummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	format, err := detectFormat(path, opts.format)
	if err != nil {
		return nil, err
	}
	var start vision.Pose2D
	if len(opts.startPos) > 0 {
		if len(opts.startPos) != 3 {
			return nil, fmt.Errorf("--start wants x,y,heading, got %d values", len(opts.startPos))
		}
		start = vision.Pose2D{X: opts.startPos[0], Y: opts.startPos[1], Heading: opts.startPos[2]}
	}
	layout, err := fieldlayout.Load(opts.layout)
	if err != nil {
		return nil, err
	}

	buf := source.NewBuffer(cfg.GetObservationBufferCapacity())
	est := estimator.New(start, estimator.ConfigFromTuning(cfg))
	var odometryErr error
	buf.OnOdometry(func(ts float64, delta vision.Pose2D) {
		if err := est.AddOdometry(delta); err != nil && odometryErr == nil {
			odometryErr = fmt.Errorf("odometry at t=%.3f: %w", ts, err)
		}
	})

	var sink vision.PoseEstimator = est
	if opts.seed {
		sink = &seedingSink{est: est}
	}

	replayer := fusion.NewReplayer(fusion.LoopConfig{
		Pipeline: fusion.NewPipeline(
			vision.NewEstimator(vision.EstimatorConfigFromTuning(cfg)),
			confidence.NewTracker(confidence.TrackerConfigFromTuning(cfg)),
		),
		Lookup: layout,
		Sink:   sink,
		Period: cfg.GetLoopPeriod(),
	}, buf)
	loop := replayer.Loop()

	series := plotting.NewSeries()
	loop.OnCycle(series.Record)

	summary := &replaySummary{Input: path, Format: format}

	var rec *db.Recorder
	if opts.dbPath != "" {
		database, err := db.NewDB(opts.dbPath)
		if err != nil {
			return nil, err
		}
		defer database.Close()
		id, err := database.StartSession("replay:"+filepath.Base(path), cfg)
		if err != nil {
			return nil, err
		}
		summary.SessionID = id
		rec = db.NewRecorder(database, id, cfg.GetSampleEveryNCycles())
		defer rec.Close()
		loop.OnCycle(func(st fusion.Status) {
			// failures are counted in the recorder stats
			_ = rec.Record(st)
		})
	}

	switch format {
	case "pcap":
		port := opts.udpPort
		if port < 0 {
			port = cfg.GetPCAPUDPPort()
		}
		summary.Replay, err = source.ReadPCAPFile(ctx, path, port, replayer.Handle)
	default:
		summary.Replay, err = source.ReadJSONLFile(ctx, path, replayer.Handle)
	}
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}
	if odometryErr != nil {
		return nil, odometryErr
	}

	summary.Loop = replayer.Flush()
	st := loop.Status()
	summary.FinalState = st.State
	summary.GoodObservations = st.Confidence.GoodObservationsSincePoseLoss
	summary.Buffer = buf.Stats()
	summary.Pose = est.Pose()
	summary.StateStdDevs = est.StateStdDevs()
	summary.Innovations = est.InnovationStats()

	if rec != nil {
		if err := rec.Close(); err != nil {
			return nil, fmt.Errorf("close recording: %w", err)
		}
		rs := rec.Stats()
		summary.Recorder = &rs
	}

	if opts.plotDir != "" && series.Len() > 0 {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		summary.Plots, err = series.SavePNG(opts.plotDir, base)
		if err != nil {
			return nil, fmt.Errorf("plot: %w", err)
		}
	}
	return summary, nil
}

// seedingSink resets the estimator onto the first pose it is asked to fuse.
// Only trusted observations reach the sink.
type seedingSink struct {
	est    *estimator.Estimator
	seeded bool
}

func (s *seedingSink) Fuse(pose vision.Pose2D, timestampSeconds float64, stdDevs vision.StdDevs) error {
	if !s.seeded {
		s.est.ResetPose(pose)
		s.seeded = true
	}
	return s.est.Fuse(pose, timestampSeconds, stdDevs)
}

func (s *seedingSink) SetStateUncertainty(stdDevs vision.StdDevs) error {
	return s.est.SetStateUncertainty(stdDevs)
}

func (s *replaySummary) print(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "input\t%s (%s)\n", s.Input, s.Format)
	if s.SessionID != "" {
		fmt.Fprintf(w, "session\t%s\n", s.SessionID)
	}
	fmt.Fprintf(w, "records\t%d read, %d messages, %d skipped\n", s.Replay.Records, s.Replay.Messages, s.Replay.Skipped)
	fmt.Fprintf(w, "buffer\t%d observations, %d dropped, %d attitude, %d odometry\n",
		s.Buffer.Observations, s.Buffer.Dropped, s.Buffer.Attitudes, s.Buffer.Odometry)
	fmt.Fprintf(w, "cycles\t%d (%d errors)\n", s.Loop.Cycles, s.Loop.Errors)
	fmt.Fprintf(w, "confidence\t%d losses, %d recoveries, final %s", s.Loop.Losses, s.Loop.Recoveries, s.FinalState)
	if s.FinalState == confidence.StateLost {
		fmt.Fprintf(w, " (%d good observations)", s.GoodObservations)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "pose\t%s\n", s.Pose)
	fmt.Fprintf(w, "state std devs\t%s\n", s.StateStdDevs)
	fmt.Fprintf(w, "fusions\t%d fused, %d ignored\n", s.Innovations.Fused, s.Innovations.Ignored)
	fmt.Fprintf(w, "innovation x\tmean %.4f  std %.4f\n", s.Innovations.X.Mean, s.Innovations.X.StdDev)
	fmt.Fprintf(w, "innovation y\tmean %.4f  std %.4f\n", s.Innovations.Y.Mean, s.Innovations.Y.StdDev)
	fmt.Fprintf(w, "innovation heading\tmean %.4f  std %.4f\n", s.Innovations.Heading.Mean, s.Innovations.Heading.StdDev)
	if s.Recorder != nil {
		fmt.Fprintf(w, "recorded\t%d written, %d failed\n", s.Recorder.Written, s.Recorder.Failed)
	}
	for _, p := range s.Plots {
		fmt.Fprintf(w, "plot\t%s\n", p)
	}
	return w.Flush()
}
