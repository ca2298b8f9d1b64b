package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/posefusion/internal/confidence"
	"github.com/banshee-data/posefusion/internal/config"
	"github.com/banshee-data/posefusion/internal/db"
	"github.com/banshee-data/posefusion/internal/estimator"
	"github.com/banshee-data/posefusion/internal/fieldlayout"
	"github.com/banshee-data/posefusion/internal/fusion"
	"github.com/banshee-data/posefusion/internal/monitor"
	"github.com/banshee-data/posefusion/internal/source"
	"github.com/banshee-data/posefusion/internal/version"
	"github.com/banshee-data/posefusion/internal/vision"
)

var (
	configPath = flag.String("config", "", "Tuning config file (.json, .yaml); built-in defaults when empty")
	port       = flag.String("port", "/dev/ttyACM0", "Serial port of the camera coprocessor")
	dbPath     = flag.String("db", "posefusion.db", "Recording database; empty disables recording")
	listen     = flag.String("listen", ":8080", "Monitor listen address; empty disables the monitor")
	layoutPath = flag.String("layout", "", "Field layout JSON with landmark positions")
	streamRate = flag.Int("stream-every", 20, "Stream every Nth cycle to websocket clients (state changes are always sent)")
	initCmd    = flag.String("init-command", "", "Command line sent to the coprocessor after the port opens")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	cfg, err := config.LoadTuningConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// serialRunner is the part of source.SerialReader the daemon drives.
type serialRunner interface {
	Run(ctx context.Context) error
}

// runSerial feeds the observation buffer until the port goes away, then
// shuts the daemon down.
func runSerial(ctx context.Context, reader serialRunner, stop context.CancelFunc) {
	err := reader.Run(ctx)
	switch {
	case err == nil:
		log.Print("serial port closed, shutting down")
	case !errors.Is(err, context.Canceled):
		log.Printf("serial reader stopped: %v", err)
	}
	stop()
	log.Print("serial routine terminated")
}

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("fusiond %s\n", version.Get())
		return
	}
	log.Printf("fusiond %s", version.Get())

	// run returns instead of exiting so deferred closes always happen
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if *layoutPath == "" {
		return errors.New("field layout is required")
	}
	if *port == "" {
		return errors.New("serial port is required")
	}

	cfg, err := loadTuning(*configPath)
	if err != nil {
		return err
	}
	layout, err := fieldlayout.Load(*layoutPath)
	if err != nil {
		return fmt.Errorf("failed to load field layout: %w", err)
	}
	log.Printf("loaded %d landmarks %v from %s", layout.Len(), layout.IDs(), *layoutPath)

	buf := source.NewBuffer(cfg.GetObservationBufferCapacity())
	est := estimator.New(vision.Pose2D{}, estimator.ConfigFromTuning(cfg))
	buf.OnOdometry(func(ts float64, delta vision.Pose2D) {
		if err := est.AddOdometry(delta); err != nil {
			log.Printf("odometry at t=%.3f rejected: %v", ts, err)
		}
	})

	reader, err := source.OpenSerial(*port, source.PortOptionsFromTuning(cfg), buf)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	defer reader.Close()
	if *initCmd != "" {
		if err := reader.SendCommand(*initCmd); err != nil {
			return err
		}
		log.Printf("sent %q to %s", *initCmd, *port)
	}

	pipeline := fusion.NewPipeline(
		vision.NewEstimator(vision.EstimatorConfigFromTuning(cfg)),
		confidence.NewTracker(confidence.TrackerConfigFromTuning(cfg)),
	)
	loop := fusion.NewLoop(fusion.LoopConfig{
		Pipeline: pipeline,
		Source:   buf,
		Lookup:   layout,
		Attitude: buf,
		Sink:     est,
		Period:   cfg.GetLoopPeriod(),
	})

	var database *db.DB
	var sessionID string
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		sessionID, err = database.StartSession("serial:"+*port, cfg)
		if err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		rec := db.NewRecorder(database, sessionID, cfg.GetSampleEveryNCycles())
		// closed before the database by defer ordering
		defer func() {
			if err := rec.Close(); err != nil {
				log.Printf("failed to close recorder: %v", err)
			}
			log.Printf("recorder stats: %+v", rec.Stats())
		}()
		loop.OnCycle(rec.Observe)
		log.Printf("recording session %s to %s", sessionID, *dbPath)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// serial reader feeding the observation buffer
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSerial(ctx, reader, stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("fusion loop stopped: %v", err)
		}
		log.Printf("fusion loop terminated: %+v", loop.Stats())
	}()

	if *listen != "" {
		server := monitor.NewServer(monitor.Config{
			Address:   *listen,
			Loop:      loop,
			Estimator: est,
			Buffer:    buf,
			DB:        database,
			SessionID: sessionID,
			Hub:       monitor.NewHub(*streamRate),
		})
		loop.OnCycle(server.Hub().Publish)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				log.Printf("monitor server stopped: %v", err)
				stop()
			}
		}()
	}

	wg.Wait()
	log.Printf("graceful shutdown complete")
	return nil
}
