package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kdesch5000/tilt-hydrometer-reader/internal/calibration"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/config"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/httpapi"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/registry"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/scanner"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/tilt"
	"github.com/kdesch5000/tilt-hydrometer-reader/internal/uploader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	flagDemo bool

	flagTempOffset    float64
	flagGravityOffset float64

	flagRefTemp    float64
	flagRawTemp    float64
	flagRefGravity float64
	flagRawGravity float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tilt-reader",
		Short: "Tilt hydrometer reader - decode, calibrate, track and upload readings",
		Long: `tilt-reader listens for Tilt hydrometer Bluetooth broadcasts, decodes
temperature and specific gravity, applies per-device calibration, tracks
per-color history and trend, and forwards readings to a remote logging
endpoint with offline buffering and retry.

Requires sudo or CAP_NET_ADMIN capability for real Bluetooth scanning.
Use --demo for synthetic devices without Bluetooth hardware.`,
		RunE: runMonitor,
	}
	rootCmd.Flags().BoolVar(&flagDemo, "demo", false, "Run with synthetic devices (no Bluetooth required)")

	calibrateCmd := &cobra.Command{
		Use:   "calibrate [color]",
		Short: "Show or set per-color calibration offsets",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCalibrate,
	}
	calibrateCmd.Flags().Float64Var(&flagTempOffset, "temp-offset", 0, "Additive temperature correction in F")
	calibrateCmd.Flags().Float64Var(&flagGravityOffset, "gravity-offset", 0, "Additive gravity correction in SG")
	calibrateCmd.Flags().Float64Var(&flagRefTemp, "reference-temp", 0, "Known-good temperature in F (use with --raw-temp)")
	calibrateCmd.Flags().Float64Var(&flagRawTemp, "raw-temp", 0, "Uncalibrated device temperature in F")
	calibrateCmd.Flags().Float64Var(&flagRefGravity, "reference-gravity", 0, "Known-good gravity in SG (use with --raw-gravity)")
	calibrateCmd.Flags().Float64Var(&flagRawGravity, "raw-gravity", 0, "Uncalibrated device gravity in SG")
	rootCmd.AddCommand(calibrateCmd)

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or purge the pending upload queue",
	}
	queueCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List pending uploads", RunE: runQueueList},
		&cobra.Command{Use: "purge", Short: "Drop all pending uploads", RunE: runQueuePurge},
	)
	rootCmd.AddCommand(queueCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	cal := calibration.NewStore(cfg.CalibrationPath, log)
	reg := registry.New(cal, registry.Options{
		ShortRetention:  config.ShortRetention,
		LongRetention:   config.LongRetention,
		TrendWindow:     config.TrendWindow,
		TrendHysteresis: config.TrendHysteresis,
		Staleness:       config.StalenessTimeout,
	}, log)

	queue, err := uploader.Open(cfg.QueuePath, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	uploadEnabled := cfg.UploadKey != ""
	if !uploadEnabled {
		log.Infow("TILT_UPLOAD_KEY not set, remote logging disabled")
	}
	deliverer := uploader.NewDeliverer(queue, cfg.UploadURL, cfg.UploadKey, log)

	var src scanner.Source
	if flagDemo {
		log.Infow("demo mode, emitting synthetic devices")
		src = scanner.NewMockScanner(2 * time.Second)
	} else {
		src = scanner.NewBLEScanner()
	}
	if err := src.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n\n", err)
		fmt.Fprintln(os.Stderr, "Bluetooth scanning requires elevated permissions.")
		fmt.Fprintln(os.Stderr, "Try one of:")
		fmt.Fprintln(os.Stderr, "  sudo ./tilt-reader")
		fmt.Fprintln(os.Stderr, "  sudo setcap cap_net_admin+ep ./tilt-reader")
		fmt.Fprintln(os.Stderr, "  ./tilt-reader --demo    (demo mode, no hardware needed)")
		return err
	}
	defer src.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP reloads the upload credential and resumes paused delivery.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			fresh, err := config.Load()
			if err != nil {
				log.Warnw("config reload failed", "error", err)
				continue
			}
			deliverer.UpdateCredential(fresh.UploadKey)
		}
	}()

	go reg.RunSweeper(ctx, config.SweepInterval)

	delivererDone := make(chan struct{})
	go func() {
		defer close(delivererDone)
		if uploadEnabled {
			deliverer.Run(ctx)
		}
	}()

	if cfg.APIListenAddr != "" {
		api := httpapi.NewHandler(reg, queue, log)
		srv := &http.Server{Addr: cfg.APIListenAddr, Handler: api.BuildMux()}
		go func() {
			log.Infow("read API listening", "addr", cfg.APIListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("read API stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Infow("monitor started",
		"calibration", cfg.CalibrationPath,
		"queue", cfg.QueuePath,
		"upload", uploadEnabled)

	// Producer path: advertisements in, registry updates and enqueues out.
	lastUpload := make(map[tilt.Color]time.Time)
	for {
		select {
		case <-ctx.Done():
			log.Infow("shutting down, flushing delivery loop")
			<-delivererDone
			return nil

		case adv := <-src.Events():
			reading, err := tilt.Decode(adv.Raw, adv.RSSI, adv.CapturedAt)
			if err != nil {
				// Almost all ambient traffic lands here; keep it quiet.
				log.Debugw("advertisement rejected", "reason", err)
				continue
			}

			state, err := reg.Update(reading)
			if err != nil {
				log.Debugw("reading dropped", "color", reading.Color.String(), "reason", err)
				continue
			}

			if !uploadEnabled {
				continue
			}
			if last, ok := lastUpload[state.Color]; ok && time.Since(last) < cfg.UploadInterval {
				continue
			}
			rec := uploader.Record{
				Color:     state.Color,
				TempF:     state.Reading.TempF,
				Gravity:   state.Reading.Gravity,
				Timestamp: state.LastSeen,
			}
			if err := queue.Enqueue(rec); err != nil {
				log.Errorw("enqueue failed", "color", state.Color.String(), "error", err)
				continue
			}
			lastUpload[state.Color] = time.Now()
		}
	}
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	store := calibration.NewStore(cfg.CalibrationPath, log)

	if len(args) == 0 {
		offsets := store.All()
		if len(offsets) == 0 {
			fmt.Println("no calibration offsets stored")
			return nil
		}
		for _, c := range tilt.Colors() {
			if o, ok := offsets[c.String()]; ok {
				fmt.Printf("%-8s temp %+0.1fF  gravity %+0.4f\n", c.String(), o.TempF, o.Gravity)
			}
		}
		return nil
	}

	color, err := tilt.ParseColor(args[0])
	if err != nil {
		return err
	}
	offset := store.Get(color)
	changed := false

	switch {
	case cmd.Flags().Changed("temp-offset"):
		offset.TempF = flagTempOffset
		changed = true
	case cmd.Flags().Changed("reference-temp"):
		// Offset is whatever correction brings the raw reading to the
		// known-good value.
		if !cmd.Flags().Changed("raw-temp") {
			return fmt.Errorf("--reference-temp requires --raw-temp")
		}
		offset.TempF = flagRefTemp - flagRawTemp
		changed = true
	}

	switch {
	case cmd.Flags().Changed("gravity-offset"):
		offset.Gravity = flagGravityOffset
		changed = true
	case cmd.Flags().Changed("reference-gravity"):
		if !cmd.Flags().Changed("raw-gravity") {
			return fmt.Errorf("--reference-gravity requires --raw-gravity")
		}
		offset.Gravity = flagRefGravity - flagRawGravity
		changed = true
	}

	if !changed {
		fmt.Printf("%-8s temp %+0.1fF  gravity %+0.4f\n", color.String(), offset.TempF, offset.Gravity)
		return nil
	}

	if err := store.Set(color, offset); err != nil {
		return err
	}
	fmt.Printf("[%s] calibrated - temp offset: %+0.1fF, gravity offset: %+0.4f\n",
		color.String(), offset.TempF, offset.Gravity)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	queue, log, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()
	defer log.Sync()

	entries, err := queue.Pending(cmd.Context())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("upload queue is empty")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("#%-5d %-8s %5.1fF %.3f SG  reading %s  attempts %d  next %s\n",
			e.ID, e.Color.String(), e.TempF, e.Gravity,
			e.Timestamp.Format(time.RFC3339), e.AttemptCount,
			e.NextAttemptAt.Format(time.RFC3339))
	}
	return nil
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	queue, log, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()
	defer log.Sync()

	n, err := queue.Purge(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("purged %d pending upload(s)\n", n)
	return nil
}

func openQueue() (*uploader.Queue, *zap.SugaredLogger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	queue, err := uploader.Open(cfg.QueuePath, log)
	if err != nil {
		return nil, nil, err
	}
	return queue, log, nil
}
