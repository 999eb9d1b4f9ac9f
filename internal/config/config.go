package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Tuning constants for the monitor pipeline.
const (
	// ExpectedBroadcastInterval is how often a reading is expected to land
	// per device once the scanner settles.
	ExpectedBroadcastInterval = 30 * time.Second

	// StalenessTimeout marks a device offline after three missed intervals.
	StalenessTimeout = 3 * ExpectedBroadcastInterval

	// SweepInterval is how often the offline sweep runs.
	SweepInterval = 15 * time.Second

	// Trend classification: delta over the last TrendWindow samples must
	// reach TrendHysteresis (in SG) to count as rising/falling.
	TrendWindow     = 5
	TrendHysteresis = 0.002

	// Retention windows for the short-term and long-term charts.
	ShortRetention = 24 * time.Hour
	LongRetention  = 14 * 24 * time.Hour

	// Upload delivery retry backoff, exponential with a hard cap.
	BackoffBase = 15 * time.Second
	BackoffCap  = 15 * time.Minute

	// DeliveryTimeout bounds one HTTP delivery attempt.
	DeliveryTimeout = 10 * time.Second

	// DeliveryInterval is the delivery loop's periodic wake, in addition
	// to wake-on-enqueue.
	DeliveryInterval = 5 * time.Second

	// ShutdownGrace bounds the delivery loop flush on shutdown.
	ShutdownGrace = 15 * time.Second
)

// Config lists the tunable parameters for the reader process.
type Config struct {
	CalibrationPath string
	QueuePath       string
	UploadURL       string
	UploadKey       string
	UploadInterval  time.Duration
	APIListenAddr   string
	LogLevel        string
}

const (
	defaultCalibrationPath = "data/tilt_calibration.json"
	defaultQueuePath       = "data/upload_queue.db"
	defaultUploadURL       = "https://www.brewstat.us/tilt/%s/log"
	defaultUploadInterval  = 15 * time.Minute
	defaultLogLevel        = "info"
)

// Load derives configuration from a .env file (if present) and TILT_*
// environment variables, falling back to defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		CalibrationPath: defaultCalibrationPath,
		QueuePath:       defaultQueuePath,
		UploadURL:       defaultUploadURL,
		UploadInterval:  defaultUploadInterval,
		LogLevel:        defaultLogLevel,
	}

	if v := os.Getenv("TILT_CALIBRATION_PATH"); v != "" {
		cfg.CalibrationPath = v
	}
	if v := os.Getenv("TILT_QUEUE_PATH"); v != "" {
		cfg.QueuePath = v
	}
	if v := os.Getenv("TILT_UPLOAD_URL"); v != "" {
		cfg.UploadURL = v
	}
	if v := os.Getenv("TILT_UPLOAD_KEY"); v != "" {
		cfg.UploadKey = v
	}
	if v := os.Getenv("TILT_UPLOAD_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TILT_UPLOAD_INTERVAL: %w", err)
		}
		cfg.UploadInterval = d
	}
	if v := os.Getenv("TILT_API_LISTEN"); v != "" {
		cfg.APIListenAddr = v
	}
	if v := os.Getenv("TILT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
