package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only UPLOAD_BASE_URL is required.
type Config struct {
	// Control API server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Queue store (embedded Badger database directory)
	StorePath string

	// Backend uploads
	UploadBaseURL string
	UploadTimeout time.Duration

	// Retry policy
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Upload throttle: maximum attempts per second per item type (0 = off)
	UploadRate int

	// Connectivity
	SettleDelay   time.Duration
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

func Load() (*Config, error) {
	uploadURL := os.Getenv("UPLOAD_BASE_URL")
	if uploadURL == "" {
		return nil, fmt.Errorf("UPLOAD_BASE_URL is required")
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8787"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		StorePath: getEnv("STORE_PATH", "data/queue"),

		UploadBaseURL: uploadURL,
		UploadTimeout: getDuration("UPLOAD_TIMEOUT", 60*time.Second),

		MaxRetries:  getInt("MAX_RETRIES", 3),
		BackoffBase: getDuration("BACKOFF_BASE", 30*time.Second),
		BackoffMax:  getDuration("BACKOFF_MAX", 10*time.Minute),

		UploadRate: getInt("UPLOAD_RATE_PER_TYPE", 5),

		SettleDelay:   getDuration("SETTLE_DELAY", 2*time.Second),
		ProbeURL:      getEnv("PROBE_URL", uploadURL+"/health"),
		ProbeInterval: getDuration("PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:  getDuration("PROBE_TIMEOUT", 5*time.Second),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
