// Package config loads and validates configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Config holds every setting of the recording core and the CLI.
type Config struct {
	// Identity.
	ServiceName string
	Environment string

	// Remote sink. An empty endpoint disables it.
	Endpoint string
	Token    string

	// Batching.
	BatchSize     int
	BatchBytes    int
	Linger        time.Duration
	PendingLinger time.Duration

	// Recording.
	MinLevel   model.Level
	SampleRate float64
	Console    bool

	// Delivery.
	FallbackPath    string
	ShutdownTimeout time.Duration
	MetricsInterval time.Duration

	// Optional stores.
	DatabaseURL string
	SQLitePath  string

	// Operational settings.
	LogLevel     string
	OTELEndpoint string // self-observability; empty disables it
}

// Load reads configuration from environment variables with defaults. Every
// malformed value is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = appendErr(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = appendErr(errs, err)
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = appendErr(errs, err)
		return v
	}
	ratio := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = appendErr(errs, err)
		return v
	}

	cfg := Config{
		ServiceName:     str("KIROKU_SERVICE_NAME", "unknown_service"),
		Environment:     str("KIROKU_ENVIRONMENT", ""),
		Endpoint:        str("KIROKU_ENDPOINT", ""),
		Token:           str("KIROKU_TOKEN", ""),
		BatchSize:       num("KIROKU_BATCH_SIZE", 512),
		BatchBytes:      num("KIROKU_BATCH_BYTES", 1<<20),
		Linger:          dur("KIROKU_LINGER", 500*time.Millisecond),
		PendingLinger:   dur("KIROKU_PENDING_LINGER", time.Second),
		SampleRate:      ratio("KIROKU_SAMPLE_RATE", 1.0),
		Console:         flag("KIROKU_CONSOLE", true),
		FallbackPath:    str("KIROKU_FALLBACK_PATH", ".kiroku/fallback.krk"),
		ShutdownTimeout: dur("KIROKU_SHUTDOWN_TIMEOUT", 5*time.Second),
		MetricsInterval: dur("KIROKU_METRICS_INTERVAL", 60*time.Second),
		DatabaseURL:     str("KIROKU_DATABASE_URL", ""),
		SQLitePath:      str("KIROKU_SQLITE_PATH", ""),
		LogLevel:        str("KIROKU_LOG_LEVEL", "info"),
		OTELEndpoint:    str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	level, err := model.ParseLevel(str("KIROKU_MIN_LEVEL", "trace"))
	if err != nil {
		errs = append(errs, fmt.Errorf("KIROKU_MIN_LEVEL: %w", err))
	}
	cfg.MinLevel = level

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and required combinations.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServiceName) == "" {
		errs = append(errs, errors.New("KIROKU_SERVICE_NAME must not be empty"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("KIROKU_BATCH_SIZE must be positive"))
	}
	if c.BatchBytes <= 0 {
		errs = append(errs, errors.New("KIROKU_BATCH_BYTES must be positive"))
	}
	if c.Linger <= 0 {
		errs = append(errs, errors.New("KIROKU_LINGER must be positive"))
	}
	if c.PendingLinger <= 0 {
		errs = append(errs, errors.New("KIROKU_PENDING_LINGER must be positive"))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("KIROKU_SAMPLE_RATE=%v must be within [0, 1]", c.SampleRate))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("KIROKU_SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.MetricsInterval <= 0 {
		errs = append(errs, errors.New("KIROKU_METRICS_INTERVAL must be positive"))
	}
	if c.Token != "" && c.Endpoint == "" {
		errs = append(errs, errors.New("KIROKU_TOKEN is set but KIROKU_ENDPOINT is empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level. Unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
