// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrDataDirRequired is returned when DATA_DIR is not set.
	ErrDataDirRequired = errors.New("config: DATA_DIR is required")
	// ErrInvalidRetryFactor is returned when RETRY_FACTOR is below 1.
	ErrInvalidRetryFactor = errors.New("config: RETRY_FACTOR must be >= 1")
	// ErrInvalidJitter is returned when RETRY_JITTER is outside [0, 1].
	ErrInvalidJitter = errors.New("config: RETRY_JITTER must be in [0, 1]")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Storage settings
	DataDir string `env:"DATA_DIR, default=/var/lib/clipforge" json:"data_dir"`
	TempDir string `env:"TEMP_DIR, default=/tmp/clipforge" json:"temp_dir"`

	// Upload settings
	MaxUploadBytes  int64 `env:"MAX_UPLOAD_BYTES, default=524288000" json:"max_upload_bytes"`
	UploadTTLHours  int   `env:"UPLOAD_TTL_HOURS, default=24" json:"upload_ttl_hours"`
	UploadChunkSize int64 `env:"UPLOAD_CHUNK_SIZE, default=1048576" json:"upload_chunk_size"`

	// Scheduler settings
	WorkerConcurrency       int     `env:"WORKER_CONCURRENCY, default=0" json:"worker_concurrency"` // 0 means NumCPU
	PerPrincipalConcurrency int     `env:"PER_PRINCIPAL_CONCURRENCY, default=2" json:"per_principal_concurrency"`
	MaxAttempts             int     `env:"MAX_ATTEMPTS, default=3" json:"max_attempts"`
	RetryBaseSeconds        int     `env:"RETRY_BASE_SECONDS, default=30" json:"retry_base_seconds"`
	RetryFactor             float64 `env:"RETRY_FACTOR, default=2" json:"retry_factor"`
	RetryJitter             float64 `env:"RETRY_JITTER, default=0.25" json:"retry_jitter"`
	JobDeadlineSeconds      int     `env:"JOB_DEADLINE_SECONDS, default=1800" json:"job_deadline_seconds"`
	LeaseTTLSeconds         int     `env:"LEASE_TTL_SECONDS, default=60" json:"lease_ttl_seconds"`

	// Event bus settings
	EventRingSize int `env:"EVENT_RING_SIZE, default=128" json:"event_ring_size"`

	// Pipeline settings
	DefaultClipCount int    `env:"DEFAULT_CLIP_COUNT, default=3" json:"default_clip_count"`
	FFmpegPath       string `env:"FFMPEG_PATH" json:"ffmpeg_path,omitempty"`
	FFprobePath      string `env:"FFPROBE_PATH" json:"ffprobe_path,omitempty"`

	// ASR settings
	ASRBaseURL string `env:"ASR_BASE_URL" json:"asr_base_url,omitempty"`
	ASRAPIKey  string `env:"ASR_API_KEY" json:"-"` // Masked in JSON
	ASRModel   string `env:"ASR_MODEL" json:"asr_model,omitempty"`

	// Optional Postgres settings; empty means the in-memory store.
	DatabaseURL string `env:"DATABASE_URL" json:"-"` // Masked in JSON

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// PostgresEnabled returns true if a database URL is provided.
func (c *Config) PostgresEnabled() bool {
	return c.DatabaseURL != ""
}

// Workers returns the effective worker slot count.
func (c *Config) Workers() int {
	if c.WorkerConcurrency > 0 {
		return c.WorkerConcurrency
	}
	return runtime.NumCPU()
}

// UploadTTL returns the upload session lifetime.
func (c *Config) UploadTTL() time.Duration {
	return time.Duration(c.UploadTTLHours) * time.Hour
}

// JobDeadline returns the global per-job processing deadline.
func (c *Config) JobDeadline() time.Duration {
	return time.Duration(c.JobDeadlineSeconds) * time.Second
}

// LeaseTTL returns the worker lease lifetime.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// RetryBase returns the first retry delay.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrDataDirRequired
	}
	if c.RetryFactor < 1 {
		return ErrInvalidRetryFactor
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return ErrInvalidJitter
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, DataDir: %s, TempDir: %s, MaxUploadBytes: %d, Workers: %d, MaxAttempts: %d, S3Bucket: %s, Postgres: %t, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.DataDir,
		c.TempDir,
		c.MaxUploadBytes,
		c.Workers(),
		c.MaxAttempts,
		c.S3Bucket,
		c.PostgresEnabled(),
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
