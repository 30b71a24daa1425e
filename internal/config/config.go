// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrInvalidDataSource is returned when DEFAULT_DATA_SOURCE is not a known adapter.
	ErrInvalidDataSource = errors.New("config: DEFAULT_DATA_SOURCE must be one of supabase, local, sqlite, memory")
	// ErrSupabaseURLRequired is returned when the default data source is supabase without SUPABASE_DB_URL.
	ErrSupabaseURLRequired = errors.New("config: SUPABASE_DB_URL is required when DEFAULT_DATA_SOURCE=supabase")
	// ErrInvalidExtractWeight is returned when EXTRACT_WEIGHT is outside (0, 1).
	ErrInvalidExtractWeight = errors.New("config: EXTRACT_WEIGHT must be between 0 and 1")
	// ErrInvalidHEICQuality is returned when HEIC_QUALITY is outside 0..100.
	ErrInvalidHEICQuality = errors.New("config: HEIC_QUALITY must be between 0 and 100")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=3001" json:"port"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`

	// Filesystem layout
	UploadDir   string `env:"UPLOAD_DIR, default=uploads" json:"upload_dir"`
	AlbumsDir   string `env:"ALBUMS_DIR, default=albums" json:"albums_dir"`
	MaxFileSize int64  `env:"MAX_FILE_SIZE, default=2147483648" json:"max_file_size"`

	// Persistence adapters
	DefaultDataSource string `env:"DEFAULT_DATA_SOURCE, default=supabase" json:"default_data_source"`
	SupabaseDBURL     string `env:"SUPABASE_DB_URL" json:"-"` // Masked in JSON
	PostgresHost      string `env:"POSTGRES_HOST, default=localhost" json:"postgres_host"`
	PostgresPort      int    `env:"POSTGRES_PORT, default=5432" json:"postgres_port"`
	PostgresUser      string `env:"POSTGRES_USER, default=postgres" json:"postgres_user"`
	PostgresPassword  string `env:"POSTGRES_PASSWORD, default=postgres" json:"-"` // Masked in JSON
	PostgresDB        string `env:"POSTGRES_DB, default=ffmpeg_catcher" json:"postgres_db"`
	PostgresEnabled   bool   `env:"POSTGRES_ENABLED, default=true" json:"postgres_enabled"`
	SQLitePath        string `env:"SQLITE_PATH" json:"sqlite_path,omitempty"`

	// Processing settings
	FFmpegPath         string  `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath        string  `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	HWAccel            string  `env:"HW_ACCEL" json:"hw_accel,omitempty"` // "" or "qsv"
	HEICQuality        int     `env:"HEIC_QUALITY, default=80" json:"heic_quality"`
	ThumbnailWidth     int     `env:"THUMBNAIL_WIDTH, default=320" json:"thumbnail_width"`
	ExtractWeight      float64 `env:"EXTRACT_WEIGHT, default=0.4" json:"extract_weight"`
	ConvertConcurrency int     `env:"CONVERT_CONCURRENCY, default=1" json:"convert_concurrency"`

	// Optional S3 mirror of album frames
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3KeyPrefix        string `env:"S3_KEY_PREFIX" json:"s3_key_prefix,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Optional task events
	NATSURL     string `env:"NATS_URL" json:"nats_url,omitempty"`
	NATSSubject string `env:"NATS_SUBJECT, default=framecatcher.tasks" json:"nats_subject"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// NATSEnabled returns true if a NATS server is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATSURL != ""
}

// PostgresDSN builds the lib/pq connection string for the local Postgres adapter.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB)
}

// Load reads configuration from environment variables using go-envconfig.
// A .env file in the working directory is applied first when present;
// variables already set in the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	switch c.DefaultDataSource {
	case "supabase":
		if c.SupabaseDBURL == "" {
			return ErrSupabaseURLRequired
		}
	case "local", "sqlite", "memory":
	default:
		return ErrInvalidDataSource
	}
	if c.ExtractWeight <= 0 || c.ExtractWeight >= 1 || math.IsNaN(c.ExtractWeight) {
		return ErrInvalidExtractWeight
	}
	if c.HEICQuality < 0 || c.HEICQuality > 100 {
		return ErrInvalidHEICQuality
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
		"Config{Port: %d, UploadDir: %s, AlbumsDir: %s, DefaultDataSource: %s, PostgresHost: %s, SQLitePath: %s, HWAccel: %s, ConvertConcurrency: %d, S3Bucket: %s, S3Region: %s, NATSURL: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.UploadDir,
		c.AlbumsDir,
		c.DefaultDataSource,
		c.PostgresHost,
		c.SQLitePath,
		c.HWAccel,
		c.ConvertConcurrency,
		c.S3Bucket,
		c.S3Region,
		c.NATSURL,
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
