// Package config provides configuration management for relayarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultGraceDelay        = 10 * time.Second
	defaultMaxStreams        = 50
	defaultClientIdleTimeout = 90 * time.Second
	defaultSweepInterval     = 30 * time.Second
	defaultStartTimeout      = 20 * time.Second

	defaultHLSTime     = 4
	defaultHLSListSize = 8

	defaultIngestTimeout    = 60 * time.Second
	defaultIngestRetries    = 3
	defaultSegmentRetention = 15 * time.Minute
	defaultMaxSegmentCache  = ByteSize(512 * 1024 * 1024)
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Relay       RelayConfig       `mapstructure:"relay"`
	FFmpeg      FFmpegConfig      `mapstructure:"ffmpeg"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	SharedState SharedStateConfig `mapstructure:"sharedstate"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SegmentDir string `mapstructure:"segment_dir"`
	// SegmentRetention is how long a stopped stream's segment directory is
	// kept on disk before the pruning job removes it.
	SegmentRetention time.Duration `mapstructure:"segment_retention"`
	// MaxSegmentCache caps the total on-disk segment footprint.
	// Supports human-readable values like "512MB", "2GB".
	MaxSegmentCache ByteSize `mapstructure:"max_segment_cache"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// RelayConfig holds stream relay lifecycle configuration.
type RelayConfig struct {
	// GraceDelay is how long a stream with zero clients is kept alive before
	// its upstream fetch is torn down. Quick reconnects and seeks land inside
	// this window and reuse the running fetch.
	GraceDelay time.Duration `mapstructure:"grace_delay"`
	// MaxStreams is the maximum number of concurrent upstream fetches.
	MaxStreams int `mapstructure:"max_streams"`
	// ClientIdleTimeout is how long a client may go without activity before
	// the periodic sweep force-disconnects it.
	ClientIdleTimeout time.Duration `mapstructure:"client_idle_timeout"`
	// SweepInterval is how often the dead-client sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// StartTimeout bounds how long an upstream fetch may take to produce its
	// first playlist before creation fails.
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

// FFmpegConfig holds upstream fetch process configuration.
type FFmpegConfig struct {
	BinaryPath  string `mapstructure:"binary_path"` // empty = auto-detect on PATH
	LogLevel    string `mapstructure:"log_level"`
	HLSTime     int    `mapstructure:"hls_time"`
	HLSListSize int    `mapstructure:"hls_list_size"`
	Reconnect   bool   `mapstructure:"reconnect"`
	UserAgent   string `mapstructure:"user_agent"` // empty = relayarr default
}

// IngestConfig holds playlist source ingestion configuration.
type IngestConfig struct {
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RefreshSchedule string        `mapstructure:"refresh_schedule"` // cron expression
}

// SharedStateConfig holds the optional distributed reference-count backend.
// An empty RedisURL keeps all state in-process.
type SharedStateConfig struct {
	RedisURL  string        `mapstructure:"redis_url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with RELAYARR_, using underscores for nesting.
// Example: RELAYARR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relayarr")
		v.AddConfigPath("$HOME/.relayarr")
	}

	v.SetEnvPrefix("RELAYARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.idle_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "relayarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.segment_dir", "segments")
	v.SetDefault("storage.segment_retention", defaultSegmentRetention)
	v.SetDefault("storage.max_segment_cache", int64(defaultMaxSegmentCache))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Relay defaults
	v.SetDefault("relay.grace_delay", defaultGraceDelay)
	v.SetDefault("relay.max_streams", defaultMaxStreams)
	v.SetDefault("relay.client_idle_timeout", defaultClientIdleTimeout)
	v.SetDefault("relay.sweep_interval", defaultSweepInterval)
	v.SetDefault("relay.start_timeout", defaultStartTimeout)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.log_level", "error")
	v.SetDefault("ffmpeg.hls_time", defaultHLSTime)
	v.SetDefault("ffmpeg.hls_list_size", defaultHLSListSize)
	v.SetDefault("ffmpeg.reconnect", true)
	v.SetDefault("ffmpeg.user_agent", "")

	// Ingest defaults
	v.SetDefault("ingest.http_timeout", defaultIngestTimeout)
	v.SetDefault("ingest.retry_attempts", defaultIngestRetries)
	v.SetDefault("ingest.refresh_schedule", "0 0 */6 * * *") // every 6 hours (6-field cron)

	// Shared state defaults (disabled)
	v.SetDefault("sharedstate.redis_url", "")
	v.SetDefault("sharedstate.key_prefix", "relayarr")
	v.SetDefault("sharedstate.ttl", 24*time.Hour)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Relay.GraceDelay < 0 {
		return fmt.Errorf("relay.grace_delay must not be negative")
	}
	if c.Relay.MaxStreams < 1 {
		return fmt.Errorf("relay.max_streams must be at least 1")
	}
	if c.Relay.StartTimeout <= 0 {
		return fmt.Errorf("relay.start_timeout must be positive")
	}

	if c.FFmpeg.HLSTime < 1 {
		return fmt.Errorf("ffmpeg.hls_time must be at least 1")
	}
	if c.FFmpeg.HLSListSize < 1 {
		return fmt.Errorf("ffmpeg.hls_list_size must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SegmentPath returns the full path to the segment directory.
func (c *StorageConfig) SegmentPath() string {
	return filepath.Join(c.DataDir, c.SegmentDir)
}

// Enabled reports whether the distributed shared-state backend is configured.
func (c *SharedStateConfig) Enabled() bool {
	return c.RedisURL != ""
}
