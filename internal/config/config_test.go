package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "relayarr.db", cfg.Database.DSN)
	assert.Equal(t, 10*time.Second, cfg.Relay.GraceDelay)
	assert.Equal(t, 50, cfg.Relay.MaxStreams)
	assert.Equal(t, 90*time.Second, cfg.Relay.ClientIdleTimeout)
	assert.Equal(t, 20*time.Second, cfg.Relay.StartTimeout)
	assert.Equal(t, 4, cfg.FFmpeg.HLSTime)
	assert.True(t, cfg.FFmpeg.Reconnect)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.SharedState.Enabled())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
relay:
  grace_delay: 30s
  max_streams: 5
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Relay.GraceDelay)
	assert.Equal(t, 5, cfg.Relay.MaxStreams)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	// Unset values keep defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAYARR_SERVER_PORT", "7070")
	t.Setenv("RELAYARR_RELAY_MAX_STREAMS", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Relay.MaxStreams)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"negative grace delay", func(c *Config) { c.Relay.GraceDelay = -time.Second }, "relay.grace_delay"},
		{"zero max streams", func(c *Config) { c.Relay.MaxStreams = 0 }, "relay.max_streams"},
		{"zero start timeout", func(c *Config) { c.Relay.StartTimeout = 0 }, "relay.start_timeout"},
		{"zero hls time", func(c *Config) { c.FFmpeg.HLSTime = 0 }, "ffmpeg.hls_time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	assert.NoError(t, valid().Validate())
}

func TestServerAddress(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", cfg.Address())
}

func TestSegmentPath(t *testing.T) {
	cfg := StorageConfig{DataDir: "/var/lib/relayarr", SegmentDir: "segments"}
	assert.Equal(t, filepath.Join("/var/lib/relayarr", "segments"), cfg.SegmentPath())
}

func TestSharedStateEnabled(t *testing.T) {
	assert.False(t, (&SharedStateConfig{}).Enabled())
	assert.True(t, (&SharedStateConfig{RedisURL: "redis://localhost:6379/0"}).Enabled())
}
