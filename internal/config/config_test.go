package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, "fs", cfg.Storage.Driver)
	assert.True(t, cfg.Snapshot.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  max_concurrent_jobs: 8
  max_queue_depth: 200
  tick_interval: 250ms
  min_deadline: 1m

storage:
  driver: sqlite
  dsn: /tmp/exports.db

events:
  redis:
    enabled: true
    addr: redis:6379

log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, 200, cfg.Scheduler.MaxQueueDepth)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, time.Minute, cfg.Scheduler.MinDeadline)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/exports.db", cfg.Storage.DSN)
	assert.True(t, cfg.Events.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Events.Redis.Addr)
	assert.Equal(t, "exportq:events", cfg.Events.Redis.Channel, "unset fields keep defaults")
	assert.Equal(t, "json", cfg.Log.Format)

	// untouched sections keep their defaults
	assert.Equal(t, 3.0, cfg.Scheduler.DeadlineFactor)
	assert.Equal(t, "data/snapshot.json", cfg.Snapshot.Path)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduler: [oops"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero workers", func(c *Config) { c.Scheduler.MaxConcurrentJobs = 0 }, "max_concurrent_jobs"},
		{"negative depth", func(c *Config) { c.Scheduler.MaxQueueDepth = -1 }, "max_queue_depth"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "s3" }, "storage.driver"},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.DSN = "" }, "storage.dsn"},
		{"snapshot without path", func(c *Config) { c.Snapshot.Path = "" }, "snapshot.path"},
		{"journal without path", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
		{"bad sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "sample_ratio"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestControllerConfig(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.MaxQueueDepth = 50

	cc := cfg.ControllerConfig()
	assert.Equal(t, 50, cc.MaxQueueDepth)
	assert.Equal(t, "data/snapshot.json", cc.SnapshotPath)

	cfg.Snapshot.Enabled = false
	assert.Empty(t, cfg.ControllerConfig().SnapshotPath)
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
