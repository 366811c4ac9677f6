package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "data/master.db", cfg.Master.Path)
	assert.Equal(t, "data/registry.db", cfg.Registry.Path)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 500, cfg.Sync.BatchSize)
	assert.True(t, cfg.Sync.EnableChangeDetection)
	assert.Equal(t, 30*time.Second, cfg.Sync.GetApplyTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.GetDispatchInterval())
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
master:
  path: /srv/data/primary.db
sync:
  workers: 2
  apply_timeout: 10s
  ignored_tables:
    - audit_log
    - sessions
scheduler:
  enabled: false
logging:
  level: debug
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/data/primary.db", cfg.Master.Path)
	assert.Equal(t, 2, cfg.Sync.Workers)
	assert.Equal(t, 10*time.Second, cfg.Sync.GetApplyTimeout())
	assert.Equal(t, []string{"audit_log", "sessions"}, cfg.Sync.IgnoredTables)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched keys keep their defaults.
	assert.Equal(t, "data/registry.db", cfg.Registry.Path)
	assert.Equal(t, 500, cfg.Sync.BatchSize)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
  workers: 0
`), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "sync.workers")
}

func TestInvalidDurationFallsBack(t *testing.T) {
	cfg := SyncConfig{ApplyTimeout: "not-a-duration", DispatchInterval: ""}
	assert.Equal(t, 30*time.Second, cfg.GetApplyTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.GetDispatchInterval())
}
