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
	cfg := LoadDefaults()
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.DebounceWindow)
	assert.Equal(t, 5*time.Second, cfg.Sync.ConflictWindow)
	assert.Equal(t, 2*time.Second, cfg.Sync.BatchIdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Sync.FlushTimeout)
	assert.Empty(t, cfg.Database.DataDir)
	assert.False(t, cfg.Push.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 500*time.Millisecond, cfg.Sync.DebounceWindow)
	})

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
database:
  data_dir: "/tmp/munin-test"
sync:
  debounce_window: 250ms
  conflict_window: 10s
push:
  enabled: true
  url: "wss://sync.example.com/changes"
`), 0o644))

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/munin-test", cfg.Database.DataDir)
		assert.Equal(t, 250*time.Millisecond, cfg.Sync.DebounceWindow)
		assert.Equal(t, 10*time.Second, cfg.Sync.ConflictWindow)
		// Untouched keys keep their defaults.
		assert.Equal(t, 2*time.Second, cfg.Sync.BatchIdleTimeout)
		assert.True(t, cfg.Push.Enabled)
		assert.Equal(t, "wss://sync.example.com/changes", cfg.Push.URL)
		require.NoError(t, cfg.Validate())
	})

	t.Run("bad duration errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sync:\n  debounce_window: soon\n"), 0o644))
		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})

	t.Run("malformed yaml errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sync: ["), 0o644))
		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})
}

func TestApplyEnvVars(t *testing.T) {
	t.Setenv("MUNIN_DATA_DIR", "/env/data")
	t.Setenv("MUNIN_DEBOUNCE_WINDOW", "100ms")
	t.Setenv("MUNIN_PUSH_ENABLED", "true")
	t.Setenv("MUNIN_PUSH_URL", "wss://env.example.com")

	cfg := LoadFromEnv()
	assert.Equal(t, "/env/data", cfg.Database.DataDir)
	assert.Equal(t, 100*time.Millisecond, cfg.Sync.DebounceWindow)
	assert.True(t, cfg.Push.Enabled)
	assert.Equal(t, "wss://env.example.com", cfg.Push.URL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  debounce_window: 250ms\n"), 0o644))
	t.Setenv("MUNIN_DEBOUNCE_WINDOW", "50ms")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Sync.DebounceWindow)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("zero durations fall back to defaults", func(t *testing.T) {
		cfg := &Config{}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 500*time.Millisecond, cfg.Sync.DebounceWindow)
	})

	t.Run("negative duration rejected", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Sync.ConflictWindow = -time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("push enabled requires url", func(t *testing.T) {
		cfg := LoadDefaults()
		cfg.Push.Enabled = true
		assert.Error(t, cfg.Validate())
		cfg.Push.URL = "wss://x"
		assert.NoError(t, cfg.Validate())
	})
}
