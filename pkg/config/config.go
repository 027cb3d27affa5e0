// Package config handles Munin client configuration.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MUNIN_*)
//  2. Config file (config.yaml)
//  3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all client settings.
type Config struct {
	// Database settings.
	Database DatabaseConfig

	// Sync settings controlling write coalescing, conflict detection
	// and batching.
	Sync SyncConfig

	// Push settings for the inbound change feed.
	Push PushConfig
}

// DatabaseConfig configures the durable backend.
type DatabaseConfig struct {
	// DataDir is the directory for the embedded database. Empty means
	// memory-only: nothing survives Close.
	DataDir string
}

// SyncConfig tunes the synchronization core. All durations must be
// positive; zero values are replaced by defaults at Validate time.
type SyncConfig struct {
	// DebounceWindow is how long a node's durable write waits for
	// further edits before executing. Each new edit restarts the wait.
	DebounceWindow time.Duration

	// ConflictWindow is the horizon within which an overlapping remote
	// change counts as concurrent with a pending local one.
	ConflictWindow time.Duration

	// BatchIdleTimeout auto-commits an atomic batch that stopped
	// receiving updates.
	BatchIdleTimeout time.Duration

	// FlushTimeout bounds Close's wait for outstanding writes.
	FlushTimeout time.Duration
}

// PushConfig configures the inbound websocket change feed.
type PushConfig struct {
	// Enabled turns the feed on. URL must be set when it is.
	Enabled bool

	// URL is the websocket endpoint, e.g. "wss://host/changes".
	URL string
}

// LoadDefaults returns the built-in default configuration.
func LoadDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir: "",
		},
		Sync: SyncConfig{
			DebounceWindow:   500 * time.Millisecond,
			ConflictWindow:   5 * time.Second,
			BatchIdleTimeout: 2 * time.Second,
			FlushTimeout:     5 * time.Second,
		},
		Push: PushConfig{
			Enabled: false,
		},
	}
}

// yamlConfig mirrors the file layout. Durations are strings parsed with
// time.ParseDuration ("500ms", "5s").
type yamlConfig struct {
	Database struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"database"`
	Sync struct {
		DebounceWindow   string `yaml:"debounce_window"`
		ConflictWindow   string `yaml:"conflict_window"`
		BatchIdleTimeout string `yaml:"batch_idle_timeout"`
		FlushTimeout     string `yaml:"flush_timeout"`
	} `yaml:"sync"`
	Push struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"push"`
}

// LoadFromFile loads configuration with proper precedence: built-in
// defaults, then the YAML file, then environment variables. A missing
// file is not an error; the defaults-plus-env config is returned.
//
// Example YAML:
//
//	database:
//	  data_dir: "./munin-data"
//	sync:
//	  debounce_window: 500ms
//	  conflict_window: 5s
//	push:
//	  enabled: true
//	  url: "wss://sync.example.com/changes"
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvVars(config)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if yamlCfg.Database.DataDir != "" {
		config.Database.DataDir = yamlCfg.Database.DataDir
	}
	if err := applyYAMLDuration(&config.Sync.DebounceWindow, yamlCfg.Sync.DebounceWindow, "sync.debounce_window"); err != nil {
		return nil, err
	}
	if err := applyYAMLDuration(&config.Sync.ConflictWindow, yamlCfg.Sync.ConflictWindow, "sync.conflict_window"); err != nil {
		return nil, err
	}
	if err := applyYAMLDuration(&config.Sync.BatchIdleTimeout, yamlCfg.Sync.BatchIdleTimeout, "sync.batch_idle_timeout"); err != nil {
		return nil, err
	}
	if err := applyYAMLDuration(&config.Sync.FlushTimeout, yamlCfg.Sync.FlushTimeout, "sync.flush_timeout"); err != nil {
		return nil, err
	}
	if yamlCfg.Push.Enabled {
		config.Push.Enabled = true
	}
	if yamlCfg.Push.URL != "" {
		config.Push.URL = yamlCfg.Push.URL
	}

	applyEnvVars(config)
	return config, nil
}

func applyYAMLDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}

// LoadFromEnv returns defaults with environment variable overrides
// applied. Prefer LoadFromFile, which layers the config file in between.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

// ApplyEnvVars applies environment variable overrides to an existing
// config.
func ApplyEnvVars(config *Config) {
	applyEnvVars(config)
}

func applyEnvVars(config *Config) {
	config.Database.DataDir = getEnv("MUNIN_DATA_DIR", config.Database.DataDir)
	config.Sync.DebounceWindow = getEnvDuration("MUNIN_DEBOUNCE_WINDOW", config.Sync.DebounceWindow)
	config.Sync.ConflictWindow = getEnvDuration("MUNIN_CONFLICT_WINDOW", config.Sync.ConflictWindow)
	config.Sync.BatchIdleTimeout = getEnvDuration("MUNIN_BATCH_IDLE_TIMEOUT", config.Sync.BatchIdleTimeout)
	config.Sync.FlushTimeout = getEnvDuration("MUNIN_FLUSH_TIMEOUT", config.Sync.FlushTimeout)
	config.Push.Enabled = getEnvBool("MUNIN_PUSH_ENABLED", config.Push.Enabled)
	config.Push.URL = getEnv("MUNIN_PUSH_URL", config.Push.URL)
}

// Validate checks the configuration for logical errors and fills zero
// durations with defaults. Call it after loading and before use.
func (c *Config) Validate() error {
	defaults := LoadDefaults()
	if c.Sync.DebounceWindow == 0 {
		c.Sync.DebounceWindow = defaults.Sync.DebounceWindow
	}
	if c.Sync.ConflictWindow == 0 {
		c.Sync.ConflictWindow = defaults.Sync.ConflictWindow
	}
	if c.Sync.BatchIdleTimeout == 0 {
		c.Sync.BatchIdleTimeout = defaults.Sync.BatchIdleTimeout
	}
	if c.Sync.FlushTimeout == 0 {
		c.Sync.FlushTimeout = defaults.Sync.FlushTimeout
	}

	if c.Sync.DebounceWindow < 0 {
		return fmt.Errorf("sync.debounce_window must be positive, got %v", c.Sync.DebounceWindow)
	}
	if c.Sync.ConflictWindow < 0 {
		return fmt.Errorf("sync.conflict_window must be positive, got %v", c.Sync.ConflictWindow)
	}
	if c.Sync.BatchIdleTimeout < 0 {
		return fmt.Errorf("sync.batch_idle_timeout must be positive, got %v", c.Sync.BatchIdleTimeout)
	}
	if c.Sync.FlushTimeout < 0 {
		return fmt.Errorf("sync.flush_timeout must be positive, got %v", c.Sync.FlushTimeout)
	}
	if c.Push.Enabled && c.Push.URL == "" {
		return fmt.Errorf("push.url is required when push.enabled is true")
	}
	return nil
}

// Environment variable helpers.

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return defaultVal
}
