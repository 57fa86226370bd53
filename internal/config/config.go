package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Storage    StorageConfig
	History    HistoryConfig
	Components ComponentsConfig
	Autosave   AutosaveConfig
	Logging    LogConfig
	Metrics    MetricsConfig
}

// StorageConfig selects the database. An empty DSN means the default sqlite file.
type StorageConfig struct {
	Driver string `envconfig:"STORAGE_DRIVER" default:"sqlite"`
	DSN    string `envconfig:"STORAGE_DSN"`
}

// HistoryConfig tunes the undo/redo manager.
type HistoryConfig struct {
	Capacity int           `envconfig:"HISTORY_CAPACITY" default:"500"`
	Debounce time.Duration `envconfig:"HISTORY_DEBOUNCE" default:"100ms"`
	Persist  bool          `envconfig:"HISTORY_PERSIST" default:"true"`
}

// ComponentsConfig points at an optional directory of component JSON files.
type ComponentsConfig struct {
	Dir   string `envconfig:"COMPONENTS_DIR"`
	Watch bool   `envconfig:"COMPONENTS_WATCH" default:"true"`
}

// AutosaveConfig holds the cron schedule for saving open pages.
type AutosaveConfig struct {
	Enabled  bool   `envconfig:"AUTOSAVE_ENABLED" default:"true"`
	Schedule string `envconfig:"AUTOSAVE_SCHEDULE" default:"@every 30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `envconfig:"METRICS_ADDR"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Storage: StorageConfig{Driver: "sqlite"},
		History: HistoryConfig{
			Capacity: 500,
			Debounce: 100 * time.Millisecond,
			Persist:  true,
		},
		Components: ComponentsConfig{Watch: true},
		Autosave: AutosaveConfig{
			Enabled:  true,
			Schedule: "@every 30s",
		},
		Logging: LogConfig{Level: "info"},
	}
	cfg.applyDefaults()
	return cfg
}

// DataDir is where the default sqlite database lives.
func DataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "builder")
}

func (c *Config) applyDefaults() {
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = filepath.Join(DataDir(), "builder.db")
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "sqlite" && c.Storage.DSN == "" {
		return fmt.Errorf("STORAGE_DSN is required for %s", c.Storage.Driver)
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("HISTORY_CAPACITY must be positive, got %d", c.History.Capacity)
	}
	return nil
}
