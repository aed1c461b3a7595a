// Package config handles patchlore configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure for patchlore.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Monitor settings
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`
}

// GlobalConfig contains global patchlore settings.
type GlobalConfig struct {
	// DataDir is where patchlore stores its data (default: ~/.local/share/patchlore).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/patchlore).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeout is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// MonitorConfig contains feed monitoring settings.
type MonitorConfig struct {
	// Interval is how often a full monitoring cycle runs.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// FeedURLTemplate is the per-subsystem feed URL, with %s as the
	// subsystem name.
	FeedURLTemplate string `yaml:"feed_url_template" mapstructure:"feed_url_template"`

	// MaxEntriesPerCycle caps how many feed entries one cycle ingests per
	// subsystem.
	MaxEntriesPerCycle int `yaml:"max_entries_per_cycle" mapstructure:"max_entries_per_cycle"`

	// CardExpiry is how long a card without a thread lives before the sweep
	// may remove it.
	CardExpiry time.Duration `yaml:"card_expiry" mapstructure:"card_expiry"`

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	// ManualSubsystems are extra subsystems monitored in addition to the
	// subscribed ones in the database.
	ManualSubsystems []string `yaml:"manual_subsystems" mapstructure:"manual_subsystems"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "patchlore"),
			ConfigDir: filepath.Join(homeDir, ".config", "patchlore"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/patchlore.db
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		Monitor: MonitorConfig{
			Interval:           5 * time.Minute,
			FeedURLTemplate:    "https://lore.kernel.org/%s/new.atom",
			MaxEntriesPerCycle: 20,
			CardExpiry:         24 * time.Hour,
			SweepInterval:      time.Hour,
			ManualSubsystems:   []string{},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	if c.Monitor.Interval < time.Second {
		return fmt.Errorf("monitor.interval must be at least 1s")
	}

	if c.Monitor.MaxEntriesPerCycle < 1 {
		return fmt.Errorf("monitor.max_entries_per_cycle must be at least 1")
	}

	if c.Monitor.CardExpiry <= 0 {
		return fmt.Errorf("monitor.card_expiry must be positive")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "patchlore.db")
}
