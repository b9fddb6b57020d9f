package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RECURCAL_LISTEN or
// RECURCAL_STORE_DRIVER.
const EnvPrefix = "RECURCAL_"

// StoreConfig selects the persistence backend for the master list.
type StoreConfig struct {
	// Driver is "file" (JSON document) or "sqlite".
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	// Path is the JSON file or the SQLite database file.
	Path string `yaml:"path" json:"path" env:"PATH"`
	// Watch reloads the master list when the file changes on disk.
	// Only the file driver supports it.
	Watch bool `yaml:"watch" json:"watch" env:"WATCH"`
}

// PruneConfig controls the scheduled cleanup of past overrides and ghosts.
type PruneConfig struct {
	// Schedule is a standard five-field cron expression.
	Schedule string `yaml:"schedule" json:"schedule" env:"SCHEDULE"`
	// RetentionDays keeps the last N days of exceptions. 0 disables pruning.
	RetentionDays int `yaml:"retention_days" json:"retention_days" env:"RETENTION_DAYS"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" env:"LISTEN"`

	// Timezone is the IANA zone used for "today" and for UTC times in
	// imported ICS files (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone" env:"TIMEZONE"`

	// WeekStart is "monday" (default) or "sunday". The default instances
	// window starts on this weekday.
	WeekStart string `yaml:"week_start" json:"week_start" env:"WEEK_START"`

	// LogLevel is DEBUG, INFO, WARN or ERROR.
	LogLevel string `yaml:"log_level" json:"log_level" env:"LOG_LEVEL"`
	// LogFormat is "console" or "json".
	LogFormat string `yaml:"log_format" json:"log_format" env:"LOG_FORMAT"`

	Store StoreConfig `yaml:"store" json:"store" envPrefix:"STORE_"`
	Prune PruneConfig `yaml:"prune" json:"prune" envPrefix:"PRUNE_"`

	// MaxInstancesPerSeries caps expansion per series and window.
	MaxInstancesPerSeries int `yaml:"max_instances_per_series" json:"max_instances_per_series" env:"MAX_INSTANCES_PER_SERIES"`

	// WriteRatePerSec limits save/delete/import requests. 0 disables it.
	WriteRatePerSec float64 `yaml:"write_rate_per_sec" json:"write_rate_per_sec" env:"WRITE_RATE_PER_SEC"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "127.0.0.1:8080",
		Timezone:  "Asia/Seoul",
		WeekStart: "monday",
		LogLevel:  "INFO",
		LogFormat: "console",
		Store: StoreConfig{
			Driver: "file",
			Path:   "data/events.json",
			Watch:  true,
		},
		Prune: PruneConfig{
			Schedule:      "0 3 * * *",
			RetentionDays: 0,
		},
		MaxInstancesPerSeries: 5000,
		WriteRatePerSec:       5,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	switch c.WeekStart = strings.ToLower(strings.TrimSpace(c.WeekStart)); c.WeekStart {
	case "monday", "sunday":
	default:
		// Unknown value; fall back to monday.
		c.WeekStart = d.WeekStart
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}

	if c.Prune.Schedule == "" {
		c.Prune.Schedule = d.Prune.Schedule
	}
	if c.Prune.RetentionDays < 0 {
		c.Prune.RetentionDays = 0
	}
	if c.MaxInstancesPerSeries <= 0 {
		c.MaxInstancesPerSeries = d.MaxInstancesPerSeries
	}
	if c.WriteRatePerSec < 0 {
		c.WriteRatePerSec = 0
	}
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

// FirstWeekday is the weekday named by WeekStart.
func (c *Config) FirstWeekday() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

// Load loads configuration from the given YAML path and then applies
// RECURCAL_* environment overrides.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - environment variables override file values
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			// Even if save fails, return cfg with error so caller can decide.
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// ApplyEnv overrides cfg fields from RECURCAL_* environment variables.
// Unset variables leave the field untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".recurcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
