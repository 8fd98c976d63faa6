// Package config provides configuration loading and validation for the automation engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"

	"github.com/jonathan/threads-autopost/internal/types"
)

// Config holds every recognized option. Values are resolved as defaults, then the
// optional TOML file, then environment variables.
type Config struct {
	// Ingestion
	CSVWatchFolder      string `toml:"csv_watch_folder" validate:"required"`
	PostIntervalMinutes int    `toml:"post_interval_minutes" validate:"gte=1"`
	TopN                int    `toml:"top_n" validate:"gte=1"`

	// Scheduling
	DailyPostLimit           int    `toml:"daily_post_limit" validate:"gte=0"`
	PostTimeStart            string `toml:"post_time_start" validate:"required,hhmm"`
	PostTimeEnd              string `toml:"post_time_end" validate:"required,hhmm"`
	Timezone                 string `toml:"timezone" validate:"required"`
	ScheduleTickMinutes      int    `toml:"schedule_tick_minutes" validate:"gte=1"`
	ScheduleBatchSize        int    `toml:"schedule_batch_size" validate:"gte=1"`
	ScheduleLookaheadMinutes int    `toml:"schedule_lookahead_minutes" validate:"gte=0"`

	// Collection
	ScrapingIntervalHours int                      `toml:"scraping_interval_hours" validate:"gte=1"`
	ScrapingEnabled       bool                     `toml:"scraping_enabled"`
	ScrapingTargets       []types.CollectionTarget `toml:"scraping_targets" validate:"dive"`

	// Adapters
	AdapterTimeout    Duration `toml:"adapter_timeout"`
	GenerationRPM     int      `toml:"generation_rpm" validate:"gte=1"`
	WatchStability    Duration `toml:"watch_stability"`
	GeminiAPIKey      string   `toml:"gemini_api_key"`
	GeminiModel       string   `toml:"gemini_model"`
	BufferAccessToken string   `toml:"buffer_access_token"`
	BufferProfileID   string   `toml:"buffer_profile_id"`
	BufferBaseURL     string   `toml:"buffer_base_url" validate:"required,url"`

	// Storage
	DatabaseURL  string `toml:"database_url"`
	DatabasePath string `toml:"database_path"`

	// Server and logging
	Port      int    `toml:"port" validate:"gte=1,lte=65535"`
	LogLevel  string `toml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `toml:"log_format" validate:"oneof=text json"`

	location *time.Location
}

// Duration is a time.Duration that decodes from strings such as "20s" or "2m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CSVWatchFolder:           "./csv_input",
		PostIntervalMinutes:      60,
		TopN:                     10,
		DailyPostLimit:           10,
		PostTimeStart:            "09:00",
		PostTimeEnd:              "21:00",
		Timezone:                 "Asia/Tokyo",
		ScheduleTickMinutes:      5,
		ScheduleBatchSize:        5,
		ScheduleLookaheadMinutes: 15,
		ScrapingIntervalHours:    8,
		ScrapingEnabled:          true,
		AdapterTimeout:           Duration{20 * time.Second},
		GenerationRPM:            30,
		WatchStability:           Duration{2 * time.Second},
		BufferBaseURL:            "https://api.bufferapp.com/1",
		DatabasePath:             "./data/autopost.db",
		Port:                     5000,
		LogLevel:                 "info",
		LogFormat:                "text",
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when path is empty)
// and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), c); err != nil {
		return fmt.Errorf("failed to parse config TOML: %w", err)
	}
	return nil
}

// Validate checks field constraints and resolves the configured timezone.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	start, _ := parseHour(c.PostTimeStart)
	end, _ := parseHour(c.PostTimeEnd)
	if start >= end {
		return fmt.Errorf("config error: post_time_start (%s) must be before post_time_end (%s)", c.PostTimeStart, c.PostTimeEnd)
	}

	if c.AdapterTimeout.Duration <= 0 {
		return fmt.Errorf("config error: adapter_timeout must be positive")
	}
	if c.WatchStability.Duration < 0 {
		return fmt.Errorf("config error: watch_stability must be non-negative")
	}

	if c.DatabaseURL == "" && c.DatabasePath == "" {
		return fmt.Errorf("config error: either database_url or database_path is required")
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("config error: invalid timezone %q: %w", c.Timezone, err)
	}
	c.location = loc

	return nil
}

// Location returns the configured timezone. It falls back to UTC before Validate has run.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// StartHour is the inclusive first posting hour.
func (c *Config) StartHour() int {
	h, _ := parseHour(c.PostTimeStart)
	return h
}

// EndHour is the exclusive last posting hour.
func (c *Config) EndHour() int {
	h, _ := parseHour(c.PostTimeEnd)
	return h
}

// PostInterval is the spacing between staggered posts.
func (c *Config) PostInterval() time.Duration {
	return time.Duration(c.PostIntervalMinutes) * time.Minute
}

// ScheduleTick is the scheduling loop period.
func (c *Config) ScheduleTick() time.Duration {
	return time.Duration(c.ScheduleTickMinutes) * time.Minute
}

// ScheduleLookahead is how far ahead of now a pending post counts as due.
func (c *Config) ScheduleLookahead() time.Duration {
	return time.Duration(c.ScheduleLookaheadMinutes) * time.Minute
}

// ScrapingInterval is the collection period.
func (c *Config) ScrapingInterval() time.Duration {
	return time.Duration(c.ScrapingIntervalHours) * time.Hour
}

// GenerationConfigured reports whether a usable generation credential is set.
func (c *Config) GenerationConfigured() bool {
	return IsConfigured(c.GeminiAPIKey)
}

// BufferConfigured reports whether both scheduling credentials are set.
func (c *Config) BufferConfigured() bool {
	return IsConfigured(c.BufferAccessToken) && IsConfigured(c.BufferProfileID)
}

// UsePostgres reports whether the PostgreSQL store should be used instead of SQLite.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// IsConfigured reports whether a credential value is usable. Empty values and
// template placeholders such as "your-api-key" count as unconfigured.
func IsConfigured(value string) bool {
	value = strings.TrimSpace(value)
	return value != "" && !strings.Contains(strings.ToLower(value), "your-")
}
