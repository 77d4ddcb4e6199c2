// Package config loads the engine configuration: YAML file first, then
// environment overrides, then validation. Validation fails closed; the CLI
// maps a *domain.ConfigError to exit code 2.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cqdev-co/signalrun/internal/alerts"
	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/infrastructure/db"
	"github.com/cqdev-co/signalrun/internal/marketdata"
	"github.com/cqdev-co/signalrun/internal/monitor"
	"github.com/cqdev-co/signalrun/internal/quality"
	"github.com/cqdev-co/signalrun/internal/ratelimit"
	"github.com/cqdev-co/signalrun/internal/scan"
	"github.com/cqdev-co/signalrun/internal/scheduler"
	"github.com/cqdev-co/signalrun/internal/scoring"
	"github.com/cqdev-co/signalrun/internal/spread"

	"github.com/cqdev-co/signalrun/internal/detect"
)

// Redis configures the optional warm cache and alert dedup tier. An empty
// Addr disables it.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the whole engine configuration tree. Component sections carry
// their own defaults; zero values mean "use the component default".
type Config struct {
	LogLevel string `yaml:"log_level"`

	// CalendarPath points at the holiday calendar file. Empty falls back to
	// the built-in calendar.
	CalendarPath string `yaml:"calendar_path"`

	// WebhookURL, when set, is attached to alert payloads for the external
	// delivery bridge.
	WebhookURL string `yaml:"webhook_url"`

	// Offline swaps the live provider for the deterministic fake.
	Offline bool `yaml:"offline"`

	Database   db.Config         `yaml:"database"`
	RateLimit  ratelimit.Config  `yaml:"rate_limit"`
	MarketData marketdata.Config `yaml:"market_data"`
	Redis      Redis             `yaml:"redis"`
	Quality    quality.Config    `yaml:"quality"`
	Scoring    scoring.Config    `yaml:"scoring"`
	Detect     detect.Config     `yaml:"detect"`
	Spread     spread.Config     `yaml:"spread"`
	Alerts     alerts.Config     `yaml:"alerts"`
	Scan       scan.Config       `yaml:"scan"`
	Monitor    monitor.Config    `yaml:"monitor"`
	Scheduler  scheduler.Config  `yaml:"scheduler"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:   "info",
		RateLimit:  ratelimit.DefaultConfig(),
		MarketData: marketdata.DefaultConfig(),
		Quality:    quality.DefaultConfig(),
		Scoring:    scoring.DefaultConfig(),
		Alerts:     alerts.DefaultConfig(),
		Scan:       scan.DefaultConfig(),
		Monitor:    monitor.DefaultConfig(),
		Database:   db.DefaultConfig(),
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides, and validates. The returned error is a *domain.ConfigError for
// anything an operator must fix before the engine can start.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, &domain.ConfigError{Field: "config_file", Reason: err.Error()}
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, &domain.ConfigError{Field: "config_file", Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides on top of file values.
func (c *Config) applyEnv() error {
	if v := os.Getenv("DB_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("DB_SERVICE_KEY"); v != "" {
		// Hosted Postgres fronted by a service key passes it as the password
		// component of the DSN; keep it separate so the DSN can stay in the
		// checked-in config.
		c.Database.ServiceKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"RATE_LIMIT_RPM", &c.RateLimit.RequestsPerMinute},
		{"RATE_LIMIT_RPH", &c.RateLimit.RequestsPerHour},
		{"BATCH_SIZE", &c.Database.Signals.BatchSize},
		{"SCAN_PARALLELISM", &c.Scan.Parallelism},
	}
	for _, v := range intVars {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return &domain.ConfigError{Field: v.name, Reason: fmt.Sprintf("must be a positive integer, got %q", raw)}
		}
		*v.dst = n
	}
	return nil
}

// Validate rejects configurations the engine cannot safely run with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" && !c.Offline {
		return &domain.ConfigError{Field: "database.dsn", Reason: "required (set in config or DB_URL)"}
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.RequestsPerHour < 0 {
		return &domain.ConfigError{Field: "rate_limit", Reason: "window budgets must be non-negative"}
	}

	// Weight tables fail closed at load; a scan must never run on weights
	// that do not sum to one.
	for strategy, w := range c.Scoring.Weights {
		if err := w.Validate(); err != nil {
			return &domain.ConfigError{Field: "scoring.weights." + string(strategy), Reason: err.Error()}
		}
	}

	for i, job := range c.Scheduler.Jobs {
		if !job.Enabled {
			continue
		}
		if !job.Strategy.Valid() {
			return &domain.ConfigError{Field: fmt.Sprintf("scheduler.jobs[%d].strategy", i), Reason: fmt.Sprintf("unknown strategy %q", job.Strategy)}
		}
		if job.Interval <= 0 {
			return &domain.ConfigError{Field: fmt.Sprintf("scheduler.jobs[%d].interval", i), Reason: "must be positive"}
		}
	}
	return nil
}
