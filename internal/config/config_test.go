package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/signalrun/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
database:
  dsn: postgres://scanner@db.internal:5432/signals
rate_limit:
  requests_per_minute: 30
scan:
  parallelism: 4
  benchmark_symbol: QQQ
scheduler:
  jobs:
    - name: squeeze-daily
      strategy: squeeze
      interval: 6h
      enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://scanner@db.internal:5432/signals", cfg.Database.DSN)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 4, cfg.Scan.Parallelism)
	assert.Equal(t, "QQQ", cfg.Scan.BenchmarkSymbol)
	require.Len(t, cfg.Scheduler.Jobs, 1)
	assert.Equal(t, domain.StrategySqueeze, cfg.Scheduler.Jobs[0].Strategy)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.Jobs[0].Interval)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://file@db/file
rate_limit:
  requests_per_minute: 30
`)
	t.Setenv("DB_URL", "postgres://env@db/env")
	t.Setenv("DB_SERVICE_KEY", "svc-secret")
	t.Setenv("RATE_LIMIT_RPM", "90")
	t.Setenv("SCAN_PARALLELISM", "16")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("REDIS_ADDR", "cache.internal:6379")
	t.Setenv("WEBHOOK_URL", "https://hooks.internal/alerts")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env@db/env", cfg.Database.DSN)
	assert.Equal(t, "svc-secret", cfg.Database.ServiceKey)
	assert.Equal(t, 90, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 16, cfg.Scan.Parallelism)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "https://hooks.internal/alerts", cfg.WebhookURL)
}

func TestLoadBadIntEnvFailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "not_a_number", value: "fast"},
		{name: "zero", value: "0"},
		{name: "negative", value: "-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DB_URL", "postgres://env@db/env")
			t.Setenv("RATE_LIMIT_RPM", tt.value)

			_, err := Load("")
			var cfgErr *domain.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "RATE_LIMIT_RPM", cfgErr.Field)
		})
	}
}

func TestLoadRequiresDSNUnlessOffline(t *testing.T) {
	_, err := Load("")
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "database.dsn", cfgErr.Field)

	path := writeConfig(t, "offline: true\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Offline)
}

func TestLoadRejectsBadWeightTable(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://scanner@db/signals
scoring:
  weights:
    squeeze:
      volume: 0.5
      momentum: 0.6
`)
	_, err := Load(path)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "scoring.weights.squeeze", cfgErr.Field)
}

func TestLoadValidatesEnabledSchedulerJobs(t *testing.T) {
	t.Run("unknown_strategy", func(t *testing.T) {
		path := writeConfig(t, `
database:
  dsn: postgres://scanner@db/signals
scheduler:
  jobs:
    - name: bad
      strategy: lottery
      interval: 1h
      enabled: true
`)
		_, err := Load(path)
		var cfgErr *domain.ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("missing_interval", func(t *testing.T) {
		path := writeConfig(t, `
database:
  dsn: postgres://scanner@db/signals
scheduler:
  jobs:
    - name: bad
      strategy: squeeze
      enabled: true
`)
		_, err := Load(path)
		var cfgErr *domain.ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("disabled_jobs_skip_validation", func(t *testing.T) {
		path := writeConfig(t, `
database:
  dsn: postgres://scanner@db/signals
scheduler:
  jobs:
    - name: parked
      strategy: lottery
      enabled: false
`)
		_, err := Load(path)
		assert.NoError(t, err)
	})
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config_file", cfgErr.Field)
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	path := writeConfig(t, "log_level: [unclosed\n")
	_, err := Load(path)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestShippedConfigParses(t *testing.T) {
	t.Setenv("DB_URL", "postgres://scanner@db.internal:5432/signals")

	cfg, err := Load("../../config/config.yaml")
	require.NoError(t, err)
	assert.Len(t, cfg.Scoring.Weights, 4)
	assert.NotEmpty(t, cfg.Scheduler.Jobs)
	assert.Equal(t, "SPY", cfg.Scan.BenchmarkSymbol)
}
