// Package db owns the postgres connection pool and wires the repository
// implementations onto it.
package db

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/persistence"
	"github.com/cqdev-co/signalrun/internal/persistence/postgres"
)

// Config holds connection-pool settings.
type Config struct {
	DSN string `yaml:"dsn"`

	// ServiceKey, when set, replaces the password component of the DSN so
	// the DSN itself can live in checked-in config.
	ServiceKey string `yaml:"-"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`

	Signals postgres.SignalsRepoConfig `yaml:"signals"`
}

// DefaultConfig returns a conservative pool profile.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
		Signals:         postgres.DefaultSignalsRepoConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	return c
}

// Manager owns the pool and the repository set built over it.
type Manager struct {
	db    *sqlx.DB
	cfg   Config
	repos *persistence.Repository
}

// NewManager opens the pool, pings it, and builds the repositories. An empty
// DSN is a configuration error.
func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, &domain.ConfigError{Field: "db.dsn", Reason: "database DSN is required"}
	}

	dsn := cfg.DSN
	if cfg.ServiceKey != "" {
		u, perr := url.Parse(dsn)
		if perr != nil {
			return nil, &domain.ConfigError{Field: "db.dsn", Reason: perr.Error()}
		}
		u.User = url.UserPassword(u.User.Username(), cfg.ServiceKey)
		dsn = u.String()
	}

	pool, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewManagerWithDB(pool, cfg), nil
}

// NewManagerWithDB wraps an existing pool; tests use it with sqlmock.
func NewManagerWithDB(pool *sqlx.DB, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		db:  pool,
		cfg: cfg,
		repos: &persistence.Repository{
			Signals:     postgres.NewSignalsRepo(pool, cfg.Signals),
			Performance: postgres.NewPerformanceRepo(pool, cfg.QueryTimeout),
			Alerts:      postgres.NewAlertsRepo(pool, cfg.QueryTimeout),
			Tickers:     postgres.NewTickersRepo(pool, cfg.QueryTimeout),
		},
	}
}

// Repository returns the repository collection.
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// Ping tests connectivity for health checks.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Stats exposes pool occupancy for the monitor endpoint.
func (m *Manager) Stats() map[string]any {
	s := m.db.Stats()
	return map[string]any{
		"max_open_connections": s.MaxOpenConnections,
		"open_connections":     s.OpenConnections,
		"in_use":               s.InUse,
		"idle":                 s.Idle,
		"wait_count":           s.WaitCount,
		"wait_duration_ms":     s.WaitDuration.Milliseconds(),
	}
}

// Close releases the pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
