// Package engine constructs and owns the component graph: calendar, rate
// limiter, fetcher, validator, scorer, detectors, continuity, repositories,
// tracker, alerts, metrics, and the scan orchestrator. The CLI builds one
// Engine per invocation and closes it on exit.
package engine

import (
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/alerts"
	"github.com/cqdev-co/signalrun/internal/calendar"
	"github.com/cqdev-co/signalrun/internal/config"
	"github.com/cqdev-co/signalrun/internal/continuity"
	"github.com/cqdev-co/signalrun/internal/detect"
	"github.com/cqdev-co/signalrun/internal/infrastructure/db"
	"github.com/cqdev-co/signalrun/internal/marketdata"
	"github.com/cqdev-co/signalrun/internal/metrics"
	"github.com/cqdev-co/signalrun/internal/persistence"
	"github.com/cqdev-co/signalrun/internal/persistence/memory"
	"github.com/cqdev-co/signalrun/internal/quality"
	"github.com/cqdev-co/signalrun/internal/ratelimit"
	"github.com/cqdev-co/signalrun/internal/scan"
	"github.com/cqdev-co/signalrun/internal/scoring"
	"github.com/cqdev-co/signalrun/internal/spread"
	"github.com/cqdev-co/signalrun/internal/tracker"
)

// Engine is the fully wired component graph.
type Engine struct {
	Cfg config.Config

	Calendar     calendar.TradingCalendar
	Limiter      *ratelimit.Limiter
	Fetcher      *marketdata.Fetcher
	Repos        *persistence.Repository
	Metrics      *metrics.Registry
	Tracker      *tracker.Tracker
	Emitter      *alerts.Emitter
	Orchestrator *scan.Orchestrator

	// DB is nil for offline runs without a DSN.
	DB *db.Manager

	redisClient *redis.Client
}

// New builds the graph from a validated configuration.
func New(cfg config.Config) (*Engine, error) {
	e := &Engine{Cfg: cfg, Metrics: metrics.NewRegistry()}

	cal, err := loadCalendar(cfg.CalendarPath)
	if err != nil {
		return nil, err
	}
	e.Calendar = cal

	e.Limiter = ratelimit.New(cfg.RateLimit)
	e.Fetcher = marketdata.NewFetcher(provider(cfg), e.Limiter, warmCache(cfg), e.Metrics, cfg.MarketData)

	if cfg.Database.DSN != "" {
		manager, err := db.NewManager(cfg.Database)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.DB = manager
		e.Repos = manager.Repository()
	} else {
		// Validated config only permits this offline.
		log.Warn().Msg("no database configured, using in-memory repositories")
		e.Repos = memory.NewRepository()
	}

	scorer, err := scoring.New(cfg.Scoring)
	if err != nil {
		e.Close()
		return nil, err
	}

	var deduper alerts.Deduper
	if cfg.Redis.Addr != "" {
		e.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		deduper = alerts.NewRedisDeduper(e.redisClient)
	}
	e.Emitter = alerts.NewEmitter(e.Repos.Alerts, deduper, cfg.Alerts)
	e.Tracker = tracker.New(e.Repos.Performance, e.Fetcher)

	e.Orchestrator = scan.NewOrchestrator(scan.Deps{
		Fetcher:    e.Fetcher,
		Validator:  quality.NewValidator(cfg.Quality),
		Detectors:  detect.NewSet(cfg.Detect),
		Scorer:     scorer,
		Spread:     spread.New(cfg.Spread),
		Continuity: continuity.New(e.Repos.Signals, cal),
		Repos:      e.Repos,
		Tracker:    e.Tracker,
		Emitter:    e.Emitter,
		Calendar:   cal,
		Metrics:    e.Metrics,
	}, cfg.Scan)

	return e, nil
}

// Close releases held resources. Safe on a partially constructed engine.
func (e *Engine) Close() {
	if e.Fetcher != nil {
		e.Fetcher.Close()
	}
	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("database close failed")
		}
	}
	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	}
}

func loadCalendar(path string) (calendar.TradingCalendar, error) {
	if path == "" {
		return calendar.Default(), nil
	}
	cal, err := calendar.Load(path)
	if err != nil {
		return nil, err
	}
	return cal, nil
}

func provider(cfg config.Config) marketdata.Provider {
	if cfg.Offline {
		log.Info().Msg("offline mode, using deterministic fake provider")
		return marketdata.NewFakeProvider()
	}
	return marketdata.NewYahooProvider(marketdata.DefaultYahooConfig())
}

func warmCache(cfg config.Config) *marketdata.WarmCache {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return marketdata.NewWarmCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}
