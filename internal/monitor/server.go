// Package monitor serves the operational HTTP surface: liveness, Prometheus
// metrics, and the latest scan report.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/metrics"
	"github.com/cqdev-co/signalrun/internal/scan"
)

// Pinger is the slice of the database manager the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
	Stats() map[string]any
}

// BreakerReporter exposes the market-data circuit state.
type BreakerReporter interface {
	BreakerState() string
}

// Config tunes the monitor server.
type Config struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the standard monitor profile.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8090",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Server is the monitor HTTP server. Construct with NewServer, publish
// reports with SetReport, run with ListenAndServe.
type Server struct {
	cfg     Config
	db      Pinger
	breaker BreakerReporter
	reg     *metrics.Registry
	httpSrv *http.Server

	lastReport atomic.Pointer[scan.Report]
}

func NewServer(cfg Config, db Pinger, breaker BreakerReporter, reg *metrics.Registry) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		db:      db,
		breaker: breaker,
		reg:     reg,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      r,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s
}

// SetReport publishes the latest scan report for /status.
func (s *Server) SetReport(r *scan.Report) {
	s.lastReport.Store(r)
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("monitor server listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type healthResponse struct {
	Status   string         `json:"status"`
	Database string         `json:"database"`
	Breaker  string         `json:"breaker,omitempty"`
	Pool     map[string]any `json:"pool,omitempty"`
	Time     time.Time      `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok", Time: time.Now().UTC()}
	code := http.StatusOK

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp.Pool = s.db.Stats()
		}
	}
	if s.breaker != nil {
		resp.Breaker = s.breaker.BreakerState()
		if resp.Breaker == "open" {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := s.lastReport.Load()
	if report == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no scan has completed yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("monitor response encode failed")
	}
}
