// Package ratelimit gates outbound market-data requests behind per-minute
// and per-hour ceilings with exponential backoff after provider 429s. All
// fetch workers share one Limiter; every outbound call acquires a slot
// before dialing.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config carries the request ceilings and backoff curve.
type Config struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RequestsPerHour   int           `yaml:"requests_per_hour"`
	MinInterval       time.Duration `yaml:"min_interval"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxRetries        int           `yaml:"max_retries"`
}

// DefaultConfig mirrors the free-tier budget of the upstream provider.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		RequestsPerHour:   1800,
		MinInterval:       250 * time.Millisecond,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        2 * time.Minute,
		BackoffMultiplier: 2.0,
		MaxRetries:        3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = d.RequestsPerMinute
	}
	if c.RequestsPerHour <= 0 {
		c.RequestsPerHour = d.RequestsPerHour
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

// Limiter is safe for concurrent use. Window deques and counters are only
// touched under mu.
type Limiter struct {
	cfg Config

	mu           sync.Mutex
	minute       []time.Time
	hour         []time.Time
	last         time.Time
	failures     int
	backoffUntil time.Time

	now func() time.Time
}

// New builds a Limiter with zero-value fields filled from DefaultConfig.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// Acquire blocks until a request slot is available: minimum inter-request
// spacing elapsed, both windows under their ceilings, and any active backoff
// expired. The request timestamp is recorded atomically with admission.
// Returns ctx.Err() if the context ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		wait := l.waitLocked(now)
		if wait <= 0 {
			l.admitLocked(now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		log.Debug().
			Dur("wait", wait).
			Msg("rate limiter suspending request")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// waitLocked returns the longest remaining wait across all admission gates,
// or <=0 when a slot is free. Pruning happens here so both windows always
// reflect the current instant.
func (l *Limiter) waitLocked(now time.Time) time.Duration {
	l.minute = prune(l.minute, now.Add(-time.Minute))
	l.hour = prune(l.hour, now.Add(-time.Hour))

	var wait time.Duration
	if !l.last.IsZero() {
		if d := l.last.Add(l.cfg.MinInterval).Sub(now); d > wait {
			wait = d
		}
	}
	if len(l.minute) >= l.cfg.RequestsPerMinute {
		if d := l.minute[0].Add(time.Minute).Sub(now); d > wait {
			wait = d
		}
	}
	if len(l.hour) >= l.cfg.RequestsPerHour {
		if d := l.hour[0].Add(time.Hour).Sub(now); d > wait {
			wait = d
		}
	}
	if d := l.backoffUntil.Sub(now); d > wait {
		wait = d
	}
	return wait
}

func (l *Limiter) admitLocked(now time.Time) {
	l.minute = append(l.minute, now)
	l.hour = append(l.hour, now)
	l.last = now
}

// prune drops timestamps at or before cutoff. Deques are ordered oldest
// first, so the first retained index ends the scan.
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

// RecordSuccess clears the backoff state after a request round-trips.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		log.Debug().Int("cleared_failures", l.failures).Msg("rate limiter backoff cleared")
	}
	l.failures = 0
	l.backoffUntil = time.Time{}
}

// RecordRateLimitError registers a provider 429, extends the backoff
// exponentially, and returns the new backoff duration. The k-th consecutive
// error yields min(initial * multiplier^(k-1), max).
func (l *Limiter) RecordRateLimitError() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures++
	backoff := time.Duration(float64(l.cfg.InitialBackoff) * math.Pow(l.cfg.BackoffMultiplier, float64(l.failures-1)))
	if backoff > l.cfg.MaxBackoff {
		backoff = l.cfg.MaxBackoff
	}
	l.backoffUntil = l.now().Add(backoff)

	log.Warn().
		Int("consecutive_failures", l.failures).
		Dur("backoff", backoff).
		Msg("rate limit error recorded")
	return backoff
}

// ShouldRetry reports whether the consecutive-error count is still within
// the retry budget.
func (l *Limiter) ShouldRetry() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures <= l.cfg.MaxRetries
}

// Status is a point-in-time view for diagnostics and the scan report.
type Status struct {
	MinuteUsed          int           `json:"minute_used"`
	MinuteLimit         int           `json:"minute_limit"`
	HourUsed            int           `json:"hour_used"`
	HourLimit           int           `json:"hour_limit"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BackoffRemaining    time.Duration `json:"backoff_remaining"`
}

// Status reports current window occupancy and backoff state.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.minute = prune(l.minute, now.Add(-time.Minute))
	l.hour = prune(l.hour, now.Add(-time.Hour))

	s := Status{
		MinuteUsed:          len(l.minute),
		MinuteLimit:         l.cfg.RequestsPerMinute,
		HourUsed:            len(l.hour),
		HourLimit:           l.cfg.RequestsPerHour,
		ConsecutiveFailures: l.failures,
	}
	if rem := l.backoffUntil.Sub(now); rem > 0 {
		s.BackoffRemaining = rem
	}
	return s
}
