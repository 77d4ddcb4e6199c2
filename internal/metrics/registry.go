// Package metrics holds the engine's Prometheus registry: scan phase
// timings, cache occupancy, provider request accounting and store write
// counters. The monitor server exposes it at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles every metric the engine records.
type Registry struct {
	registry *prometheus.Registry

	PhaseDuration *prometheus.HistogramVec
	ScansTotal    *prometheus.CounterVec
	ActiveScans   prometheus.Gauge

	SignalsDetected  *prometheus.CounterVec
	SignalsPersisted *prometheus.CounterVec
	AlertsEmitted    *prometheus.CounterVec

	ProviderRequests  *prometheus.CounterVec
	ProviderRateLimit prometheus.Counter

	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	StoreWrites *prometheus.CounterVec
}

// NewRegistry builds and registers all engine metrics on a private registry.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signalrun_scan_phase_duration_seconds",
			Help:    "Duration of each scan phase",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"phase"}),

		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrun_scans_total",
			Help: "Completed scans by strategy and outcome",
		}, []string{"strategy", "outcome"}),

		ActiveScans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalrun_active_scans",
			Help: "Scans currently in flight",
		}),

		SignalsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrun_signals_detected_total",
			Help: "Candidate signals emitted by detectors",
		}, []string{"strategy"}),

		SignalsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrun_signals_persisted_total",
			Help: "Signal rows written by lifecycle status",
		}, []string{"strategy", "status"}),

		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrun_alerts_emitted_total",
			Help: "Alert records written by strategy",
		}, []string{"strategy"}),

		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrun_provider_requests_total",
			Help: "Outbound provider requests by operation and outcome",
		}, []string{"op", "outcome"}),

		ProviderRateLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalrun_provider_rate_limited_total",
			Help: "Provider throttle responses absorbed by backoff",
		}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrun_cache_hits_total",
			Help: "Cache hits by tier",
		}, []string{"tier"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrun_cache_misses_total",
			Help: "Cache misses by tier",
		}, []string{"tier"}),

		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalrun_cache_hit_ratio",
			Help: "Overall cache hit ratio across tiers",
		}),

		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalrun_store_writes_total",
			Help: "Store write attempts by table and outcome",
		}, []string{"table", "outcome"}),
	}

	r.registry.MustRegister(
		r.PhaseDuration, r.ScansTotal, r.ActiveScans,
		r.SignalsDetected, r.SignalsPersisted, r.AlertsEmitted,
		r.ProviderRequests, r.ProviderRateLimit,
		r.CacheHits, r.CacheMisses, r.CacheHitRatio,
		r.StoreWrites,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordCacheHit bumps the tier's hit counter and refreshes the ratio gauge.
// Safe on a nil receiver so un-instrumented components can skip wiring.
func (r *Registry) RecordCacheHit(tier string) {
	if r == nil {
		return
	}
	r.CacheHits.WithLabelValues(tier).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss bumps the tier's miss counter and refreshes the ratio.
func (r *Registry) RecordCacheMiss(tier string) {
	if r == nil {
		return
	}
	r.CacheMisses.WithLabelValues(tier).Inc()
	r.updateCacheHitRatio()
}

// RecordProviderRequest counts one outbound provider call by operation and
// outcome ("ok", "no_data", "rate_limited", "error").
func (r *Registry) RecordProviderRequest(op, outcome string) {
	if r == nil {
		return
	}
	r.ProviderRequests.WithLabelValues(op, outcome).Inc()
}

// RecordProviderRateLimit counts one throttle response absorbed by backoff.
func (r *Registry) RecordProviderRateLimit() {
	if r == nil {
		return
	}
	r.ProviderRateLimit.Inc()
}

var cacheTiers = []string{"hot", "warm"}

// updateCacheHitRatio walks the counter DTOs and recomputes the global ratio.
func (r *Registry) updateCacheHitRatio() {
	var hits, misses float64
	m := &dto.Metric{}

	for _, tier := range cacheTiers {
		if c, err := r.CacheHits.GetMetricWithLabelValues(tier); err == nil {
			if err := c.Write(m); err == nil {
				hits += m.GetCounter().GetValue()
			}
		}
		if c, err := r.CacheMisses.GetMetricWithLabelValues(tier); err == nil {
			if err := c.Write(m); err == nil {
				misses += m.GetCounter().GetValue()
			}
		}
	}

	if total := hits + misses; total > 0 {
		r.CacheHitRatio.Set(hits / total)
	}
}

// ObservePhase records one phase duration in seconds.
func (r *Registry) ObservePhase(phase string, seconds float64) {
	r.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}
