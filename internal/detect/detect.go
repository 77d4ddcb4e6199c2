// Package detect holds the per-strategy signal detectors. Each detector is
// CPU-only and side-effect-free: it consumes prefetched inputs and emits zero
// or more candidate signals with component scores for the scorer to compose.
// Unprocessable symbols yield zero candidates and a debug log line, never an
// error.
package detect

import (
	"fmt"
	"time"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/indicators"
)

// RedditMentions is the aggregated social snapshot for one symbol over the
// scan window. Per-mention rows never reach the engine.
type RedditMentions struct {
	Mentions24h       int     `json:"mentions_24h"`
	Mentions7d        int     `json:"mentions_7d"`
	QualityMentions   int     `json:"quality_mentions"`
	SentimentPolarity float64 `json:"sentiment_polarity"`
}

// Inputs carries everything a detector may consume for one symbol. Fetching
// happens upstream; detectors must not reach out.
type Inputs struct {
	Ticker    domain.Ticker
	Bars      []domain.Bar
	Snapshots []indicators.Snapshot

	// QualityScore is the validator's data_quality_score in [0,1].
	QualityScore float64

	// Benchmark holds the reference series (SPY) for relative strength.
	Benchmark []domain.Bar

	// Chain is set for options strategies only.
	Chain []domain.OptionsContract

	// Mentions is set for the reddit strategy only.
	Mentions *RedditMentions

	AsOf time.Time
}

// Detector is one strategy's detection logic.
type Detector interface {
	Strategy() domain.Strategy
	Detect(in Inputs) []domain.CandidateSignal
}

// Config aggregates per-detector tuning.
type Config struct {
	Squeeze SqueezeConfig `yaml:"squeeze"`
	Penny   PennyConfig   `yaml:"penny"`
	Options OptionsConfig `yaml:"options"`
	Reddit  RedditConfig  `yaml:"reddit"`
}

// DefaultConfig returns the shipped detector thresholds.
func DefaultConfig() Config {
	return Config{
		Squeeze: DefaultSqueezeConfig(),
		Penny:   DefaultPennyConfig(),
		Options: DefaultOptionsConfig(),
		Reddit:  DefaultRedditConfig(),
	}
}

// Set holds one detector per strategy.
type Set struct {
	detectors map[domain.Strategy]Detector
}

// NewSet builds the full detector set from config.
func NewSet(cfg Config) *Set {
	s := &Set{detectors: make(map[domain.Strategy]Detector, 4)}
	for _, d := range []Detector{
		NewSqueezeDetector(cfg.Squeeze),
		NewPennyDetector(cfg.Penny),
		NewOptionsFlowDetector(cfg.Options),
		NewRedditDetector(cfg.Reddit),
	} {
		s.detectors[d.Strategy()] = d
	}
	return s
}

// ForStrategy returns the detector for one strategy.
func (s *Set) ForStrategy(strategy domain.Strategy) (Detector, error) {
	d, ok := s.detectors[strategy]
	if !ok {
		return nil, fmt.Errorf("no detector registered for strategy %q", strategy)
	}
	return d, nil
}

// benchmarkReturn computes the benchmark's close-over-close return across the
// last `days` bars, as a fraction. Returns 0 when the series is too short.
func benchmarkReturn(bench []domain.Bar, days int) float64 {
	if len(bench) <= days || days <= 0 {
		return 0
	}
	past := bench[len(bench)-1-days].Close
	if past == 0 {
		return 0
	}
	return (bench[len(bench)-1].Close - past) / past
}

// priceChange computes close-over-close change across the last `days` bars,
// as a fraction.
func priceChange(bars []domain.Bar, days int) float64 {
	if len(bars) <= days || days <= 0 {
		return 0
	}
	past := bars[len(bars)-1-days].Close
	if past == 0 {
		return 0
	}
	return (bars[len(bars)-1].Close - past) / past
}

// scale maps v linearly from [lo, hi] onto [0, 1], clamped.
func scale(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	out := (v - lo) / (hi - lo)
	if out < 0 {
		return 0
	}
	if out > 1 {
		return 1
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
