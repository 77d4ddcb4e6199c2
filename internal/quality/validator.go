// Package quality gates symbols on OHLCV data quality before detection.
// Gating checks reject a symbol outright; weighted checks fold into a
// data_quality_score in [0,1] that travels with the signal.
package quality

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// Gate failure reasons, stable strings reported in scan output.
const (
	ReasonInsufficientHistory = "insufficient_history"
	ReasonStaleData           = "stale_data"
	ReasonLowVolume           = "low_volume"
	ReasonPriceOutOfBand      = "price_out_of_band"
	ReasonExcessiveGaps       = "excessive_gaps"
	ReasonSuspiciousMoves     = "suspicious_movements"
)

// Config holds gate thresholds and weighted-check floors.
type Config struct {
	MinHistoryBars       int     `yaml:"min_history_bars"`
	MaxRecencyDays       int     `yaml:"max_recency_days"`
	MinAvgVolume         float64 `yaml:"min_avg_volume"`
	MinPrice             float64 `yaml:"min_price"`
	MaxPrice             float64 `yaml:"max_price"`
	MaxGapRatio          float64 `yaml:"max_gap_ratio"`
	MaxSuspiciousRatio   float64 `yaml:"max_suspicious_ratio"`
	MinCompleteness      float64 `yaml:"min_completeness"`
	MinPriceStability    float64 `yaml:"min_price_stability"`
	MinVolumeConsistency float64 `yaml:"min_volume_consistency"`
}

// DefaultConfig returns the standard equity-scan thresholds.
func DefaultConfig() Config {
	return Config{
		MinHistoryBars:       90,
		MaxRecencyDays:       5,
		MinAvgVolume:         10_000,
		MinPrice:             0.5,
		MaxPrice:             10_000,
		MaxGapRatio:          0.10,
		MaxSuspiciousRatio:   0.01,
		MinCompleteness:      0.85,
		MinPriceStability:    0.2,
		MinVolumeConsistency: 0.3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinHistoryBars <= 0 {
		c.MinHistoryBars = d.MinHistoryBars
	}
	if c.MaxRecencyDays <= 0 {
		c.MaxRecencyDays = d.MaxRecencyDays
	}
	if c.MinAvgVolume <= 0 {
		c.MinAvgVolume = d.MinAvgVolume
	}
	if c.MinPrice <= 0 {
		c.MinPrice = d.MinPrice
	}
	if c.MaxPrice <= 0 {
		c.MaxPrice = d.MaxPrice
	}
	if c.MaxGapRatio <= 0 {
		c.MaxGapRatio = d.MaxGapRatio
	}
	if c.MaxSuspiciousRatio <= 0 {
		c.MaxSuspiciousRatio = d.MaxSuspiciousRatio
	}
	if c.MinCompleteness <= 0 {
		c.MinCompleteness = d.MinCompleteness
	}
	if c.MinPriceStability <= 0 {
		c.MinPriceStability = d.MinPriceStability
	}
	if c.MinVolumeConsistency <= 0 {
		c.MinVolumeConsistency = d.MinVolumeConsistency
	}
	return c
}

// Weighted-check point budget. Scores normalize against the attainable
// maximum so data_quality_score spans the full [0,1].
const (
	pointsCompleteness      = 20.0
	pointsOHLCValidity      = 15.0
	pointsPriceStability    = 25.0
	pointsVolumeConsistency = 25.0
	maxPoints               = pointsCompleteness + pointsOHLCValidity + pointsPriceStability + pointsVolumeConsistency
)

// Metrics carries the raw numbers behind a verdict, for logs and reports.
type Metrics struct {
	Bars              int     `json:"bars"`
	LastPrice         float64 `json:"last_price"`
	AvgVolume         float64 `json:"avg_volume"`
	GapRatio          float64 `json:"gap_ratio"`
	SuspiciousMoves   int     `json:"suspicious_moves"`
	Completeness      float64 `json:"completeness"`
	CorrectedBars     int     `json:"corrected_bars"`
	InvalidBars       int     `json:"invalid_bars"`
	PriceStability    float64 `json:"price_stability"`
	VolumeConsistency float64 `json:"volume_consistency"`
}

// Result is the verdict for one symbol. Bars holds the series with safe
// OHLC corrections applied; downstream phases consume it instead of the
// raw input.
type Result struct {
	Symbol  string   `json:"symbol"`
	Passed  bool     `json:"passed"`
	Score   float64  `json:"data_quality_score"`
	Reasons []string `json:"reasons,omitempty"`
	Metrics Metrics  `json:"metrics"`
	Bars    []domain.Bar
}

// Validator applies the quality checks. Stateless and safe for concurrent
// use across scan workers.
type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// Validate runs all gates and weighted checks for one symbol as of the scan
// date. Gating failures reject the symbol; weighted checks only shape the
// score.
func (v *Validator) Validate(symbol string, bars []domain.Bar, asOf time.Time) Result {
	res := Result{Symbol: symbol}
	res.Metrics.Bars = len(bars)

	if len(bars) < v.cfg.MinHistoryBars {
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s: %d bars < %d", ReasonInsufficientHistory, len(bars), v.cfg.MinHistoryBars))
		log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("quality gate: insufficient history")
		return res
	}

	corrected, nCorrected, nInvalid := correctSeries(bars)
	res.Bars = corrected
	res.Metrics.CorrectedBars = nCorrected
	res.Metrics.InvalidBars = nInvalid

	last := corrected[len(corrected)-1]
	res.Metrics.LastPrice = last.Close

	// Gates.
	if age := domain.Date(asOf).Sub(domain.Date(last.Timestamp)); age > time.Duration(v.cfg.MaxRecencyDays)*24*time.Hour {
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s: last bar %s", ReasonStaleData, last.Timestamp.Format("2006-01-02")))
	}

	res.Metrics.AvgVolume = meanVolume(corrected)
	if res.Metrics.AvgVolume < v.cfg.MinAvgVolume {
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s: avg %.0f < %.0f", ReasonLowVolume, res.Metrics.AvgVolume, v.cfg.MinAvgVolume))
	}

	if last.Close < v.cfg.MinPrice || last.Close > v.cfg.MaxPrice {
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s: %.4f outside [%.2f, %.2f]", ReasonPriceOutOfBand, last.Close, v.cfg.MinPrice, v.cfg.MaxPrice))
	}

	res.Metrics.GapRatio = gapRatio(corrected)
	if res.Metrics.GapRatio > v.cfg.MaxGapRatio {
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s: gap ratio %.2f", ReasonExcessiveGaps, res.Metrics.GapRatio))
	}

	res.Metrics.SuspiciousMoves = countSuspiciousMoves(corrected)
	if float64(res.Metrics.SuspiciousMoves)/float64(len(corrected)) >= v.cfg.MaxSuspiciousRatio {
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s: %d flagged bars", ReasonSuspiciousMoves, res.Metrics.SuspiciousMoves))
	}

	// Weighted score, computed even for rejected symbols so reports can
	// show how close a symbol came.
	points := 0.0

	res.Metrics.Completeness = completeness(corrected)
	if res.Metrics.Completeness >= v.cfg.MinCompleteness {
		points += pointsCompleteness
	}

	if nInvalid == 0 {
		points += pointsOHLCValidity
	}

	res.Metrics.PriceStability = priceStability(corrected)
	if res.Metrics.PriceStability >= v.cfg.MinPriceStability {
		points += pointsPriceStability * res.Metrics.PriceStability
	}

	res.Metrics.VolumeConsistency = volumeConsistency(corrected)
	if res.Metrics.VolumeConsistency >= v.cfg.MinVolumeConsistency {
		points += pointsVolumeConsistency * res.Metrics.VolumeConsistency
	}

	res.Score = points / maxPoints
	res.Passed = len(res.Reasons) == 0

	if !res.Passed {
		log.Debug().
			Str("symbol", symbol).
			Strs("reasons", res.Reasons).
			Float64("score", res.Score).
			Msg("quality gate rejected symbol")
	}
	return res
}

// correctSeries clamps inverted OHLC fields where the fix is unambiguous
// and counts bars that stay invalid (non-positive prices cannot be saved).
func correctSeries(bars []domain.Bar) (out []domain.Bar, corrected, invalid int) {
	out = make([]domain.Bar, len(bars))
	copy(out, bars)
	for i := range out {
		b := &out[i]
		if b.Open <= 0 || b.Close <= 0 {
			invalid++
			continue
		}
		fixed := false
		if hi := math.Max(b.Open, b.Close); b.High < hi {
			b.High = hi
			fixed = true
		}
		if lo := math.Min(b.Open, b.Close); b.Low > lo {
			b.Low = lo
			fixed = true
		}
		if fixed {
			corrected++
		}
		if b.Volume < 0 {
			invalid++
		}
	}
	return out, corrected, invalid
}

// gapRatio reports the fraction of expected weekdays between the first and
// last bar that have no bar. Holidays are not modeled here, so a few
// percent of slack is normal.
func gapRatio(bars []domain.Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	expected := 0
	for d := domain.Date(bars[0].Timestamp); !d.After(domain.Date(bars[len(bars)-1].Timestamp)); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			expected++
		}
	}
	if expected == 0 {
		return 0
	}
	missing := expected - len(bars)
	if missing < 0 {
		missing = 0
	}
	return float64(missing) / float64(expected)
}

// countSuspiciousMoves counts single-day returns beyond +-50%, or gains
// over 20% paired with a 5x volume jump.
func countSuspiciousMoves(bars []domain.Bar) int {
	count := 0
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1]
		if prev.Close <= 0 {
			continue
		}
		r := bars[i].Close/prev.Close - 1
		if math.Abs(r) > 0.5 {
			count++
			continue
		}
		if r > 0.2 && prev.Volume > 0 && bars[i].Volume > 5*prev.Volume {
			count++
		}
	}
	return count
}

func completeness(bars []domain.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	complete := 0
	for _, b := range bars {
		if b.Open > 0 && b.High > 0 && b.Low > 0 && b.Close > 0 && b.Volume > 0 {
			complete++
		}
	}
	return float64(complete) / float64(len(bars))
}

// priceStability is 1 - stddev(daily returns)/0.1, clamped to [0,1]. A
// series with 10% daily noise scores zero.
func priceStability(bars []domain.Bar) float64 {
	returns := dailyReturns(bars)
	if len(returns) < 2 {
		return 0
	}
	return clamp01(1 - stddev(returns)/0.1)
}

// volumeConsistency is 1 - CV/3 where CV is the volume coefficient of
// variation, clamped to [0,1].
func volumeConsistency(bars []domain.Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	vols := make([]float64, len(bars))
	for i, b := range bars {
		vols[i] = b.Volume
	}
	m := mean(vols)
	if m <= 0 {
		return 0
	}
	return clamp01(1 - stddev(vols)/m/3)
}

func dailyReturns(bars []domain.Bar) []float64 {
	var returns []float64
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close <= 0 {
			continue
		}
		returns = append(returns, bars[i].Close/bars[i-1].Close-1)
	}
	return returns
}

func meanVolume(bars []domain.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars {
		sum += b.Volume
	}
	return sum / float64(len(bars))
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)-1))
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
