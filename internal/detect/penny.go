package detect

import (
	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/indicators"
)

// PennyConfig tunes the penny-stock explosion detector.
type PennyConfig struct {
	MinPrice       float64 `yaml:"min_price"`
	MaxPrice       float64 `yaml:"max_price"`
	MinDollarVol   float64 `yaml:"min_dollar_volume"`
	MinVolumeRatio float64 `yaml:"min_volume_ratio"`

	ConsolidationMinDays  int     `yaml:"consolidation_min_days"`
	ConsolidationMaxDays  int     `yaml:"consolidation_max_days"`
	ConsolidationMaxRange float64 `yaml:"consolidation_max_range_pct"`
	HigherLowsLookback    int     `yaml:"higher_lows_lookback"`
}

// DefaultPennyConfig returns the shipped explosion thresholds.
func DefaultPennyConfig() PennyConfig {
	return PennyConfig{
		MinPrice:              0.10,
		MaxPrice:              5.00,
		MinDollarVol:          100_000,
		MinVolumeRatio:        2.0,
		ConsolidationMinDays:  5,
		ConsolidationMaxDays:  20,
		ConsolidationMaxRange: 15,
		HigherLowsLookback:    20,
	}
}

func (c PennyConfig) withDefaults() PennyConfig {
	d := DefaultPennyConfig()
	if c.MinPrice <= 0 {
		c.MinPrice = d.MinPrice
	}
	if c.MaxPrice <= 0 {
		c.MaxPrice = d.MaxPrice
	}
	if c.MinDollarVol <= 0 {
		c.MinDollarVol = d.MinDollarVol
	}
	if c.MinVolumeRatio <= 0 {
		c.MinVolumeRatio = d.MinVolumeRatio
	}
	if c.ConsolidationMinDays <= 0 {
		c.ConsolidationMinDays = d.ConsolidationMinDays
	}
	if c.ConsolidationMaxDays <= 0 {
		c.ConsolidationMaxDays = d.ConsolidationMaxDays
	}
	if c.ConsolidationMaxRange <= 0 {
		c.ConsolidationMaxRange = d.ConsolidationMaxRange
	}
	if c.HigherLowsLookback <= 0 {
		c.HigherLowsLookback = d.HigherLowsLookback
	}
	return c
}

// PennyDetector looks for low-priced symbols waking up: unusual volume plus
// a base breakout or a higher-lows series.
type PennyDetector struct {
	cfg PennyConfig
}

func NewPennyDetector(cfg PennyConfig) *PennyDetector {
	return &PennyDetector{cfg: cfg.withDefaults()}
}

func (d *PennyDetector) Strategy() domain.Strategy { return domain.StrategyPennyExplosion }

func (d *PennyDetector) Detect(in Inputs) []domain.CandidateSignal {
	if len(in.Bars) == 0 {
		return nil
	}
	last := in.Bars[len(in.Bars)-1]
	close := last.Close

	if close < d.cfg.MinPrice || close > d.cfg.MaxPrice {
		return nil
	}
	if last.DollarVolume() < d.cfg.MinDollarVol {
		log.Debug().
			Str("symbol", in.Ticker.Symbol).
			Float64("dollar_volume", last.DollarVolume()).
			Msg("penny: dollar volume below floor")
		return nil
	}

	snap := indicators.Last(in.Snapshots)
	volumeRatio := 0.0
	if snap != nil && snap.VolumeRatio != nil {
		volumeRatio = *snap.VolumeRatio
	}

	consolidation := indicators.DetectConsolidation(in.Bars[:len(in.Bars)-1],
		d.cfg.ConsolidationMinDays, d.cfg.ConsolidationMaxDays, d.cfg.ConsolidationMaxRange)
	breakout := consolidation.InConsolidation && breakoutAbove(in.Bars, d.cfg.ConsolidationMaxDays)
	higherLows := indicators.DetectHigherLows(in.Bars, d.cfg.HigherLowsLookback)

	// At least one trigger: elevated volume, a base breakout, or higher lows.
	if volumeRatio < d.cfg.MinVolumeRatio && !breakout && !higherLows {
		return nil
	}

	accel := indicators.VolumeAcceleration(in.Bars, 5)
	consistency := indicators.VolumeConsistencyScore(in.Bars, 5, 1.5)
	greenDays := indicators.ConsecutiveGreenDays(in.Bars, 10)

	chg5 := priceChange(in.Bars, 5)
	chg10 := priceChange(in.Bars, 10)
	chg20 := priceChange(in.Bars, 20)

	volumeScore := clamp01(0.5*scale(volumeRatio, 1, 6) + 0.3*scale(accel, 0, 200) + 0.2*consistency)

	momentum := 0.4*scale(chg5, -0.05, 0.25) + 0.3*scale(chg10, -0.10, 0.40) + 0.2*scale(chg20, -0.15, 0.60)
	if snap != nil && snap.EMA20 != nil && close > *snap.EMA20 {
		momentum += 0.1
	}
	momentum = clamp01(momentum)

	benchRet := benchmarkReturn(in.Benchmark, 20)
	relStrength := scale(chg20-benchRet, -0.10, 0.30)

	scores := domain.ComponentScores{
		Volume:   domain.Score(volumeScore),
		Momentum: domain.Score(momentum),
		Risk:     domain.Score(in.QualityScore),
	}
	if len(in.Benchmark) > 0 {
		scores.RelativeStrength = domain.Score(relStrength)
	}

	payload := domain.PennyPayload{
		VolumeRatio:          volumeRatio,
		DollarVolume:         last.DollarVolume(),
		PriceChange5d:        chg5 * 100,
		PriceChange10d:       chg10 * 100,
		PriceChange20d:       chg20 * 100,
		ConsolidationDays:    consolidation.Days,
		ConsolidationRange:   consolidation.RangePct,
		BreakoutFromBase:     breakout,
		HigherLows:           higherLows,
		ConsecutiveGreenDays: greenDays,
		VolumeAcceleration:   accel,
		BenchmarkReturn20d:   benchRet * 100,
	}

	return []domain.CandidateSignal{{
		Symbol:        in.Ticker.Symbol,
		Strategy:      domain.StrategyPennyExplosion,
		ClosePrice:    close,
		Country:       in.Ticker.Country,
		Scores:        scores,
		VolumeRatio:   volumeRatio,
		StopLossLevel: pennyStop(in.Bars, close),
		Payload:       payload,
	}}
}

// breakoutAbove reports whether the latest close clears the highest high of
// the preceding window.
func breakoutAbove(bars []domain.Bar, window int) bool {
	if len(bars) < 2 {
		return false
	}
	last := bars[len(bars)-1]
	start := len(bars) - 1 - window
	if start < 0 {
		start = 0
	}
	high := 0.0
	for _, b := range bars[start : len(bars)-1] {
		if b.High > high {
			high = b.High
		}
	}
	return high > 0 && last.Close > high
}

// pennyStop uses the lowest low of the last 10 bars, floored at 15% below
// the close so a spike day does not park the stop at the entry.
func pennyStop(bars []domain.Bar, close float64) float64 {
	start := len(bars) - 10
	if start < 0 {
		start = 0
	}
	low := close
	for _, b := range bars[start:] {
		if b.Low < low {
			low = b.Low
		}
	}
	if floor := close * 0.85; low < floor {
		low = floor
	}
	if low >= close {
		low = close * 0.90
	}
	return low
}
