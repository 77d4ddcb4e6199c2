package detect

import (
	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/indicators"
)

// SqueezeConfig tunes the volatility-squeeze detector.
type SqueezeConfig struct {
	// MaxWidthPercentile is the BB-width percentile at or below which a bar
	// counts as squeezed.
	MaxWidthPercentile float64 `yaml:"max_width_percentile"`

	// MinConsecutiveBars is how many trailing bars must be squeezed before
	// the symbol fires.
	MinConsecutiveBars int `yaml:"min_consecutive_bars"`

	// MinVolumeRatio gates out symbols with no volume interest at all.
	MinVolumeRatio float64 `yaml:"min_volume_ratio"`
}

// DefaultSqueezeConfig returns the shipped squeeze thresholds.
func DefaultSqueezeConfig() SqueezeConfig {
	return SqueezeConfig{
		MaxWidthPercentile: 20,
		MinConsecutiveBars: 3,
		MinVolumeRatio:     0.3,
	}
}

func (c SqueezeConfig) withDefaults() SqueezeConfig {
	d := DefaultSqueezeConfig()
	if c.MaxWidthPercentile <= 0 {
		c.MaxWidthPercentile = d.MaxWidthPercentile
	}
	if c.MinConsecutiveBars <= 0 {
		c.MinConsecutiveBars = d.MinConsecutiveBars
	}
	if c.MinVolumeRatio <= 0 {
		c.MinVolumeRatio = d.MinVolumeRatio
	}
	return c
}

// SqueezeDetector flags symbols whose Bollinger width has been pinned in the
// bottom percentile band for several consecutive sessions.
type SqueezeDetector struct {
	cfg SqueezeConfig
}

func NewSqueezeDetector(cfg SqueezeConfig) *SqueezeDetector {
	return &SqueezeDetector{cfg: cfg.withDefaults()}
}

func (d *SqueezeDetector) Strategy() domain.Strategy { return domain.StrategySqueeze }

// Detect emits at most one candidate per symbol.
func (d *SqueezeDetector) Detect(in Inputs) []domain.CandidateSignal {
	last := indicators.Last(in.Snapshots)
	if last == nil || last.BBWidthPercentile == nil || last.BBWidth == nil ||
		last.BBUpper == nil || last.BBLower == nil || last.EMA20 == nil || last.EMA50 == nil {
		log.Debug().Str("symbol", in.Ticker.Symbol).Msg("squeeze: insufficient indicator history")
		return nil
	}

	daysIn := d.daysInSqueeze(in.Snapshots)
	if daysIn < d.cfg.MinConsecutiveBars {
		return nil
	}

	close := last.Close
	if close <= 0 {
		return nil
	}

	volumeRatio := 0.0
	if last.VolumeRatio != nil {
		volumeRatio = *last.VolumeRatio
	}
	if volumeRatio < d.cfg.MinVolumeRatio {
		log.Debug().
			Str("symbol", in.Ticker.Symbol).
			Float64("volume_ratio", volumeRatio).
			Msg("squeeze: volume too thin")
		return nil
	}

	percentile := *last.BBWidthPercentile
	depth := 100 - percentile
	trendAligned := close > *last.EMA20 && *last.EMA20 > *last.EMA50

	// Tightness: deeper squeezes score higher. Trend alignment and MACD
	// posture drive momentum; volume ratio confirms participation.
	tightness := clamp01(depth / 100)
	momentum := 0.3
	if trendAligned {
		momentum = 0.8
	} else if close > *last.EMA20 {
		momentum = 0.55
	}
	if last.MACDHistogram != nil && *last.MACDHistogram > 0 {
		momentum = clamp01(momentum + 0.15)
	}
	volumeScore := scale(volumeRatio, d.cfg.MinVolumeRatio, 3)

	scores := domain.ComponentScores{
		Volume:   domain.Score(volumeScore),
		Momentum: domain.Score(momentum),
		Risk:     domain.Score(tightness),
	}
	if len(in.Benchmark) > 0 {
		symRet := priceChange(in.Bars, 20)
		benchRet := benchmarkReturn(in.Benchmark, 20)
		scores.RelativeStrength = domain.Score(scale(symRet-benchRet, -0.10, 0.10))
	}

	payload := domain.SqueezePayload{
		BBWidth:            *last.BBWidth,
		BBWidthPercentile:  percentile,
		DaysInSqueeze:      daysIn,
		SqueezeDepth:       depth,
		DistanceToUpperPct: (*last.BBUpper - close) / close * 100,
		DistanceToLowerPct: (close - *last.BBLower) / close * 100,
		EMA20:              *last.EMA20,
		EMA50:              *last.EMA50,
		TrendAligned:       trendAligned,
		VolumeRatio:        volumeRatio,
	}

	return []domain.CandidateSignal{{
		Symbol:        in.Ticker.Symbol,
		Strategy:      domain.StrategySqueeze,
		ClosePrice:    close,
		Country:       in.Ticker.Country,
		Scores:        scores,
		VolumeRatio:   volumeRatio,
		StopLossLevel: stopFromBand(close, *last.BBLower, last.ATR20),
		Payload:       payload,
	}}
}

// daysInSqueeze counts the trailing run of snapshots whose width percentile
// sits at or below the threshold.
func (d *SqueezeDetector) daysInSqueeze(snaps []indicators.Snapshot) int {
	run := 0
	for i := len(snaps) - 1; i >= 0; i-- {
		p := snaps[i].BBWidthPercentile
		if p == nil || *p > d.cfg.MaxWidthPercentile {
			break
		}
		run++
	}
	return run
}

// stopFromBand places the stop at the lower band, but never deeper than two
// ATRs below the close.
func stopFromBand(close, lower float64, atr *float64) float64 {
	stop := lower
	if atr != nil {
		if floor := close - 2**atr; floor > stop {
			stop = floor
		}
	}
	if stop >= close || stop <= 0 {
		stop = close * 0.92
	}
	return stop
}
