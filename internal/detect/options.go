package detect

import (
	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// OptionsConfig tunes the unusual-options-flow detector.
type OptionsConfig struct {
	// MinVolumeOIRatio is the volume-over-open-interest multiple a contract
	// must clear.
	MinVolumeOIRatio float64 `yaml:"min_volume_oi_ratio"`

	// Premium floors by underlying market-cap bucket.
	MinPremiumLargeCap float64 `yaml:"min_premium_large_cap"`
	MinPremiumMidCap   float64 `yaml:"min_premium_mid_cap"`
	MinPremiumSmallCap float64 `yaml:"min_premium_small_cap"`

	// LargeCapFloor and MidCapFloor split the buckets.
	LargeCapFloor float64 `yaml:"large_cap_floor"`
	MidCapFloor   float64 `yaml:"mid_cap_floor"`

	MinDaysToExpiry  int     `yaml:"min_days_to_expiry"`
	MaxDaysToExpiry  int     `yaml:"max_days_to_expiry"`
	MinAggressivePct float64 `yaml:"min_aggressive_pct"`
}

// DefaultOptionsConfig returns the shipped flow thresholds.
func DefaultOptionsConfig() OptionsConfig {
	return OptionsConfig{
		MinVolumeOIRatio:   2.0,
		MinPremiumLargeCap: 1_000_000,
		MinPremiumMidCap:   250_000,
		MinPremiumSmallCap: 50_000,
		LargeCapFloor:      10e9,
		MidCapFloor:        2e9,
		MinDaysToExpiry:    7,
		MaxDaysToExpiry:    45,
		MinAggressivePct:   0.65,
	}
}

func (c OptionsConfig) withDefaults() OptionsConfig {
	d := DefaultOptionsConfig()
	if c.MinVolumeOIRatio <= 0 {
		c.MinVolumeOIRatio = d.MinVolumeOIRatio
	}
	if c.MinPremiumLargeCap <= 0 {
		c.MinPremiumLargeCap = d.MinPremiumLargeCap
	}
	if c.MinPremiumMidCap <= 0 {
		c.MinPremiumMidCap = d.MinPremiumMidCap
	}
	if c.MinPremiumSmallCap <= 0 {
		c.MinPremiumSmallCap = d.MinPremiumSmallCap
	}
	if c.LargeCapFloor <= 0 {
		c.LargeCapFloor = d.LargeCapFloor
	}
	if c.MidCapFloor <= 0 {
		c.MidCapFloor = d.MidCapFloor
	}
	if c.MinDaysToExpiry <= 0 {
		c.MinDaysToExpiry = d.MinDaysToExpiry
	}
	if c.MaxDaysToExpiry <= 0 {
		c.MaxDaysToExpiry = d.MaxDaysToExpiry
	}
	if c.MinAggressivePct <= 0 {
		c.MinAggressivePct = d.MinAggressivePct
	}
	return c
}

// OptionsFlowDetector flags contracts whose volume dwarfs their open
// interest with urgent expiries and aggressive orders. One candidate per
// qualifying contract, keyed by option symbol.
type OptionsFlowDetector struct {
	cfg OptionsConfig
}

func NewOptionsFlowDetector(cfg OptionsConfig) *OptionsFlowDetector {
	return &OptionsFlowDetector{cfg: cfg.withDefaults()}
}

func (d *OptionsFlowDetector) Strategy() domain.Strategy { return domain.StrategyUnusualOptions }

func (d *OptionsFlowDetector) Detect(in Inputs) []domain.CandidateSignal {
	if len(in.Chain) == 0 {
		return nil
	}
	premiumFloor := d.premiumFloor(in.Ticker.MarketCap)

	var out []domain.CandidateSignal
	for _, c := range in.Chain {
		ratio := c.VolumeOIRatio()
		if ratio < d.cfg.MinVolumeOIRatio {
			continue
		}
		if c.PremiumFlow < premiumFloor {
			continue
		}
		if c.DaysToExpiry < d.cfg.MinDaysToExpiry || c.DaysToExpiry > d.cfg.MaxDaysToExpiry {
			continue
		}
		if c.AggressiveOrderPct < d.cfg.MinAggressivePct {
			continue
		}
		if c.OptionSymbol == "" {
			log.Debug().Str("underlying", in.Ticker.Symbol).Msg("options: contract without symbol skipped")
			continue
		}

		suspicion := d.suspicionScore(c, premiumFloor)

		// Premium size and vol/OI drive volume; DTE urgency drives momentum;
		// buyer aggressiveness stands in for relative strength; IV sanity
		// feeds risk.
		scores := domain.ComponentScores{
			Volume:           domain.Score(clamp01(0.6*scale(ratio, d.cfg.MinVolumeOIRatio, 10) + 0.4*scale(c.PremiumFlow, premiumFloor, premiumFloor*20))),
			Momentum:         domain.Score(dteUrgency(c.DaysToExpiry, d.cfg.MinDaysToExpiry, d.cfg.MaxDaysToExpiry)),
			RelativeStrength: domain.Score(scale(c.AggressiveOrderPct, d.cfg.MinAggressivePct, 1)),
			Risk:             domain.Score(1 - scale(c.ImpliedVolatility, 1.0, 4.0)),
		}

		expiry := domain.Date(c.Expiry)
		payload := domain.OptionsPayload{
			Underlying:         in.Ticker.Symbol,
			OptionSymbol:       c.OptionSymbol,
			Strike:             c.Strike,
			Expiry:             expiry,
			OptionType:         c.OptionType,
			DaysToExpiry:       c.DaysToExpiry,
			Volume:             c.Volume,
			OpenInterest:       c.OpenInterest,
			VolumeOIRatio:      ratio,
			PremiumFlow:        c.PremiumFlow,
			AggressiveOrderPct: c.AggressiveOrderPct,
			ImpliedVolatility:  c.ImpliedVolatility,
			SuspicionScore:     suspicion,
		}

		out = append(out, domain.CandidateSignal{
			Symbol:        c.OptionSymbol,
			Strategy:      domain.StrategyUnusualOptions,
			ClosePrice:    c.LastPrice,
			Country:       in.Ticker.Country,
			Scores:        scores,
			VolumeRatio:   ratio,
			StopLossLevel: c.LastPrice * 0.5,
			Expiry:        &expiry,
			Payload:       payload,
		})
	}
	return out
}

func (d *OptionsFlowDetector) premiumFloor(marketCap float64) float64 {
	switch {
	case marketCap >= d.cfg.LargeCapFloor:
		return d.cfg.MinPremiumLargeCap
	case marketCap >= d.cfg.MidCapFloor:
		return d.cfg.MinPremiumMidCap
	default:
		return d.cfg.MinPremiumSmallCap
	}
}

// suspicionScore is the 0-100 insider-play composite: premium size, expiry
// urgency, and buyer aggressiveness.
func (d *OptionsFlowDetector) suspicionScore(c domain.OptionsContract, premiumFloor float64) float64 {
	premium := scale(c.PremiumFlow, premiumFloor, premiumFloor*20)
	urgency := dteUrgency(c.DaysToExpiry, d.cfg.MinDaysToExpiry, d.cfg.MaxDaysToExpiry)
	aggression := scale(c.AggressiveOrderPct, d.cfg.MinAggressivePct, 1)
	ratio := scale(c.VolumeOIRatio(), d.cfg.MinVolumeOIRatio, 15)
	return (0.35*premium + 0.25*urgency + 0.25*aggression + 0.15*ratio) * 100
}

// dteUrgency scores shorter-dated flow higher within the allowed window.
func dteUrgency(dte, min, max int) float64 {
	if max <= min {
		return 0
	}
	return clamp01(float64(max-dte) / float64(max-min))
}
