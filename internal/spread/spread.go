// Package spread runs post-hoc multi-leg analysis over an options scan
// batch: contracts on the same underlying whose volumes and premiums move
// together are likely legs of one spread, not independent directional bets.
// The detector only annotates existing candidates; it never creates signals.
package spread

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// Config tunes the leg-matching heuristics.
type Config struct {
	// MinConfidence is the combined-correlation floor below which a pair is
	// not flagged.
	MinConfidence float64 `yaml:"min_confidence"`

	// MinIndicators is how many matching heuristics must agree.
	MinIndicators int `yaml:"min_indicators"`

	// MaxStrikeWidthPct bounds vertical-leg strike distance relative to the
	// lower strike.
	MaxStrikeWidthPct float64 `yaml:"max_strike_width_pct"`
}

// DefaultConfig returns the shipped matching thresholds.
func DefaultConfig() Config {
	return Config{
		MinConfidence:     0.80,
		MinIndicators:     3,
		MaxStrikeWidthPct: 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.MinIndicators <= 0 {
		c.MinIndicators = d.MinIndicators
	}
	if c.MaxStrikeWidthPct <= 0 {
		c.MaxStrikeWidthPct = d.MaxStrikeWidthPct
	}
	return c
}

// Detector matches option legs within one scan batch.
type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Analyze annotates options candidates in place. Non-options candidates pass
// through untouched. Returns the number of flagged legs.
func (d *Detector) Analyze(candidates []domain.CandidateSignal) int {
	byUnderlying := make(map[string][]int)
	for i, c := range candidates {
		p, ok := c.Payload.(domain.OptionsPayload)
		if !ok {
			continue
		}
		byUnderlying[p.Underlying] = append(byUnderlying[p.Underlying], i)
	}

	flagged := 0
	for underlying, idxs := range byUnderlying {
		if len(idxs) < 2 {
			continue
		}
		flagged += d.matchLegs(underlying, candidates, idxs)
	}
	return flagged
}

// matchLegs examines every pair of contracts on one underlying.
func (d *Detector) matchLegs(underlying string, candidates []domain.CandidateSignal, idxs []int) int {
	flagged := 0
	for a := 0; a < len(idxs); a++ {
		for b := a + 1; b < len(idxs); b++ {
			pa := candidates[idxs[a]].Payload.(domain.OptionsPayload)
			pb := candidates[idxs[b]].Payload.(domain.OptionsPayload)

			match, ann := d.pair(pa, pb)
			if !match {
				continue
			}

			log.Debug().
				Str("underlying", underlying).
				Str("leg_a", pa.OptionSymbol).
				Str("leg_b", pb.OptionSymbol).
				Str("spread_type", ann.SpreadType).
				Float64("confidence", ann.Confidence).
				Msg("likely spread legs matched")

			annA, annB := ann, ann
			annA.MatchedLegs = []string{pb.OptionSymbol}
			annB.MatchedLegs = []string{pa.OptionSymbol}
			pa.Spread = annA
			pb.Spread = annB
			candidates[idxs[a]].Payload = pa
			candidates[idxs[b]].Payload = pb
			flagged += 2
		}
	}
	return flagged
}

// pair evaluates one leg pair and, when it matches, builds the shared
// annotation (MatchedLegs filled in by the caller per leg).
func (d *Detector) pair(a, b domain.OptionsPayload) (bool, domain.SpreadAnnotation) {
	sameExpiry := a.Expiry.Equal(b.Expiry)
	sameType := a.OptionType == b.OptionType
	sameStrike := a.Strike == b.Strike

	var spreadType string
	switch {
	case sameExpiry && sameType && !sameStrike:
		spreadType = "vertical_" + string(a.OptionType)
	case sameStrike && sameType && !sameExpiry:
		spreadType = "calendar_" + string(a.OptionType)
	default:
		return false, domain.SpreadAnnotation{}
	}

	volCorr := closeness(a.Volume, b.Volume)
	premCorr := closeness(a.PremiumFlow, b.PremiumFlow)

	lowStrike := math.Min(a.Strike, b.Strike)
	strikeWidth := math.Abs(a.Strike - b.Strike)
	widthOK := true
	if spreadType[:8] == "vertical" && lowStrike > 0 {
		widthOK = strikeWidth/lowStrike*100 <= d.cfg.MaxStrikeWidthPct
	}

	indicators := 0
	for _, hit := range []bool{
		sameType,
		sameExpiry || sameStrike,
		volCorr >= 0.7,
		premCorr >= 0.6,
		widthOK,
	} {
		if hit {
			indicators++
		}
	}

	confidence := 0.5*volCorr + 0.3*premCorr + 0.2*boolScore(widthOK)
	if confidence < d.cfg.MinConfidence || indicators < d.cfg.MinIndicators {
		return false, domain.SpreadAnnotation{}
	}

	return true, domain.SpreadAnnotation{
		IsLikelySpread: true,
		SpreadType:     spreadType,
		StrikeWidth:    strikeWidth,
		NetPremium:     a.PremiumFlow - b.PremiumFlow,
		Confidence:     confidence,
		IndicatorsMet:  indicators,
		Reason: fmt.Sprintf("%s legs with volume correlation %.2f, premium correlation %.2f",
			spreadType, volCorr, premCorr),
	}
}

// closeness scores how near two magnitudes are: 1 when equal, 0 when one
// dwarfs the other.
func closeness(a, b float64) float64 {
	max := math.Max(math.Abs(a), math.Abs(b))
	if max == 0 {
		return 0
	}
	return 1 - math.Abs(a-b)/max
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
