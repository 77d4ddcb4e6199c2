// Package scoring turns detector component scores into a composite score,
// grade and recommendation, applying country and pump-and-dump penalties.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// WeightSumTolerance bounds how far a strategy's weights may drift from 1.0
// before config load fails.
const WeightSumTolerance = 0.001

// Weights distributes the composite across score components. Components a
// detector does not produce have their weight redistributed pro-rata at
// scoring time; a zero weight simply means the component never counts.
type Weights struct {
	Volume           float64 `yaml:"volume"`
	Momentum         float64 `yaml:"momentum"`
	RelativeStrength float64 `yaml:"relative_strength"`
	Risk             float64 `yaml:"risk"`
	Fundamental      float64 `yaml:"fundamental"`
}

// Sum returns the total weight mass.
func (w Weights) Sum() float64 {
	return w.Volume + w.Momentum + w.RelativeStrength + w.Risk + w.Fundamental
}

// Validate fails when weights are negative or do not sum to 1.0 within
// tolerance. There is no auto-normalize: a bad table is a config error.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"volume":            w.Volume,
		"momentum":          w.Momentum,
		"relative_strength": w.RelativeStrength,
		"risk":              w.Risk,
		"fundamental":       w.Fundamental,
	} {
		if v < 0 {
			return fmt.Errorf("weight %s is negative", name)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > WeightSumTolerance {
		return fmt.Errorf("weights sum to %.4f, want 1.0 +/- %.3f", sum, WeightSumTolerance)
	}
	return nil
}

// Config holds per-strategy weight tables and the risk-adjustment knobs.
type Config struct {
	Weights           map[domain.Strategy]Weights `yaml:"weights"`
	HighRiskCountries []string                    `yaml:"high_risk_countries"`

	CountryPenalty    float64 `yaml:"country_penalty"`
	PumpVolumeCeiling float64 `yaml:"pump_volume_ceiling"`
	PumpPriceCeiling  float64 `yaml:"pump_price_ceiling"`
	PumpPenalty       float64 `yaml:"pump_penalty"`

	SpreadConfidenceMin float64 `yaml:"spread_confidence_min"`
	SpreadPenalty       float64 `yaml:"spread_penalty"`
}

// DefaultConfig carries the shipped weight tables. The penny table is the
// canonical example: volume dominates because explosions are volume events.
func DefaultConfig() Config {
	return Config{
		Weights: map[domain.Strategy]Weights{
			domain.StrategyPennyExplosion: {
				Volume:           0.50,
				Momentum:         0.30,
				RelativeStrength: 0.15,
				Risk:             0.05,
			},
			domain.StrategySqueeze: {
				Volume:           0.25,
				Momentum:         0.25,
				RelativeStrength: 0.20,
				Risk:             0.30,
			},
			domain.StrategyUnusualOptions: {
				Volume:           0.35,
				Momentum:         0.15,
				RelativeStrength: 0.25,
				Risk:             0.25,
			},
			domain.StrategyRedditOpportunity: {
				Volume:           0.30,
				Momentum:         0.30,
				RelativeStrength: 0.20,
				Risk:             0.20,
			},
		},
		HighRiskCountries: []string{
			"China", "Hong Kong", "Israel", "Malaysia", "Singapore", "Cyprus",
		},
		CountryPenalty:      0.9,
		PumpVolumeCeiling:   10,
		PumpPriceCeiling:    0.5,
		PumpPenalty:         0.8,
		SpreadConfidenceMin: 0.8,
		SpreadPenalty:       0.9,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Weights) == 0 {
		c.Weights = d.Weights
	}
	if len(c.HighRiskCountries) == 0 {
		c.HighRiskCountries = d.HighRiskCountries
	}
	if c.CountryPenalty <= 0 {
		c.CountryPenalty = d.CountryPenalty
	}
	if c.PumpVolumeCeiling <= 0 {
		c.PumpVolumeCeiling = d.PumpVolumeCeiling
	}
	if c.PumpPriceCeiling <= 0 {
		c.PumpPriceCeiling = d.PumpPriceCeiling
	}
	if c.PumpPenalty <= 0 {
		c.PumpPenalty = d.PumpPenalty
	}
	if c.SpreadConfidenceMin <= 0 {
		c.SpreadConfidenceMin = d.SpreadConfidenceMin
	}
	if c.SpreadPenalty <= 0 {
		c.SpreadPenalty = d.SpreadPenalty
	}
	return c
}

// Scorer is stateless after construction and safe for concurrent use.
type Scorer struct {
	cfg      Config
	highRisk map[string]struct{}
}

// New validates the weight tables and builds a Scorer. Invalid weights are
// a startup failure, never a silent normalization.
func New(cfg Config) (*Scorer, error) {
	cfg = cfg.withDefaults()
	for strategy, w := range cfg.Weights {
		if !strategy.Valid() {
			return nil, &domain.ConfigError{
				Field:  "scoring.weights",
				Reason: fmt.Sprintf("unknown strategy %q", strategy),
			}
		}
		if err := w.Validate(); err != nil {
			return nil, &domain.ConfigError{
				Field:  fmt.Sprintf("scoring.weights.%s", strategy),
				Reason: err.Error(),
			}
		}
	}
	if cfg.CountryPenalty > 1 || cfg.PumpPenalty > 1 || cfg.SpreadPenalty > 1 {
		return nil, &domain.ConfigError{
			Field:  "scoring",
			Reason: "penalty factors must be in (0, 1]",
		}
	}

	highRisk := make(map[string]struct{}, len(cfg.HighRiskCountries))
	for _, country := range cfg.HighRiskCountries {
		highRisk[strings.ToLower(strings.TrimSpace(country))] = struct{}{}
	}
	return &Scorer{cfg: cfg, highRisk: highRisk}, nil
}

// HighRisk reports whether country is in the configured high-risk set.
func (s *Scorer) HighRisk(country string) bool {
	_, ok := s.highRisk[strings.ToLower(strings.TrimSpace(country))]
	return ok
}

// Score fills the candidate's composite score, grade, recommendation, risk
// flags and position size. It derives everything from candidate fields, so
// re-scoring after a spread annotation lands on the same values.
func (s *Scorer) Score(c *domain.CandidateSignal) error {
	weights, ok := s.cfg.Weights[c.Strategy]
	if !ok {
		return &domain.ConfigError{
			Field:  "scoring.weights",
			Reason: fmt.Sprintf("no weight table for strategy %q", c.Strategy),
		}
	}

	overall := composite(weights, c.Scores)

	c.HighRiskCountry = s.HighRisk(c.Country)
	if c.HighRiskCountry {
		overall *= s.cfg.CountryPenalty
	}

	c.PumpDumpWarning = c.HighRiskCountry &&
		c.VolumeRatio >= s.cfg.PumpVolumeCeiling &&
		c.ClosePrice < s.cfg.PumpPriceCeiling
	if c.PumpDumpWarning {
		overall *= s.cfg.PumpPenalty
		log.Warn().
			Str("symbol", c.Symbol).
			Str("strategy", string(c.Strategy)).
			Float64("volume_ratio", c.VolumeRatio).
			Float64("price", c.ClosePrice).
			Str("country", c.Country).
			Msg("pump and dump pattern flagged")
	}

	if sp := spreadAnnotation(c.Payload); sp != nil && sp.IsLikelySpread && sp.Confidence >= s.cfg.SpreadConfidenceMin {
		overall *= s.cfg.SpreadPenalty
	}

	c.OverallScore = clamp01(overall)
	c.Grade = domain.GradeForScore(c.OverallScore)
	c.Recommendation = s.recommend(c.OverallScore, c.PumpDumpWarning)
	c.PositionSizePct = positionSize(c.Grade, c.Recommendation)
	return nil
}

// Rescore applies an adjusted composite to an already scored candidate and
// re-derives grade, recommendation and position size from it. The pump-and-
// dump skip holds whatever the new score says.
func (s *Scorer) Rescore(c *domain.CandidateSignal, score float64) {
	c.OverallScore = clamp01(score)
	c.Grade = domain.GradeForScore(c.OverallScore)
	c.Recommendation = s.recommend(c.OverallScore, c.PumpDumpWarning)
	c.PositionSizePct = positionSize(c.Grade, c.Recommendation)
}

// composite is the weighted mean over present components; weights of
// missing components redistribute pro-rata by normalizing over the present
// weight mass.
func composite(w Weights, scores domain.ComponentScores) float64 {
	parts := []struct {
		weight float64
		score  *float64
	}{
		{w.Volume, scores.Volume},
		{w.Momentum, scores.Momentum},
		{w.RelativeStrength, scores.RelativeStrength},
		{w.Risk, scores.Risk},
		{w.Fundamental, scores.Fundamental},
	}

	var num, den float64
	for _, p := range parts {
		if p.score == nil || p.weight <= 0 {
			continue
		}
		num += p.weight * clamp01(*p.score)
		den += p.weight
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func (s *Scorer) recommend(score float64, pump bool) domain.Recommendation {
	switch {
	case pump:
		return domain.RecSkip
	case score >= 0.85:
		return domain.RecStrongBuy
	case score >= 0.70:
		return domain.RecBuy
	case score >= 0.55:
		return domain.RecWatch
	default:
		return domain.RecHold
	}
}

// positionSize maps the grade to a paper position in percent of book. SKIP
// always sizes to zero.
func positionSize(grade domain.Grade, rec domain.Recommendation) float64 {
	if rec == domain.RecSkip {
		return 0
	}
	switch grade {
	case domain.GradeS:
		return 3.0
	case domain.GradeA:
		return 2.5
	case domain.GradeB:
		return 2.0
	case domain.GradeC:
		return 1.0
	case domain.GradeD:
		return 0.5
	default:
		return 0
	}
}

func spreadAnnotation(p domain.Payload) *domain.SpreadAnnotation {
	op, ok := p.(domain.OptionsPayload)
	if !ok {
		return nil
	}
	return &op.Spread
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
