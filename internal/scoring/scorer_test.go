package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/signalrun/internal/domain"
)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(Config{})
	require.NoError(t, err)
	return s
}

func TestNewRejectsBadWeightTables(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "weights_do_not_sum_to_one",
			cfg: Config{Weights: map[domain.Strategy]Weights{
				domain.StrategySqueeze: {Volume: 0.5, Momentum: 0.6},
			}},
		},
		{
			name: "negative_weight",
			cfg: Config{Weights: map[domain.Strategy]Weights{
				domain.StrategySqueeze: {Volume: 1.2, Momentum: -0.2},
			}},
		},
		{
			name: "unknown_strategy",
			cfg: Config{Weights: map[domain.Strategy]Weights{
				domain.Strategy("lottery"): {Volume: 1.0},
			}},
		},
		{
			name: "penalty_above_one",
			cfg:  Config{PumpPenalty: 1.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			var cfgErr *domain.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestWeightsValidateTolerance(t *testing.T) {
	w := Weights{Volume: 0.25, Momentum: 0.25, RelativeStrength: 0.20, Risk: 0.2999}
	assert.NoError(t, w.Validate(), "drift inside tolerance passes")

	w.Risk = 0.28
	assert.Error(t, w.Validate())
}

func TestScoreWeightedComposite(t *testing.T) {
	s := newScorer(t)
	c := &domain.CandidateSignal{
		Symbol:     "AAPL",
		Strategy:   domain.StrategySqueeze,
		Country:    "United States",
		ClosePrice: 12.50,
		Scores: domain.ComponentScores{
			Volume:           domain.Score(0.8),
			Momentum:         domain.Score(0.6),
			RelativeStrength: domain.Score(0.5),
			Risk:             domain.Score(0.9),
		},
	}
	require.NoError(t, s.Score(c))

	// 0.25*0.8 + 0.25*0.6 + 0.20*0.5 + 0.30*0.9 = 0.72
	assert.InDelta(t, 0.72, c.OverallScore, 1e-9)
	assert.Equal(t, domain.GradeB, c.Grade)
	assert.Equal(t, domain.RecBuy, c.Recommendation)
	assert.Equal(t, 2.0, c.PositionSizePct)
	assert.False(t, c.HighRiskCountry)
	assert.False(t, c.PumpDumpWarning)
}

func TestRescoreRealignsGradeRecommendationAndSize(t *testing.T) {
	s := newScorer(t)
	c := &domain.CandidateSignal{
		Symbol:     "AAPL",
		Strategy:   domain.StrategySqueeze,
		Country:    "United States",
		ClosePrice: 12.50,
		Scores: domain.ComponentScores{
			Volume:           domain.Score(0.8),
			Momentum:         domain.Score(0.6),
			RelativeStrength: domain.Score(0.5),
			Risk:             domain.Score(0.9),
		},
	}
	require.NoError(t, s.Score(c))
	require.Equal(t, domain.RecBuy, c.Recommendation)

	s.Rescore(c, 0.91)
	assert.Equal(t, domain.GradeS, c.Grade)
	assert.Equal(t, domain.RecStrongBuy, c.Recommendation)
	assert.Equal(t, 3.0, c.PositionSizePct)

	s.Rescore(c, 0.40)
	assert.Equal(t, domain.GradeF, c.Grade)
	assert.Equal(t, domain.RecHold, c.Recommendation)
	assert.Zero(t, c.PositionSizePct)
}

func TestRescorePreservesPumpSkip(t *testing.T) {
	s := newScorer(t)
	c := &domain.CandidateSignal{
		Symbol:      "HYPE",
		Strategy:    domain.StrategySqueeze,
		Country:     "China",
		ClosePrice:  0.30,
		VolumeRatio: 12,
		Scores:      domain.ComponentScores{Volume: domain.Score(1.0)},
	}
	require.NoError(t, s.Score(c))
	require.True(t, c.PumpDumpWarning)
	require.Equal(t, domain.RecSkip, c.Recommendation)

	s.Rescore(c, 0.95)
	assert.Equal(t, domain.RecSkip, c.Recommendation)
	assert.Zero(t, c.PositionSizePct)
}

func TestScoreMissingComponentRedistributes(t *testing.T) {
	s := newScorer(t)
	c := &domain.CandidateSignal{
		Symbol:   "AAPL",
		Strategy: domain.StrategySqueeze,
		Scores: domain.ComponentScores{
			Volume:   domain.Score(0.8),
			Momentum: domain.Score(0.6),
			Risk:     domain.Score(0.9),
		},
	}
	require.NoError(t, s.Score(c))

	// Relative strength is absent: its 0.20 mass redistributes pro-rata,
	// (0.25*0.8 + 0.25*0.6 + 0.30*0.9) / 0.80.
	assert.InDelta(t, 0.62/0.80, c.OverallScore, 1e-9)
}

func TestScoreNoComponentsScoresZero(t *testing.T) {
	s := newScorer(t)
	c := &domain.CandidateSignal{Symbol: "AAPL", Strategy: domain.StrategySqueeze}
	require.NoError(t, s.Score(c))

	assert.Zero(t, c.OverallScore)
	assert.Equal(t, domain.GradeF, c.Grade)
	assert.Equal(t, domain.RecHold, c.Recommendation)
	assert.Zero(t, c.PositionSizePct)
}

func TestScoreCountryPenalty(t *testing.T) {
	s := newScorer(t)
	c := &domain.CandidateSignal{
		Symbol:     "NIVF",
		Strategy:   domain.StrategySqueeze,
		Country:    "hong kong", // matching is case-insensitive
		ClosePrice: 12.50,
		Scores:     domain.ComponentScores{Volume: domain.Score(1.0)},
	}
	require.NoError(t, s.Score(c))

	assert.True(t, c.HighRiskCountry)
	assert.False(t, c.PumpDumpWarning, "expensive symbol is not a pump setup")
	assert.InDelta(t, 0.9, c.OverallScore, 1e-9)
}

func TestScorePumpDumpPenaltyAndSkip(t *testing.T) {
	s := newScorer(t)
	c := &domain.CandidateSignal{
		Symbol:      "PUMP",
		Strategy:    domain.StrategyPennyExplosion,
		Country:     "China",
		ClosePrice:  0.30,
		VolumeRatio: 12,
		Scores:      domain.ComponentScores{Volume: domain.Score(1.0)},
	}
	require.NoError(t, s.Score(c))

	assert.True(t, c.PumpDumpWarning)
	// Country and pump penalties stack: 1.0 * 0.9 * 0.8.
	assert.InDelta(t, 0.72, c.OverallScore, 1e-9)
	assert.Equal(t, domain.GradeB, c.Grade)
	assert.Equal(t, domain.RecSkip, c.Recommendation, "flagged pumps are never tradeable")
	assert.Zero(t, c.PositionSizePct)
}

func TestScoreSpreadPenalty(t *testing.T) {
	s := newScorer(t)

	flagged := &domain.CandidateSignal{
		Symbol:   "ACME250718C00150000",
		Strategy: domain.StrategyUnusualOptions,
		Scores:   domain.ComponentScores{Volume: domain.Score(1.0)},
		Payload: domain.OptionsPayload{
			Spread: domain.SpreadAnnotation{IsLikelySpread: true, Confidence: 0.85},
		},
	}
	require.NoError(t, s.Score(flagged))
	assert.InDelta(t, 0.9, flagged.OverallScore, 1e-9)

	lowConfidence := &domain.CandidateSignal{
		Symbol:   "ACME250718C00155000",
		Strategy: domain.StrategyUnusualOptions,
		Scores:   domain.ComponentScores{Volume: domain.Score(1.0)},
		Payload: domain.OptionsPayload{
			Spread: domain.SpreadAnnotation{IsLikelySpread: true, Confidence: 0.5},
		},
	}
	require.NoError(t, s.Score(lowConfidence))
	assert.InDelta(t, 1.0, lowConfidence.OverallScore, 1e-9, "low-confidence annotations do not penalize")
}

func TestScoreIsIdempotent(t *testing.T) {
	s := newScorer(t)
	c := &domain.CandidateSignal{
		Symbol:      "AAPL",
		Strategy:    domain.StrategySqueeze,
		Country:     "China",
		ClosePrice:  0.30,
		VolumeRatio: 12,
		Scores: domain.ComponentScores{
			Volume:   domain.Score(0.8),
			Momentum: domain.Score(0.6),
		},
	}
	require.NoError(t, s.Score(c))
	first := *c

	// Re-scoring after a spread pass must land on the same values.
	require.NoError(t, s.Score(c))
	assert.Equal(t, first.OverallScore, c.OverallScore)
	assert.Equal(t, first.Grade, c.Grade)
	assert.Equal(t, first.Recommendation, c.Recommendation)
	assert.Equal(t, first.PositionSizePct, c.PositionSizePct)
}

func TestScoreUnknownStrategyFails(t *testing.T) {
	s, err := New(Config{Weights: map[domain.Strategy]Weights{
		domain.StrategySqueeze: {Volume: 0.25, Momentum: 0.25, RelativeStrength: 0.20, Risk: 0.30},
	}})
	require.NoError(t, err)

	c := &domain.CandidateSignal{Symbol: "PENY", Strategy: domain.StrategyPennyExplosion}
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, s.Score(c), &cfgErr)
}

func TestScoreClampsOutOfRangeComponents(t *testing.T) {
	s := newScorer(t)
	c := &domain.CandidateSignal{
		Symbol:   "AAPL",
		Strategy: domain.StrategySqueeze,
		Scores: domain.ComponentScores{
			Volume:   domain.Score(1.7),
			Momentum: domain.Score(-0.3),
		},
	}
	require.NoError(t, s.Score(c))

	// Clamped to 1 and 0 before weighting: 0.25/(0.25+0.25).
	assert.InDelta(t, 0.5, c.OverallScore, 1e-9)
}
