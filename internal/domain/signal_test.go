package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradeForScore(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  Grade
	}{
		{"s_at_boundary", 0.90, GradeS},
		{"s_above", 0.97, GradeS},
		{"a_at_boundary", 0.80, GradeA},
		{"a_below_s", 0.899, GradeA},
		{"b_at_boundary", 0.70, GradeB},
		{"c_at_boundary", 0.60, GradeC},
		{"d_at_boundary", 0.50, GradeD},
		{"f_below_d", 0.499, GradeF},
		{"f_zero", 0.0, GradeF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GradeForScore(tt.score))
		})
	}
}

func TestGrade_AtLeast(t *testing.T) {
	assert.True(t, GradeS.AtLeast(GradeA))
	assert.True(t, GradeA.AtLeast(GradeA))
	assert.False(t, GradeB.AtLeast(GradeA))
	assert.True(t, GradeD.AtLeast(GradeF))
}

func TestBar_Validate(t *testing.T) {
	ts := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	valid := Bar{Timestamp: ts, Open: 10, High: 12, Low: 9, Close: 11, Volume: 1000}
	assert.NoError(t, valid.Validate())

	lowAboveOpen := Bar{Timestamp: ts, Open: 10, High: 12, Low: 10.5, Close: 11, Volume: 1000}
	assert.Error(t, lowAboveOpen.Validate())

	highBelowClose := Bar{Timestamp: ts, Open: 10, High: 10.5, Low: 9, Close: 11, Volume: 1000}
	assert.Error(t, highBelowClose.Validate())

	negVolume := Bar{Timestamp: ts, Open: 10, High: 12, Low: 9, Close: 11, Volume: -1}
	assert.Error(t, negVolume.Validate())
}

func TestValidateSeries_Monotonic(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC) }
	bars := []Bar{
		{Timestamp: day(2), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		{Timestamp: day(3), Open: 10.5, High: 11.5, Low: 10, Close: 11, Volume: 120},
	}
	require.NoError(t, ValidateSeries(bars))

	bars = append(bars, Bar{Timestamp: day(3), Open: 11, High: 11.2, Low: 10.8, Close: 11, Volume: 90})
	assert.Error(t, ValidateSeries(bars), "duplicate timestamp must fail")
}

func TestSignal_Validate(t *testing.T) {
	d := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	base := Signal{
		SignalID:       "a2f1c6f0-0000-4000-8000-000000000001",
		Symbol:         "AAPL",
		Strategy:       StrategySqueeze,
		ScanDate:       d,
		ScanTimestamp:  d.Add(21 * time.Hour),
		Status:         StatusNew,
		DaysActive:     1,
		FirstDetected:  d,
		LastActiveDate: d,
		IsActive:       true,
		ClosePrice:     187.3,
		OverallScore:   0.82,
		Grade:          GradeA,
		Recommendation: RecBuy,
	}
	require.NoError(t, base.Validate())

	t.Run("grade_must_match_score", func(t *testing.T) {
		s := base
		s.Grade = GradeS
		assert.Error(t, s.Validate())
	})

	t.Run("terminal_must_be_inactive", func(t *testing.T) {
		s := base
		s.Status = StatusEnded
		s.IsActive = true
		assert.Error(t, s.Validate())
	})

	t.Run("days_active_floor", func(t *testing.T) {
		s := base
		s.DaysActive = 0
		assert.Error(t, s.Validate())
	})

	t.Run("first_detected_after_scan", func(t *testing.T) {
		s := base
		s.FirstDetected = d.AddDate(0, 0, 1)
		assert.Error(t, s.Validate())
	})
}

func TestPayloadRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		payload  Payload
	}{
		{
			name:     "squeeze",
			strategy: StrategySqueeze,
			payload: SqueezePayload{
				BBWidth:           0.041,
				BBWidthPercentile: 12.5,
				DaysInSqueeze:     7,
				SqueezeDepth:      87.5,
				EMA20:             101.2,
				EMA50:             99.8,
				TrendAligned:      true,
				VolumeRatio:       1.4,
			},
		},
		{
			name:     "options_with_spread",
			strategy: StrategyUnusualOptions,
			payload: OptionsPayload{
				OptionSymbol:       "XYZ260417C00100000",
				Strike:             100,
				Expiry:             time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC),
				OptionType:         OptionCall,
				DaysToExpiry:       14,
				Volume:             5200,
				OpenInterest:       800,
				VolumeOIRatio:      6.5,
				PremiumFlow:        412_000,
				AggressiveOrderPct: 0.78,
				SuspicionScore:     81,
				Spread: SpreadAnnotation{
					IsLikelySpread: true,
					SpreadType:     "vertical_call",
					MatchedLegs:    []string{"XYZ260417C00105000"},
					StrikeWidth:    5,
					NetPremium:     96_000,
					Confidence:     0.86,
					IndicatorsMet:  4,
				},
			},
		},
		{
			name:     "reddit",
			strategy: StrategyRedditOpportunity,
			payload: RedditPayload{
				Mentions24h:         340,
				Mentions7d:          1210,
				QualityMentions:     118,
				SentimentPolarity:   0.42,
				MentionAcceleration: 2.8,
				CompositeScore:      0.74,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.payload)
			require.NoError(t, err)

			got, err := UnmarshalPayload(tt.strategy, raw)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
			assert.Equal(t, tt.strategy, got.PayloadStrategy())
		})
	}

	t.Run("unknown_strategy", func(t *testing.T) {
		_, err := UnmarshalPayload(Strategy("bogus"), []byte(`{}`))
		assert.Error(t, err)
	})

	t.Run("empty_payload", func(t *testing.T) {
		got, err := UnmarshalPayload(StrategySqueeze, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestOptionsContract_Expired(t *testing.T) {
	c := OptionsContract{Expiry: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)}
	assert.False(t, c.Expired(time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)), "expiry day itself is not expired")
	assert.True(t, c.Expired(time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC)))
	assert.False(t, c.Expired(time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC)))
}

func TestDateHelpers(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2026-03-02 22:30 ET is 2026-03-03 03:30 UTC; Date operates on UTC days.
	et := time.Date(2026, 3, 2, 22, 30, 0, 0, ny)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), Date(et))
	assert.True(t, SameDay(et, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)))
}
