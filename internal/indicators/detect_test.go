package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cqdev-co/signalrun/internal/domain"
)

func flatBars(n int, price, volume float64) []domain.Bar {
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      price,
			High:      price * 1.01,
			Low:       price * 0.99,
			Close:     price,
			Volume:    volume,
		}
	}
	return bars
}

func TestDetectConsolidation(t *testing.T) {
	t.Run("tight_range_consolidates", func(t *testing.T) {
		bars := flatBars(30, 10, 100_000)
		c := DetectConsolidation(bars, 5, 15, 10)
		assert.True(t, c.InConsolidation)
		assert.Equal(t, 15, c.Days)
		// High 10.1, low 9.9 around a 10.0 midpoint.
		assert.InDelta(t, 2.0, c.RangePct, 0.01)
	})

	t.Run("wide_range_rejected", func(t *testing.T) {
		bars := flatBars(30, 10, 100_000)
		bars[25].High = 15
		bars[20].Low = 7
		c := DetectConsolidation(bars, 5, 15, 10)
		assert.False(t, c.InConsolidation)
		assert.Greater(t, c.RangePct, 10.0)
	})

	t.Run("too_few_bars", func(t *testing.T) {
		bars := flatBars(3, 10, 100_000)
		c := DetectConsolidation(bars, 5, 15, 10)
		assert.False(t, c.InConsolidation)
		assert.Zero(t, c.Days)
	})

	t.Run("empty_input", func(t *testing.T) {
		c := DetectConsolidation(nil, 5, 15, 10)
		assert.False(t, c.InConsolidation)
	})
}

func TestDetectHigherLows(t *testing.T) {
	mk := func(lows []float64) []domain.Bar {
		start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
		bars := make([]domain.Bar, len(lows))
		for i, lo := range lows {
			bars[i] = domain.Bar{
				Timestamp: start.AddDate(0, 0, i),
				Open:      lo + 1,
				High:      lo + 2,
				Low:       lo,
				Close:     lo + 1.5,
				Volume:    50_000,
			}
		}
		return bars
	}

	tests := []struct {
		name string
		lows []float64
		want bool
	}{
		{"two_rising_minima", []float64{10, 8, 10, 11, 9, 11, 12}, true},
		{"falling_minima", []float64{10, 9, 10, 11, 8, 11, 12}, false},
		{"equal_minima_not_strict", []float64{10, 8, 10, 11, 8, 11, 12}, false},
		{"single_minimum", []float64{10, 8, 10, 11, 12, 13, 14}, false},
		{"monotonic_no_minima", []float64{10, 11, 12, 13, 14, 15, 16}, false},
		{"too_short", []float64{10, 9}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectHigherLows(mk(tt.lows), len(tt.lows)))
		})
	}
}

func TestVolumeAcceleration(t *testing.T) {
	bars := flatBars(20, 10, 100_000)
	// Double the mean volume in the most recent 10 bars.
	for i := 10; i < 20; i++ {
		bars[i].Volume = 200_000
	}
	assert.InDelta(t, 100.0, VolumeAcceleration(bars, 10), 1e-9)

	t.Run("insufficient_history", func(t *testing.T) {
		assert.Zero(t, VolumeAcceleration(flatBars(5, 10, 100_000), 10))
	})

	t.Run("zero_baseline", func(t *testing.T) {
		quiet := flatBars(20, 10, 0)
		assert.Zero(t, VolumeAcceleration(quiet, 10))
	})
}

func TestVolumeConsistencyScore(t *testing.T) {
	bars := flatBars(40, 10, 100_000)
	// 3 of the last 10 bars spike to twice the prior 20-bar baseline.
	for _, i := range []int{31, 34, 38} {
		bars[i].Volume = 250_000
	}
	got := VolumeConsistencyScore(bars, 10, 2.0)
	assert.InDelta(t, 0.3, got, 1e-9)

	t.Run("short_series_uses_overall_mean", func(t *testing.T) {
		short := flatBars(12, 10, 100_000)
		short[11].Volume = 500_000
		got := VolumeConsistencyScore(short, 10, 2.0)
		assert.InDelta(t, 0.1, got, 1e-9)
	})
}

func TestConsecutiveGreenDays(t *testing.T) {
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	mk := func(green []bool) []domain.Bar {
		bars := make([]domain.Bar, len(green))
		for i, g := range green {
			open, close := 10.0, 9.5
			if g {
				close = 10.5
			}
			bars[i] = domain.Bar{
				Timestamp: start.AddDate(0, 0, i),
				Open:      open,
				High:      11,
				Low:       9,
				Close:     close,
				Volume:    1000,
			}
		}
		return bars
	}

	assert.Equal(t, 3, ConsecutiveGreenDays(mk([]bool{true, false, true, true, true}), 10))
	assert.Equal(t, 0, ConsecutiveGreenDays(mk([]bool{true, true, false}), 10))
	assert.Equal(t, 2, ConsecutiveGreenDays(mk([]bool{true, true, true}), 2))
	assert.Equal(t, 0, ConsecutiveGreenDays(nil, 10))
}
