package quality

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/signalrun/internal/domain"
)

var asOf = time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC) // Friday

// weekdayBars builds n clean daily bars ending on asOf, weekends skipped.
func weekdayBars(n int, price, volume float64) []domain.Bar {
	dates := make([]time.Time, 0, n)
	d := asOf
	for len(dates) < n {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			dates = append(dates, d)
		}
		d = d.AddDate(0, 0, -1)
	}

	bars := make([]domain.Bar, n)
	for i := 0; i < n; i++ {
		// Small alternating drift keeps returns non-degenerate.
		drift := 1.0 + 0.002*float64(i%3-1)
		c := price * drift
		bars[i] = domain.Bar{
			Timestamp: dates[n-1-i],
			Open:      c * 0.998,
			High:      c * 1.005,
			Low:       c * 0.994,
			Close:     c,
			Volume:    volume,
		}
	}
	return bars
}

func hasReason(reasons []string, prefix string) bool {
	for _, r := range reasons {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

func TestValidate_CleanSeriesPasses(t *testing.T) {
	v := NewValidator(Config{})
	res := v.Validate("AAPL", weekdayBars(120, 150, 500_000), asOf)

	assert.True(t, res.Passed)
	assert.Empty(t, res.Reasons)
	assert.Greater(t, res.Score, 0.8)
	assert.LessOrEqual(t, res.Score, 1.0)
	assert.Len(t, res.Bars, 120)
}

func TestValidate_HistoryBoundary(t *testing.T) {
	v := NewValidator(Config{MinHistoryBars: 90})

	t.Run("exactly_min_bars_passes", func(t *testing.T) {
		res := v.Validate("EDGE", weekdayBars(90, 50, 100_000), asOf)
		assert.True(t, res.Passed)
	})

	t.Run("one_fewer_fails", func(t *testing.T) {
		res := v.Validate("EDGE", weekdayBars(89, 50, 100_000), asOf)
		assert.False(t, res.Passed)
		assert.True(t, hasReason(res.Reasons, ReasonInsufficientHistory))
		// Rejection happens before any scoring.
		assert.Zero(t, res.Score)
	})
}

func TestValidate_StaleData(t *testing.T) {
	v := NewValidator(Config{})
	bars := weekdayBars(100, 50, 100_000)
	res := v.Validate("STALE", bars, asOf.AddDate(0, 0, 10))

	assert.False(t, res.Passed)
	assert.True(t, hasReason(res.Reasons, ReasonStaleData))
}

func TestValidate_LowVolume(t *testing.T) {
	v := NewValidator(Config{})
	res := v.Validate("THIN", weekdayBars(100, 50, 2_000), asOf)

	assert.False(t, res.Passed)
	assert.True(t, hasReason(res.Reasons, ReasonLowVolume))
}

func TestValidate_PriceBand(t *testing.T) {
	v := NewValidator(Config{})

	res := v.Validate("SUBPENNY", weekdayBars(100, 0.2, 100_000), asOf)
	assert.True(t, hasReason(res.Reasons, ReasonPriceOutOfBand))

	res = v.Validate("BRK", weekdayBars(100, 20_000, 100_000), asOf)
	assert.True(t, hasReason(res.Reasons, ReasonPriceOutOfBand))
}

func TestValidate_ExcessiveGaps(t *testing.T) {
	v := NewValidator(Config{})
	bars := weekdayBars(200, 50, 100_000)
	// Drop a fifth of the bars to open holes in the weekday sequence.
	thinned := make([]domain.Bar, 0, len(bars))
	for i, b := range bars {
		if i%5 == 2 {
			continue
		}
		thinned = append(thinned, b)
	}

	res := v.Validate("GAPPY", thinned, asOf)
	assert.False(t, res.Passed)
	assert.True(t, hasReason(res.Reasons, ReasonExcessiveGaps))
	assert.Greater(t, res.Metrics.GapRatio, 0.10)
}

func TestValidate_SuspiciousMoves(t *testing.T) {
	v := NewValidator(Config{})
	bars := weekdayBars(100, 50, 100_000)

	t.Run("single_day_spike", func(t *testing.T) {
		spiked := append([]domain.Bar(nil), bars...)
		spiked[60].Close = spiked[59].Close * 1.8
		spiked[60].High = spiked[60].Close * 1.01
		res := v.Validate("PUMP", spiked, asOf)
		assert.False(t, res.Passed)
		assert.True(t, hasReason(res.Reasons, ReasonSuspiciousMoves))
		assert.Equal(t, 1, res.Metrics.SuspiciousMoves)
	})

	t.Run("gain_with_volume_jump", func(t *testing.T) {
		spiked := append([]domain.Bar(nil), bars...)
		spiked[60].Close = spiked[59].Close * 1.25
		spiked[60].High = spiked[60].Close * 1.01
		spiked[60].Volume = spiked[59].Volume * 8
		res := v.Validate("PUMP2", spiked, asOf)
		assert.True(t, hasReason(res.Reasons, ReasonSuspiciousMoves))
	})
}

func TestValidate_AutoCorrectsOHLC(t *testing.T) {
	v := NewValidator(Config{})
	bars := weekdayBars(100, 50, 100_000)
	// Break one bar: high below close, low above open.
	bars[40].High = bars[40].Close * 0.5
	bars[40].Low = bars[40].Open * 2

	res := v.Validate("FIXME", bars, asOf)
	require.True(t, res.Passed)
	assert.Equal(t, 1, res.Metrics.CorrectedBars)

	fixed := res.Bars[40]
	assert.GreaterOrEqual(t, fixed.High, fixed.Close)
	assert.GreaterOrEqual(t, fixed.High, fixed.Open)
	assert.LessOrEqual(t, fixed.Low, fixed.Open)
	assert.LessOrEqual(t, fixed.Low, fixed.Close)
	// Input series is untouched.
	assert.Less(t, bars[40].High, bars[40].Close)
}

func TestValidate_IncompleteBarsLowerScore(t *testing.T) {
	v := NewValidator(Config{})
	clean := v.Validate("CLEAN", weekdayBars(100, 50, 100_000), asOf)

	holey := weekdayBars(100, 50, 100_000)
	// Zero out volume on a quarter of the bars: completeness drops under
	// the 85% floor and those points are forfeited.
	for i := 0; i < len(holey); i += 4 {
		holey[i].Volume = 0
	}
	degraded := v.Validate("HOLEY", holey, asOf)

	assert.Less(t, degraded.Score, clean.Score)
	assert.Less(t, degraded.Metrics.Completeness, 0.85)
}
