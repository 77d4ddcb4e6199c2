// Package indicators provides technical indicator calculations over daily
// bars. Compute maps a bar series to per-bar snapshots; pointer fields stay
// nil through each indicator's warm-up and whenever history is too short to
// trust. All functions are pure and take bars oldest first.
package indicators

import (
	"math"
	"time"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// MinHistory is the bar count below which no indicator is reported.
const MinHistory = 50

// bbPercentileWindow bounds the trailing deque used to rank the current
// Bollinger width against its own history.
const bbPercentileWindow = 180

// Snapshot holds indicator values for one bar.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`

	EMA20 *float64 `json:"ema_20,omitempty"`
	EMA50 *float64 `json:"ema_50,omitempty"`
	SMA20 *float64 `json:"sma_20,omitempty"`

	ATR20 *float64 `json:"atr_20,omitempty"`
	RSI14 *float64 `json:"rsi_14,omitempty"`

	MACD          *float64 `json:"macd,omitempty"`
	MACDSignal    *float64 `json:"macd_signal,omitempty"`
	MACDHistogram *float64 `json:"macd_histogram,omitempty"`

	BBUpper           *float64 `json:"bb_upper,omitempty"`
	BBMiddle          *float64 `json:"bb_middle,omitempty"`
	BBLower           *float64 `json:"bb_lower,omitempty"`
	BBWidth           *float64 `json:"bb_width,omitempty"`
	BBWidthPercentile *float64 `json:"bb_width_percentile,omitempty"`

	VolumeSMA20 *float64 `json:"volume_sma_20,omitempty"`
	VolumeRatio *float64 `json:"volume_ratio,omitempty"`

	DistanceFrom52wHighPct *float64 `json:"distance_from_52w_high_pct,omitempty"`
	DistanceFrom52wLowPct  *float64 `json:"distance_from_52w_low_pct,omitempty"`
}

// Compute returns one snapshot per bar. With fewer than MinHistory bars every
// indicator field is nil; otherwise each fills once its own warm-up passes.
func Compute(bars []domain.Bar) []Snapshot {
	n := len(bars)
	snaps := make([]Snapshot, n)
	for i := range bars {
		snaps[i].Timestamp = bars[i].Timestamp
		snaps[i].Close = bars[i].Close
		snaps[i].Volume = bars[i].Volume
	}
	if n < MinHistory {
		return snaps
	}

	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		volumes[i] = b.Volume
	}

	ema20 := emaSeries(closes, 20)
	ema50 := emaSeries(closes, 50)
	sma20 := smaSeries(closes, 20)
	std20 := stdSeries(closes, sma20, 20)
	atr20 := atrSeries(bars, 20)
	rsi14 := rsiSeries(closes, 14)
	macd, signal := macdSeries(closes, 12, 26, 9)
	volSMA := smaSeries(volumes, 20)

	widths := make([]float64, n)
	for i := range widths {
		widths[i] = math.NaN()
	}

	for i := 0; i < n; i++ {
		s := &snaps[i]
		s.EMA20 = valid(ema20[i])
		s.EMA50 = valid(ema50[i])
		s.SMA20 = valid(sma20[i])
		s.ATR20 = valid(atr20[i])
		s.RSI14 = valid(rsi14[i])

		s.MACD = valid(macd[i])
		s.MACDSignal = valid(signal[i])
		if s.MACD != nil && s.MACDSignal != nil {
			s.MACDHistogram = valid(*s.MACD - *s.MACDSignal)
		}

		if mid, sd := sma20[i], std20[i]; !math.IsNaN(mid) && !math.IsNaN(sd) {
			upper := mid + 2*sd
			lower := mid - 2*sd
			s.BBUpper = valid(upper)
			s.BBMiddle = valid(mid)
			s.BBLower = valid(lower)
			if mid != 0 {
				widths[i] = (upper - lower) / mid
				s.BBWidth = valid(widths[i])
			}
		}

		s.VolumeSMA20 = valid(volSMA[i])
		if s.VolumeSMA20 != nil && *s.VolumeSMA20 > 0 {
			s.VolumeRatio = valid(volumes[i] / *s.VolumeSMA20)
		}

		high52, low52 := window52w(bars, i)
		if high52 > 0 {
			s.DistanceFrom52wHighPct = valid((closes[i] - high52) / high52 * 100)
		}
		if low52 > 0 {
			s.DistanceFrom52wLowPct = valid((closes[i] - low52) / low52 * 100)
		}
	}

	fillWidthPercentiles(snaps, widths)
	return snaps
}

// Last returns the newest snapshot, or nil for an empty series.
func Last(snaps []Snapshot) *Snapshot {
	if len(snaps) == 0 {
		return nil
	}
	return &snaps[len(snaps)-1]
}

// fillWidthPercentiles ranks each defined width against the trailing deque
// of up to bbPercentileWindow samples ending at that bar, inclusive.
func fillWidthPercentiles(snaps []Snapshot, widths []float64) {
	for i := range snaps {
		if math.IsNaN(widths[i]) {
			continue
		}
		start := i - bbPercentileWindow + 1
		if start < 0 {
			start = 0
		}
		var total, below int
		for j := start; j <= i; j++ {
			if math.IsNaN(widths[j]) {
				continue
			}
			total++
			if widths[j] <= widths[i] {
				below++
			}
		}
		if total > 0 {
			snaps[i].BBWidthPercentile = valid(float64(below) / float64(total) * 100)
		}
	}
}

// emaSeries seeds with the SMA of the first period values, then applies the
// recurrence EMA_t = alpha*P_t + (1-alpha)*EMA_{t-1} with alpha = 2/(N+1).
func emaSeries(vals []float64, period int) []float64 {
	out := nanSlice(len(vals))
	if len(vals) < period {
		return out
	}
	alpha := 2.0 / float64(period+1)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += vals[i]
	}
	out[period-1] = sum / float64(period)
	for i := period; i < len(vals); i++ {
		out[i] = alpha*vals[i] + (1-alpha)*out[i-1]
	}
	return out
}

func smaSeries(vals []float64, period int) []float64 {
	out := nanSlice(len(vals))
	if len(vals) < period {
		return out
	}
	sum := 0.0
	for i, v := range vals {
		sum += v
		if i >= period {
			sum -= vals[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// stdSeries computes the rolling sample standard deviation around the
// supplied rolling mean.
func stdSeries(vals, mean []float64, period int) []float64 {
	out := nanSlice(len(vals))
	if len(vals) < period || period < 2 {
		return out
	}
	for i := period - 1; i < len(vals); i++ {
		m := mean[i]
		var ss float64
		for j := i - period + 1; j <= i; j++ {
			d := vals[j] - m
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(period-1))
	}
	return out
}

// atrSeries applies Wilder smoothing to the true range.
func atrSeries(bars []domain.Bar, period int) []float64 {
	out := nanSlice(len(bars))
	if len(bars) < period+1 {
		return out
	}

	tr := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		tr[i] = math.Max(bars[i].High-bars[i].Low,
			math.Max(math.Abs(bars[i].High-prevClose), math.Abs(bars[i].Low-prevClose)))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	out[period] = sum / float64(period)
	for i := period + 1; i < len(bars); i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// rsiSeries applies Wilder smoothing to average gains and losses.
func rsiSeries(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	if len(closes) < period+1 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFrom(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// macdSeries returns the MACD line (fast EMA minus slow EMA) and its signal
// line, an EMA of the MACD values themselves.
func macdSeries(closes []float64, fast, slow, signalPeriod int) (macd, signal []float64) {
	n := len(closes)
	macd = nanSlice(n)
	signal = nanSlice(n)

	fastEMA := emaSeries(closes, fast)
	slowEMA := emaSeries(closes, slow)
	firstMACD := -1
	for i := 0; i < n; i++ {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			macd[i] = fastEMA[i] - slowEMA[i]
			if firstMACD < 0 {
				firstMACD = i
			}
		}
	}
	if firstMACD < 0 || n-firstMACD < signalPeriod {
		return macd, signal
	}

	alpha := 2.0 / float64(signalPeriod+1)
	seedEnd := firstMACD + signalPeriod - 1
	sum := 0.0
	for i := firstMACD; i <= seedEnd; i++ {
		sum += macd[i]
	}
	signal[seedEnd] = sum / float64(signalPeriod)
	for i := seedEnd + 1; i < n; i++ {
		signal[i] = alpha*macd[i] + (1-alpha)*signal[i-1]
	}
	return macd, signal
}

// window52w returns the trailing max high and min low over up to 252 bars
// ending at index i.
func window52w(bars []domain.Bar, i int) (high, low float64) {
	start := i - 251
	if start < 0 {
		start = 0
	}
	low = math.MaxFloat64
	for j := start; j <= i; j++ {
		if bars[j].High > high {
			high = bars[j].High
		}
		if bars[j].Low < low {
			low = bars[j].Low
		}
	}
	if low == math.MaxFloat64 {
		low = 0
	}
	return high, low
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// valid converts a computed value to a pointer, mapping NaN and infinities
// to nil so they surface as null downstream.
func valid(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
