package indicators

import (
	"github.com/cqdev-co/signalrun/internal/domain"
)

// Consolidation describes a tight trading range over the examined window.
type Consolidation struct {
	InConsolidation bool    `json:"in_consolidation"`
	Days            int     `json:"days"`
	RangePct        float64 `json:"range_pct"`
}

// DetectConsolidation examines the last maxDays bars. The range percentage
// is the high-low spread over the window midpoint; the window consolidates
// when that spread stays within maxRangePct and spans at least minDays bars.
func DetectConsolidation(bars []domain.Bar, minDays, maxDays int, maxRangePct float64) Consolidation {
	if len(bars) == 0 || maxDays <= 0 {
		return Consolidation{}
	}
	start := len(bars) - maxDays
	if start < 0 {
		start = 0
	}
	window := bars[start:]
	if len(window) < minDays {
		return Consolidation{}
	}

	maxHigh, minLow := window[0].High, window[0].Low
	for _, b := range window[1:] {
		if b.High > maxHigh {
			maxHigh = b.High
		}
		if b.Low < minLow {
			minLow = b.Low
		}
	}
	mid := (maxHigh + minLow) / 2
	if mid <= 0 {
		return Consolidation{}
	}
	rangePct := (maxHigh - minLow) / mid * 100

	c := Consolidation{RangePct: rangePct}
	if rangePct <= maxRangePct {
		c.InConsolidation = true
		c.Days = len(window)
	}
	return c
}

// DetectHigherLows finds local minima over the last lookback bars by the
// three-point rule (a low below both neighbors) and reports whether at least
// two exist and each is strictly above the one before it.
func DetectHigherLows(bars []domain.Bar, lookback int) bool {
	if lookback > len(bars) {
		lookback = len(bars)
	}
	if lookback < 3 {
		return false
	}
	window := bars[len(bars)-lookback:]

	var minima []float64
	for i := 1; i < len(window)-1; i++ {
		if window[i].Low < window[i-1].Low && window[i].Low < window[i+1].Low {
			minima = append(minima, window[i].Low)
		}
	}
	if len(minima) < 2 {
		return false
	}
	for i := 1; i < len(minima); i++ {
		if minima[i] <= minima[i-1] {
			return false
		}
	}
	return true
}

// VolumeAcceleration compares mean volume of the last period bars against
// the period before it, as a percentage change. Returns 0 when history or
// the baseline is insufficient.
func VolumeAcceleration(bars []domain.Bar, period int) float64 {
	if period <= 0 || len(bars) < 2*period {
		return 0
	}
	recent := meanVolume(bars[len(bars)-period:])
	prior := meanVolume(bars[len(bars)-2*period : len(bars)-period])
	if prior == 0 {
		return 0
	}
	return (recent - prior) / prior * 100
}

// VolumeConsistencyScore is the fraction of the last lookback bars whose
// volume reaches mult times the 20-bar baseline preceding the window. When
// fewer than 20 bars precede the window the whole series average stands in.
func VolumeConsistencyScore(bars []domain.Bar, lookback int, mult float64) float64 {
	if lookback <= 0 || len(bars) < lookback {
		return 0
	}
	window := bars[len(bars)-lookback:]

	var baseline float64
	if prior := bars[:len(bars)-lookback]; len(prior) >= 20 {
		baseline = meanVolume(prior[len(prior)-20:])
	} else {
		baseline = meanVolume(bars)
	}
	if baseline == 0 {
		return 0
	}

	hits := 0
	for _, b := range window {
		if b.Volume >= mult*baseline {
			hits++
		}
	}
	return float64(hits) / float64(len(window))
}

// ConsecutiveGreenDays counts the trailing run of bars closing above their
// open, capped at maxLookback.
func ConsecutiveGreenDays(bars []domain.Bar, maxLookback int) int {
	run := 0
	for i := len(bars) - 1; i >= 0 && run < maxLookback; i-- {
		if !bars[i].IsGreen() {
			break
		}
		run++
	}
	return run
}

func meanVolume(bars []domain.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars {
		sum += b.Volume
	}
	return sum / float64(len(bars))
}
