package domain

import (
	"fmt"
	"sort"
	"time"
)

// Bar is a single OHLCV record at one timestamp.
type Bar struct {
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
}

// Validate checks the OHLC ordering invariant and non-negative volume.
func (b Bar) Validate() error {
	if b.Volume < 0 {
		return fmt.Errorf("bar %s: negative volume %f", b.Timestamp.Format("2006-01-02"), b.Volume)
	}
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo {
		return fmt.Errorf("bar %s: low %.4f above min(open, close) %.4f", b.Timestamp.Format("2006-01-02"), b.Low, lo)
	}
	if b.High < hi {
		return fmt.Errorf("bar %s: high %.4f below max(open, close) %.4f", b.Timestamp.Format("2006-01-02"), b.High, hi)
	}
	return nil
}

// IsGreen reports whether the bar closed above its open.
func (b Bar) IsGreen() bool {
	return b.Close > b.Open
}

// Range returns high minus low.
func (b Bar) Range() float64 {
	return b.High - b.Low
}

// DollarVolume approximates traded notional as close * volume.
func (b Bar) DollarVolume() float64 {
	return b.Close * b.Volume
}

// SortBars orders bars chronologically (oldest first) in place.
func SortBars(bars []Bar) {
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
}

// ValidateSeries checks every bar plus strict timestamp monotonicity.
func ValidateSeries(bars []Bar) error {
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return err
		}
		if i > 0 && !bars[i-1].Timestamp.Before(b.Timestamp) {
			return fmt.Errorf("bars not strictly increasing at index %d (%s >= %s)",
				i, bars[i-1].Timestamp.Format(time.RFC3339), b.Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// LastClose returns the close of the most recent bar, or 0 for an empty series.
func LastClose(bars []Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	return bars[len(bars)-1].Close
}
