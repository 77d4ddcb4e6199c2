package domain

import "time"

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// OptionsContract is one listed contract observed on a chain fetch, annotated
// with the flow metrics the unusual-activity detector consumes.
type OptionsContract struct {
	Ticker            string     `json:"ticker"`
	OptionSymbol      string     `json:"option_symbol"`
	Strike            float64    `json:"strike"`
	Expiry            time.Time  `json:"expiry"`
	OptionType        OptionType `json:"option_type"`
	Volume            float64    `json:"volume"`
	OpenInterest      float64    `json:"open_interest"`
	LastPrice         float64    `json:"last_price"`
	ImpliedVolatility float64    `json:"implied_volatility"`
	DaysToExpiry      int        `json:"days_to_expiry"`
	AggressiveOrderPct float64   `json:"aggressive_order_pct"`
	PremiumFlow       float64    `json:"premium_flow"`
	DetectedAt        time.Time  `json:"detected_at"`
}

// VolumeOIRatio returns contract volume over open interest, 0 when OI is 0.
func (c OptionsContract) VolumeOIRatio() float64 {
	if c.OpenInterest <= 0 {
		return 0
	}
	return c.Volume / c.OpenInterest
}

// Expired reports whether the contract's expiry date is strictly before the
// given day (date comparison, not instant comparison).
func (c OptionsContract) Expired(day time.Time) bool {
	ey, em, ed := c.Expiry.Date()
	dy, dm, dd := day.Date()
	expiry := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	today := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	return expiry.Before(today)
}
