package domain

import (
	"strings"
	"time"
)

// TickerType classifies the instrument behind a symbol.
type TickerType string

const (
	TickerStock            TickerType = "stock"
	TickerETF              TickerType = "etf"
	TickerOptionUnderlying TickerType = "option_underlying"
)

// Ticker is immutable reference data for one symbol. Rows are maintained by
// universe-refresh jobs outside the engine; scans only read them.
type Ticker struct {
	Symbol      string     `json:"symbol" db:"symbol"`
	Name        string     `json:"name" db:"name"`
	Exchange    string     `json:"exchange" db:"exchange"`
	Country     string     `json:"country" db:"country"`
	Currency    string     `json:"currency" db:"currency"`
	Sector      string     `json:"sector" db:"sector"`
	Industry    string     `json:"industry" db:"industry"`
	MarketCap   float64    `json:"market_cap" db:"market_cap"`
	TickerType  TickerType `json:"ticker_type" db:"ticker_type"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	LastFetched *time.Time `json:"last_fetched,omitempty" db:"last_fetched"`
}

// NormalizeSymbol uppercases and trims a raw symbol string.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// TickerInfo carries the fundamental fields a provider returns for a symbol.
// Any field may be zero when the provider has no data.
type TickerInfo struct {
	Symbol          string  `json:"symbol"`
	Name            string  `json:"name"`
	Exchange        string  `json:"exchange"`
	Country         string  `json:"country"`
	Currency        string  `json:"currency"`
	Sector          string  `json:"sector"`
	Industry        string  `json:"industry"`
	MarketCap       float64 `json:"market_cap"`
	SharesFloat     float64 `json:"shares_float"`
	AvgVolume10d    float64 `json:"avg_volume_10d"`
	TrailingPE      float64 `json:"trailing_pe"`
	ForwardEPS      float64 `json:"forward_eps"`
	ShortPctOfFloat float64 `json:"short_pct_of_float"`
}

// Empty reports whether the provider returned no usable record.
func (t TickerInfo) Empty() bool {
	return t.Symbol == "" && t.Name == ""
}
