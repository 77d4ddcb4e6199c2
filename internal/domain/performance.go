package domain

import "time"

// ExitReason records why a paper position closed.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitProfitTarget ExitReason = "PROFIT_TARGET"
	ExitSignalEnded  ExitReason = "SIGNAL_ENDED"
	ExitExpired      ExitReason = "EXPIRED"
)

// PerformanceStatus is the open/closed state of a paper position.
type PerformanceStatus string

const (
	PerformanceActive PerformanceStatus = "ACTIVE"
	PerformanceClosed PerformanceStatus = "CLOSED"
)

// TargetLevels are the profit targets attached to a paper position at entry,
// expressed as absolute prices.
type TargetLevels struct {
	T1 float64 `json:"t1"`
	T2 float64 `json:"t2"`
	T3 float64 `json:"t3"`
}

// TargetsHit flags which target levels the position touched intraday.
type TargetsHit struct {
	T1 bool `json:"t1"`
	T2 bool `json:"t2"`
	T3 bool `json:"t3"`
}

// PerformanceRecord is one paper trade per signal: opened when the signal is
// first detected, closed when the signal's lifecycle terminates.
type PerformanceRecord struct {
	ID       int64  `json:"id" db:"id"`
	SignalID string `json:"signal_id" db:"signal_id"`
	Symbol   string `json:"symbol" db:"symbol"`

	EntryDate  time.Time `json:"entry_date" db:"entry_date"`
	EntryPrice float64   `json:"entry_price" db:"entry_price"`

	ExitDate   *time.Time  `json:"exit_date,omitempty" db:"exit_date"`
	ExitPrice  *float64    `json:"exit_price,omitempty" db:"exit_price"`
	ExitReason *ExitReason `json:"exit_reason,omitempty" db:"exit_reason"`

	Status    PerformanceStatus `json:"status" db:"status"`
	ReturnPct *float64          `json:"return_pct,omitempty" db:"return_pct"`
	DaysHeld  *int              `json:"days_held,omitempty" db:"days_held"`
	IsWinner  *bool             `json:"is_winner,omitempty" db:"is_winner"`

	StopLossPrice   float64      `json:"stop_loss_price" db:"stop_loss_price"`
	Targets         TargetLevels `json:"target_prices" db:"target_prices"`
	Hits            TargetsHit   `json:"targets_hit" db:"targets_hit"`
	MaxPriceReached *float64     `json:"max_price_reached,omitempty" db:"max_price_reached"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Open reports whether the position has not been closed yet.
func (r PerformanceRecord) Open() bool {
	return r.Status == PerformanceActive
}

// AlertTier buckets alerts by conviction.
type AlertTier string

const (
	AlertTierS         AlertTier = "S"
	AlertTierA         AlertTier = "A"
	AlertTierSuspicion AlertTier = "suspicion"
	AlertTierPumpDump  AlertTier = "pump_dump"
)

// AlertRecord is an emitted alert awaiting delivery by an external sink.
type AlertRecord struct {
	ID        int64           `json:"id" db:"id"`
	SignalID  string          `json:"signal_id" db:"signal_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Strategy  Strategy        `json:"strategy" db:"strategy"`
	Tier      AlertTier       `json:"tier" db:"tier"`
	Payload   map[string]any  `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	Delivered bool            `json:"delivered" db:"delivered"`
}
