// Package persistence defines the repository interfaces the engine writes
// through. Postgres implementations live in the postgres subpackage; tests
// swap in-memory fakes.
package persistence

import (
	"context"
	"time"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// BatchResult reports per-row outcomes of a batched write. Batch operations
// are best-effort: one failed row never blocks the rest.
type BatchResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// NoiseRules are the disqualifying predicates the cleanup sweep applies to
// active options signals.
type NoiseRules struct {
	// MinDaysToExpiry marks rows whose contract is too close to expiry.
	MinDaysToExpiry int `json:"min_days_to_expiry"`

	// MinOverallScore marks rows that decayed below the quality floor.
	MinOverallScore float64 `json:"min_overall_score"`
}

// UniverseFilter selects the symbols a scan covers.
type UniverseFilter struct {
	Exchanges   []string `yaml:"exchanges"`
	Countries   []string `yaml:"countries"`
	Sectors     []string `yaml:"sectors"`
	TickerTypes []string `yaml:"ticker_types"`
	Limit       int      `yaml:"limit"`
}

// SignalsRepo persists signal rows with idempotent upsert semantics on the
// (symbol, strategy, scan_date) key.
type SignalsRepo interface {
	// UpsertBatch writes rows in configurable sub-batches, pausing between
	// them to stay under the store's write budget. Applying the same batch
	// twice yields the same final rows.
	UpsertBatch(ctx context.Context, signals []domain.Signal) (BatchResult, error)

	// SignalsOn returns all rows for one scan date, optionally filtered by
	// strategy (empty means all). Paginated internally.
	SignalsOn(ctx context.Context, date time.Time, strategy domain.Strategy) ([]domain.Signal, error)

	// ActiveOn returns the live rows for one scan date and strategy.
	ActiveOn(ctx context.Context, date time.Time, strategy domain.Strategy) ([]domain.Signal, error)

	// ExpirePast flips is_active off for rows whose expiry precedes today.
	ExpirePast(ctx context.Context, today time.Time) (int64, error)

	// CleanupNoise marks inactive any active row matching the rules.
	CleanupNoise(ctx context.Context, today time.Time, rules NoiseRules) (int64, error)

	// ReconcileDuplicates keeps the freshest active row per
	// (symbol, strategy) on one date and deactivates the rest.
	ReconcileDuplicates(ctx context.Context, date time.Time, strategy domain.Strategy) (int64, error)
}

// PerformanceRepo persists paper-trade records, exactly one per signal.
type PerformanceRepo interface {
	// Open inserts an ACTIVE record for the signal. A second open for the
	// same signal_id is a no-op.
	Open(ctx context.Context, rec domain.PerformanceRecord) error

	// Get returns the record for a signal, or nil when none exists.
	Get(ctx context.Context, signalID string) (*domain.PerformanceRecord, error)

	// Close marks the record CLOSED with the exit outcome. Closing an
	// already-closed record is a no-op.
	Close(ctx context.Context, rec domain.PerformanceRecord) error

	// Update rewrites mutable outcome fields (backfill re-derivation).
	Update(ctx context.Context, rec domain.PerformanceRecord) error

	// ClosedMissingHits lists closed records lacking target-hit detail, for
	// the backfill job.
	ClosedMissingHits(ctx context.Context, limit int) ([]domain.PerformanceRecord, error)
}

// AlertsRepo persists emitted alert records; an external sink delivers them.
type AlertsRepo interface {
	// Insert writes the alert. At most one row per (signal, tier, day); a
	// duplicate within the day is dropped silently.
	Insert(ctx context.Context, alert domain.AlertRecord) error

	// ListUndelivered returns alerts the sink has not yet flushed.
	ListUndelivered(ctx context.Context, limit int) ([]domain.AlertRecord, error)
}

// TickersRepo reads the symbol universe. Rows are maintained by refresh jobs
// outside the engine.
type TickersRepo interface {
	Universe(ctx context.Context, filter UniverseFilter) ([]domain.Ticker, error)
	Get(ctx context.Context, symbol string) (*domain.Ticker, error)
}

// Repository bundles the engine's repositories.
type Repository struct {
	Signals     SignalsRepo
	Performance PerformanceRepo
	Alerts      AlertsRepo
	Tickers     TickersRepo
}
