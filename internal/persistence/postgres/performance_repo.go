package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/persistence"
)

type performanceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPerformanceRepo builds the postgres paper-trade repository.
func NewPerformanceRepo(db *sqlx.DB, timeout time.Duration) persistence.PerformanceRepo {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &performanceRepo{db: db, timeout: timeout}
}

// Open inserts an ACTIVE record. The unique signal_id constraint makes a
// repeat open a no-op.
func (r *performanceRepo) Open(ctx context.Context, rec domain.PerformanceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	targetsJSON, err := json.Marshal(rec.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	hitsJSON, err := json.Marshal(rec.Hits)
	if err != nil {
		return fmt.Errorf("marshal target hits: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO signal_performance (
			signal_id, symbol, entry_date, entry_price, status,
			stop_loss_price, target_prices, targets_hit, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (signal_id) DO NOTHING`,
		rec.SignalID, rec.Symbol, rec.EntryDate, rec.EntryPrice, domain.PerformanceActive,
		rec.StopLossPrice, targetsJSON, hitsJSON)
	if err != nil {
		return &domain.StoreError{Op: "open performance record", Err: err}
	}
	return nil
}

const selectPerformanceSQL = `
	SELECT id, signal_id, symbol, entry_date, entry_price,
	       exit_date, exit_price, exit_reason, status,
	       return_pct, days_held, is_winner,
	       stop_loss_price, target_prices, targets_hit, max_price_reached,
	       created_at, updated_at
	FROM signal_performance`

// Get returns the record for a signal, or nil when none exists.
func (r *performanceRepo) Get(ctx context.Context, signalID string) (*domain.PerformanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, selectPerformanceSQL+` WHERE signal_id = $1`, signalID)
	rec, err := scanPerformance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &domain.StoreError{Op: "get performance record", Err: err}
	}
	return rec, nil
}

// Close flips the record to CLOSED with the exit outcome; closing an
// already-closed record changes nothing.
func (r *performanceRepo) Close(ctx context.Context, rec domain.PerformanceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hitsJSON, err := json.Marshal(rec.Hits)
	if err != nil {
		return fmt.Errorf("marshal target hits: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE signal_performance
		SET exit_date = $2, exit_price = $3, exit_reason = $4, status = $5,
		    return_pct = $6, days_held = $7, is_winner = $8,
		    targets_hit = $9, max_price_reached = $10, updated_at = NOW()
		WHERE signal_id = $1 AND status = $11`,
		rec.SignalID, rec.ExitDate, rec.ExitPrice, rec.ExitReason, domain.PerformanceClosed,
		rec.ReturnPct, rec.DaysHeld, rec.IsWinner,
		hitsJSON, rec.MaxPriceReached, domain.PerformanceActive)
	if err != nil {
		return &domain.StoreError{Op: "close performance record", Err: err}
	}
	return nil
}

// Update rewrites the mutable outcome fields regardless of status; the
// backfill job uses it to attach re-derived target hits.
func (r *performanceRepo) Update(ctx context.Context, rec domain.PerformanceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hitsJSON, err := json.Marshal(rec.Hits)
	if err != nil {
		return fmt.Errorf("marshal target hits: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE signal_performance
		SET exit_date = $2, exit_price = $3, exit_reason = $4,
		    return_pct = $5, days_held = $6, is_winner = $7,
		    targets_hit = $8, max_price_reached = $9, updated_at = NOW()
		WHERE signal_id = $1`,
		rec.SignalID, rec.ExitDate, rec.ExitPrice, rec.ExitReason,
		rec.ReturnPct, rec.DaysHeld, rec.IsWinner,
		hitsJSON, rec.MaxPriceReached)
	if err != nil {
		return &domain.StoreError{Op: "update performance record", Err: err}
	}
	return nil
}

// ClosedMissingHits lists closed records whose target-hit detail never got
// derived (all-false hits and no max price recorded).
func (r *performanceRepo) ClosedMissingHits(ctx context.Context, limit int) ([]domain.PerformanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryxContext(ctx, selectPerformanceSQL+`
		WHERE status = $1 AND max_price_reached IS NULL
		ORDER BY exit_date
		LIMIT $2`,
		domain.PerformanceClosed, limit)
	if err != nil {
		return nil, &domain.StoreError{Op: "list closed records missing hits", Err: err}
	}
	defer rows.Close()

	var out []domain.PerformanceRecord
	for rows.Next() {
		rec, err := scanPerformance(rows)
		if err != nil {
			return nil, &domain.StoreError{Op: "scan performance row", Err: err}
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "iterate performance rows", Err: err}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerformance(row rowScanner) (*domain.PerformanceRecord, error) {
	var (
		rec         domain.PerformanceRecord
		exitDate    sql.NullTime
		exitPrice   sql.NullFloat64
		exitReason  sql.NullString
		returnPct   sql.NullFloat64
		daysHeld    sql.NullInt64
		isWinner    sql.NullBool
		maxPrice    sql.NullFloat64
		targetsJSON []byte
		hitsJSON    []byte
	)

	err := row.Scan(
		&rec.ID, &rec.SignalID, &rec.Symbol, &rec.EntryDate, &rec.EntryPrice,
		&exitDate, &exitPrice, &exitReason, &rec.Status,
		&returnPct, &daysHeld, &isWinner,
		&rec.StopLossPrice, &targetsJSON, &hitsJSON, &maxPrice,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if exitDate.Valid {
		rec.ExitDate = &exitDate.Time
	}
	if exitPrice.Valid {
		rec.ExitPrice = &exitPrice.Float64
	}
	if exitReason.Valid {
		reason := domain.ExitReason(exitReason.String)
		rec.ExitReason = &reason
	}
	if returnPct.Valid {
		rec.ReturnPct = &returnPct.Float64
	}
	if daysHeld.Valid {
		held := int(daysHeld.Int64)
		rec.DaysHeld = &held
	}
	if isWinner.Valid {
		rec.IsWinner = &isWinner.Bool
	}
	if maxPrice.Valid {
		rec.MaxPriceReached = &maxPrice.Float64
	}
	if len(targetsJSON) > 0 {
		if err := json.Unmarshal(targetsJSON, &rec.Targets); err != nil {
			return nil, fmt.Errorf("decode targets: %w", err)
		}
	}
	if len(hitsJSON) > 0 {
		if err := json.Unmarshal(hitsJSON, &rec.Hits); err != nil {
			return nil, fmt.Errorf("decode target hits: %w", err)
		}
	}
	return &rec, nil
}
