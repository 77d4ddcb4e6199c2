// Package postgres implements the persistence repositories over sqlx and
// lib/pq. All writes are idempotent: signals upsert on the
// (symbol, strategy, scan_date) key, performance and alerts insert behind
// unique constraints with ON CONFLICT DO NOTHING.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/persistence"
)

const signalsPageSize = 1000

// SignalsRepoConfig tunes batching for the signals repository.
type SignalsRepoConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultSignalsRepoConfig returns the standard write profile.
func DefaultSignalsRepoConfig() SignalsRepoConfig {
	return SignalsRepoConfig{
		BatchSize:  100,
		BatchDelay: 100 * time.Millisecond,
		Timeout:    30 * time.Second,
	}
}

func (c SignalsRepoConfig) withDefaults() SignalsRepoConfig {
	d := DefaultSignalsRepoConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = d.BatchDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

type signalsRepo struct {
	db  *sqlx.DB
	cfg SignalsRepoConfig
}

// NewSignalsRepo builds the postgres signals repository.
func NewSignalsRepo(db *sqlx.DB, cfg SignalsRepoConfig) persistence.SignalsRepo {
	return &signalsRepo{db: db, cfg: cfg.withDefaults()}
}

const upsertSignalSQL = `
	INSERT INTO signals (
		signal_id, symbol, strategy, scan_date, scan_timestamp,
		signal_status, days_active, first_detected_date, last_active_date, is_active,
		close_price, component_scores, overall_score, grade, recommendation,
		stop_loss_level, position_size_pct, pump_dump_warning, high_risk_country,
		expiry, strategy_payload, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10,
		$11, $12, $13, $14, $15,
		$16, $17, $18, $19,
		$20, $21, NOW(), NOW()
	)
	ON CONFLICT (symbol, strategy, scan_date) DO UPDATE SET
		signal_id = EXCLUDED.signal_id,
		scan_timestamp = EXCLUDED.scan_timestamp,
		signal_status = EXCLUDED.signal_status,
		days_active = EXCLUDED.days_active,
		first_detected_date = EXCLUDED.first_detected_date,
		last_active_date = EXCLUDED.last_active_date,
		is_active = EXCLUDED.is_active,
		close_price = EXCLUDED.close_price,
		component_scores = EXCLUDED.component_scores,
		overall_score = EXCLUDED.overall_score,
		grade = EXCLUDED.grade,
		recommendation = EXCLUDED.recommendation,
		stop_loss_level = EXCLUDED.stop_loss_level,
		position_size_pct = EXCLUDED.position_size_pct,
		pump_dump_warning = EXCLUDED.pump_dump_warning,
		high_risk_country = EXCLUDED.high_risk_country,
		expiry = EXCLUDED.expiry,
		strategy_payload = EXCLUDED.strategy_payload,
		updated_at = NOW()`

// UpsertBatch writes signals in sub-batches with an inter-batch delay.
// Per-row failures are counted and logged; only context cancellation aborts
// the whole batch.
func (r *signalsRepo) UpsertBatch(ctx context.Context, signals []domain.Signal) (persistence.BatchResult, error) {
	res := persistence.BatchResult{Attempted: len(signals)}

	for start := 0; start < len(signals); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(signals) {
			end = len(signals)
		}

		if start > 0 {
			timer := time.NewTimer(r.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, ctx.Err()
			case <-timer.C:
			}
		}

		for _, s := range signals[start:end] {
			if err := r.upsertOne(ctx, s); err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				res.Failed++
				if len(res.Errors) < 10 {
					res.Errors = append(res.Errors, fmt.Sprintf("%s/%s: %v", s.Symbol, s.Strategy, err))
				}
				log.Warn().
					Err(err).
					Str("symbol", s.Symbol).
					Str("strategy", string(s.Strategy)).
					Msg("signal upsert failed, row skipped")
				continue
			}
			res.Succeeded++
		}
	}
	return res, nil
}

func (r *signalsRepo) upsertOne(ctx context.Context, s domain.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	scoresJSON, err := json.Marshal(s.Scores)
	if err != nil {
		return fmt.Errorf("marshal component scores: %w", err)
	}
	var payloadJSON []byte
	if s.Payload != nil {
		payloadJSON, err = json.Marshal(s.Payload)
		if err != nil {
			return fmt.Errorf("marshal strategy payload: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, upsertSignalSQL,
		s.SignalID, s.Symbol, s.Strategy, s.ScanDate, s.ScanTimestamp,
		s.Status, s.DaysActive, s.FirstDetected, s.LastActiveDate, s.IsActive,
		s.ClosePrice, scoresJSON, s.OverallScore, s.Grade, s.Recommendation,
		s.StopLossLevel, s.PositionSizePct, s.PumpDumpWarning, s.HighRiskCountry,
		s.Expiry, payloadJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return &domain.StoreError{Op: "upsert signal", Err: fmt.Errorf("pq %s: %w", pqErr.Code, err)}
		}
		return &domain.StoreError{Op: "upsert signal", Err: err}
	}
	return nil
}

const selectSignalSQL = `
	SELECT signal_id, symbol, strategy, scan_date, scan_timestamp,
	       signal_status, days_active, first_detected_date, last_active_date, is_active,
	       close_price, component_scores, overall_score, grade, recommendation,
	       stop_loss_level, position_size_pct, pump_dump_warning, high_risk_country,
	       expiry, strategy_payload, created_at, updated_at
	FROM signals`

// SignalsOn pages through all rows for one date; strategy "" means all.
func (r *signalsRepo) SignalsOn(ctx context.Context, date time.Time, strategy domain.Strategy) ([]domain.Signal, error) {
	return r.pageSignals(ctx, date, strategy, false)
}

// ActiveOn pages through the live rows for one date and strategy.
func (r *signalsRepo) ActiveOn(ctx context.Context, date time.Time, strategy domain.Strategy) ([]domain.Signal, error) {
	return r.pageSignals(ctx, date, strategy, true)
}

func (r *signalsRepo) pageSignals(ctx context.Context, date time.Time, strategy domain.Strategy, activeOnly bool) ([]domain.Signal, error) {
	query := selectSignalSQL + ` WHERE scan_date = $1`
	args := []any{domain.Date(date)}
	if strategy != "" {
		args = append(args, strategy)
		query += fmt.Sprintf(" AND strategy = $%d", len(args))
	}
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += fmt.Sprintf(" ORDER BY symbol, strategy LIMIT %d OFFSET $%d", signalsPageSize, len(args)+1)

	var out []domain.Signal
	for offset := 0; ; offset += signalsPageSize {
		page, err := r.querySignals(ctx, query, append(args, offset)...)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < signalsPageSize {
			return out, nil
		}
	}
}

func (r *signalsRepo) querySignals(ctx context.Context, query string, args ...any) ([]domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StoreError{Op: "query signals", Err: err}
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, &domain.StoreError{Op: "scan signal row", Err: err}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "iterate signal rows", Err: err}
	}
	return out, nil
}

func scanSignal(rows *sqlx.Rows) (domain.Signal, error) {
	var (
		s           domain.Signal
		scoresJSON  []byte
		payloadJSON []byte
		expiry      sql.NullTime
	)
	err := rows.Scan(
		&s.SignalID, &s.Symbol, &s.Strategy, &s.ScanDate, &s.ScanTimestamp,
		&s.Status, &s.DaysActive, &s.FirstDetected, &s.LastActiveDate, &s.IsActive,
		&s.ClosePrice, &scoresJSON, &s.OverallScore, &s.Grade, &s.Recommendation,
		&s.StopLossLevel, &s.PositionSizePct, &s.PumpDumpWarning, &s.HighRiskCountry,
		&expiry, &payloadJSON, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}

	if expiry.Valid {
		t := expiry.Time
		s.Expiry = &t
	}
	if len(scoresJSON) > 0 {
		if err := json.Unmarshal(scoresJSON, &s.Scores); err != nil {
			return s, fmt.Errorf("decode component scores: %w", err)
		}
	}
	if len(payloadJSON) > 0 {
		payload, err := domain.UnmarshalPayload(s.Strategy, payloadJSON)
		if err != nil {
			return s, err
		}
		s.Payload = payload
	}
	return s, nil
}

// ExpirePast flips is_active off for rows whose contract lapsed before today.
func (r *signalsRepo) ExpirePast(ctx context.Context, today time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE signals
		SET is_active = FALSE, signal_status = 'EXPIRED', updated_at = NOW()
		WHERE expiry IS NOT NULL AND expiry < $1 AND is_active = TRUE`,
		domain.Date(today))
	if err != nil {
		return 0, &domain.StoreError{Op: "expire signals", Err: err}
	}
	return res.RowsAffected()
}

// CleanupNoise deactivates active rows matching the disqualifying rules.
func (r *signalsRepo) CleanupNoise(ctx context.Context, today time.Time, rules persistence.NoiseRules) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	dteCutoff := domain.Date(today).AddDate(0, 0, rules.MinDaysToExpiry)
	res, err := r.db.ExecContext(ctx, `
		UPDATE signals
		SET is_active = FALSE, updated_at = NOW()
		WHERE is_active = TRUE
		  AND ((expiry IS NOT NULL AND expiry < $1) OR overall_score < $2)`,
		dteCutoff, rules.MinOverallScore)
	if err != nil {
		return 0, &domain.StoreError{Op: "cleanup noise", Err: err}
	}
	return res.RowsAffected()
}

// ReconcileDuplicates keeps the freshest active row per (symbol, strategy)
// on one date and deactivates the rest.
func (r *signalsRepo) ReconcileDuplicates(ctx context.Context, date time.Time, strategy domain.Strategy) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE signals
		SET is_active = FALSE, updated_at = NOW()
		WHERE ctid IN (
			SELECT ctid FROM (
				SELECT ctid, ROW_NUMBER() OVER (
					PARTITION BY symbol, strategy
					ORDER BY updated_at DESC
				) AS rn
				FROM signals
				WHERE scan_date = $1 AND strategy = $2 AND is_active = TRUE
			) ranked
			WHERE ranked.rn > 1
		)`,
		domain.Date(date), strategy)
	if err != nil {
		return 0, &domain.StoreError{Op: "reconcile duplicates", Err: err}
	}
	return res.RowsAffected()
}
