package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/persistence"
)

type alertsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAlertsRepo builds the postgres alerts repository.
func NewAlertsRepo(db *sqlx.DB, timeout time.Duration) persistence.AlertsRepo {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &alertsRepo{db: db, timeout: timeout}
}

// Insert writes the alert; the per-day unique index on
// (signal_id, tier, date_trunc('day', created_at)) absorbs duplicates.
func (r *alertsRepo) Insert(ctx context.Context, alert domain.AlertRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payloadJSON, err := json.Marshal(alert.Payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO alerts (signal_id, symbol, strategy, tier, payload, created_at, delivered)
		VALUES ($1, $2, $3, $4, $5, NOW(), FALSE)
		ON CONFLICT DO NOTHING`,
		alert.SignalID, alert.Symbol, alert.Strategy, alert.Tier, payloadJSON)
	if err != nil {
		return &domain.StoreError{Op: "insert alert", Err: err}
	}
	return nil
}

// ListUndelivered returns alerts the external sink has not flushed yet.
func (r *alertsRepo) ListUndelivered(ctx context.Context, limit int) ([]domain.AlertRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, signal_id, symbol, strategy, tier, payload, created_at, delivered
		FROM alerts
		WHERE delivered = FALSE
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, &domain.StoreError{Op: "list undelivered alerts", Err: err}
	}
	defer rows.Close()

	var out []domain.AlertRecord
	for rows.Next() {
		var (
			a           domain.AlertRecord
			payloadJSON []byte
		)
		if err := rows.Scan(&a.ID, &a.SignalID, &a.Symbol, &a.Strategy, &a.Tier,
			&payloadJSON, &a.CreatedAt, &a.Delivered); err != nil {
			return nil, &domain.StoreError{Op: "scan alert row", Err: err}
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &a.Payload); err != nil {
				return nil, &domain.StoreError{Op: "decode alert payload", Err: err}
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "iterate alert rows", Err: err}
	}
	return out, nil
}
