package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/persistence"
)

type tickersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTickersRepo builds the read-only postgres ticker repository.
func NewTickersRepo(db *sqlx.DB, timeout time.Duration) persistence.TickersRepo {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &tickersRepo{db: db, timeout: timeout}
}

const selectTickerSQL = `
	SELECT symbol, name, exchange, country, currency, sector, industry,
	       market_cap, ticker_type, is_active, last_fetched
	FROM tickers`

// Universe returns the active tickers matching the filter, ordered by symbol.
func (r *tickersRepo) Universe(ctx context.Context, filter persistence.UniverseFilter) ([]domain.Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := selectTickerSQL + ` WHERE is_active = TRUE`
	var args []any
	if len(filter.Exchanges) > 0 {
		args = append(args, pq.Array(filter.Exchanges))
		query += fmt.Sprintf(" AND exchange = ANY($%d)", len(args))
	}
	if len(filter.Countries) > 0 {
		args = append(args, pq.Array(filter.Countries))
		query += fmt.Sprintf(" AND country = ANY($%d)", len(args))
	}
	if len(filter.Sectors) > 0 {
		args = append(args, pq.Array(filter.Sectors))
		query += fmt.Sprintf(" AND sector = ANY($%d)", len(args))
	}
	if len(filter.TickerTypes) > 0 {
		args = append(args, pq.Array(filter.TickerTypes))
		query += fmt.Sprintf(" AND ticker_type = ANY($%d)", len(args))
	}
	query += " ORDER BY symbol"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StoreError{Op: "query ticker universe", Err: err}
	}
	defer rows.Close()

	var out []domain.Ticker
	for rows.Next() {
		t, err := scanTicker(rows)
		if err != nil {
			return nil, &domain.StoreError{Op: "scan ticker row", Err: err}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "iterate ticker rows", Err: err}
	}
	return out, nil
}

// Get returns one ticker, or nil when the symbol is unknown.
func (r *tickersRepo) Get(ctx context.Context, symbol string) (*domain.Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, selectTickerSQL+` WHERE symbol = $1`, domain.NormalizeSymbol(symbol))
	if err != nil {
		return nil, &domain.StoreError{Op: "get ticker", Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.StoreError{Op: "get ticker", Err: err}
		}
		return nil, nil
	}
	t, err := scanTicker(rows)
	if err != nil {
		return nil, &domain.StoreError{Op: "scan ticker row", Err: err}
	}
	return &t, nil
}

func scanTicker(rows *sqlx.Rows) (domain.Ticker, error) {
	var (
		t           domain.Ticker
		lastFetched sql.NullTime
	)
	err := rows.Scan(&t.Symbol, &t.Name, &t.Exchange, &t.Country, &t.Currency,
		&t.Sector, &t.Industry, &t.MarketCap, &t.TickerType, &t.IsActive, &lastFetched)
	if err != nil {
		return t, err
	}
	if lastFetched.Valid {
		t.LastFetched = &lastFetched.Time
	}
	return t, nil
}
