// Package memory implements the persistence interfaces over in-process maps.
// Offline scans and tests use it in place of postgres; semantics (upsert key,
// batch accounting, noise rules) match the postgres repos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/persistence"
)

// NewRepository builds a fully in-memory repository set.
func NewRepository() *persistence.Repository {
	return &persistence.Repository{
		Signals:     NewSignalsRepo(),
		Performance: NewPerformanceRepo(),
		Alerts:      NewAlertsRepo(),
		Tickers:     NewTickersRepo(nil),
	}
}

type signalKey struct {
	symbol   string
	strategy domain.Strategy
	scanDate time.Time
}

// SignalsRepo stores signal rows keyed by (symbol, strategy, scan_date).
type SignalsRepo struct {
	mu   sync.RWMutex
	rows map[signalKey]domain.Signal
}

func NewSignalsRepo() *SignalsRepo {
	return &SignalsRepo{rows: make(map[signalKey]domain.Signal)}
}

func keyOf(s domain.Signal) signalKey {
	return signalKey{symbol: s.Symbol, strategy: s.Strategy, scanDate: domain.Date(s.ScanDate)}
}

// UpsertBatch validates and writes each row independently; invalid rows fail
// without blocking the rest.
func (r *SignalsRepo) UpsertBatch(ctx context.Context, signals []domain.Signal) (persistence.BatchResult, error) {
	res := persistence.BatchResult{Attempted: len(signals)}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range signals {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.Validate(); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		r.rows[keyOf(s)] = s
		res.Succeeded++
	}
	return res, nil
}

func (r *SignalsRepo) SignalsOn(ctx context.Context, date time.Time, strategy domain.Strategy) ([]domain.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	date = domain.Date(date)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Signal
	for k, s := range r.rows {
		if !k.scanDate.Equal(date) {
			continue
		}
		if strategy != "" && s.Strategy != strategy {
			continue
		}
		out = append(out, s)
	}
	sortSignals(out)
	return out, nil
}

func (r *SignalsRepo) ActiveOn(ctx context.Context, date time.Time, strategy domain.Strategy) ([]domain.Signal, error) {
	all, err := r.SignalsOn(ctx, date, strategy)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, s := range all {
		if s.IsActive {
			active = append(active, s)
		}
	}
	return active, nil
}

func (r *SignalsRepo) ExpirePast(ctx context.Context, today time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	today = domain.Date(today)
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, s := range r.rows {
		if !s.IsActive || s.Expiry == nil {
			continue
		}
		if domain.Date(*s.Expiry).Before(today) {
			s.IsActive = false
			s.Status = domain.StatusExpired
			s.UpdatedAt = time.Now().UTC()
			r.rows[k] = s
			n++
		}
	}
	return n, nil
}

func (r *SignalsRepo) CleanupNoise(ctx context.Context, today time.Time, rules persistence.NoiseRules) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	today = domain.Date(today)
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, s := range r.rows {
		if !s.IsActive {
			continue
		}
		noisy := s.OverallScore < rules.MinOverallScore
		if !noisy && s.Expiry != nil && rules.MinDaysToExpiry > 0 {
			dte := int(domain.Date(*s.Expiry).Sub(today).Hours() / 24)
			noisy = dte < rules.MinDaysToExpiry
		}
		if noisy {
			s.IsActive = false
			s.UpdatedAt = time.Now().UTC()
			r.rows[k] = s
			n++
		}
	}
	return n, nil
}

// ReconcileDuplicates is structurally impossible here: the map key is the
// uniqueness constraint. Kept for interface completeness.
func (r *SignalsRepo) ReconcileDuplicates(ctx context.Context, date time.Time, strategy domain.Strategy) (int64, error) {
	return 0, ctx.Err()
}

func sortSignals(rows []domain.Signal) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Symbol != rows[j].Symbol {
			return rows[i].Symbol < rows[j].Symbol
		}
		return rows[i].Strategy < rows[j].Strategy
	})
}

// PerformanceRepo stores one paper-trade record per signal_id.
type PerformanceRepo struct {
	mu     sync.RWMutex
	nextID int64
	recs   map[string]domain.PerformanceRecord
}

func NewPerformanceRepo() *PerformanceRepo {
	return &PerformanceRepo{recs: make(map[string]domain.PerformanceRecord)}
}

func (r *PerformanceRepo) Open(ctx context.Context, rec domain.PerformanceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.recs[rec.SignalID]; exists {
		return nil
	}
	r.nextID++
	rec.ID = r.nextID
	rec.Status = domain.PerformanceActive
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	r.recs[rec.SignalID] = rec
	return nil
}

func (r *PerformanceRepo) Get(ctx context.Context, signalID string) (*domain.PerformanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recs[signalID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *PerformanceRepo) Close(ctx context.Context, rec domain.PerformanceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.recs[rec.SignalID]
	if !ok {
		return fmt.Errorf("performance record for signal %s not found", rec.SignalID)
	}
	if existing.Status == domain.PerformanceClosed {
		return nil
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	rec.Status = domain.PerformanceClosed
	rec.UpdatedAt = time.Now().UTC()
	r.recs[rec.SignalID] = rec
	return nil
}

func (r *PerformanceRepo) Update(ctx context.Context, rec domain.PerformanceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.recs[rec.SignalID]
	if !ok {
		return fmt.Errorf("performance record for signal %s not found", rec.SignalID)
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	r.recs[rec.SignalID] = rec
	return nil
}

func (r *PerformanceRepo) ClosedMissingHits(ctx context.Context, limit int) ([]domain.PerformanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PerformanceRecord
	for _, rec := range r.recs {
		if rec.Status == domain.PerformanceClosed && rec.MaxPriceReached == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AlertsRepo stores alert records with the per-day uniqueness the postgres
// schema enforces with a partial unique index.
type AlertsRepo struct {
	mu     sync.RWMutex
	nextID int64
	alerts []domain.AlertRecord
	seen   map[string]struct{}
}

func NewAlertsRepo() *AlertsRepo {
	return &AlertsRepo{seen: make(map[string]struct{})}
}

func (r *AlertsRepo) Insert(ctx context.Context, alert domain.AlertRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", alert.SignalID, alert.Tier, domain.Date(time.Now().UTC()).Format("2006-01-02"))
	if _, dup := r.seen[key]; dup {
		return nil
	}
	r.seen[key] = struct{}{}
	r.nextID++
	alert.ID = r.nextID
	alert.CreatedAt = time.Now().UTC()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *AlertsRepo) ListUndelivered(ctx context.Context, limit int) ([]domain.AlertRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.AlertRecord
	for _, a := range r.alerts {
		if a.Delivered {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// All returns every stored alert; tests assert against it.
func (r *AlertsRepo) All() []domain.AlertRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AlertRecord, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// TickersRepo serves a fixed universe seeded at construction.
type TickersRepo struct {
	mu      sync.RWMutex
	tickers map[string]domain.Ticker
}

func NewTickersRepo(seed []domain.Ticker) *TickersRepo {
	r := &TickersRepo{tickers: make(map[string]domain.Ticker, len(seed))}
	for _, t := range seed {
		r.tickers[t.Symbol] = t
	}
	return r
}

// Put adds or replaces a universe row.
func (r *TickersRepo) Put(t domain.Ticker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickers[t.Symbol] = t
}

func (r *TickersRepo) Universe(ctx context.Context, filter persistence.UniverseFilter) ([]domain.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Ticker
	for _, t := range r.tickers {
		if !t.IsActive {
			continue
		}
		if !matches(filter.Exchanges, t.Exchange) ||
			!matches(filter.Countries, t.Country) ||
			!matches(filter.Sectors, t.Sector) ||
			!matches(filter.TickerTypes, string(t.TickerType)) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *TickersRepo) Get(ctx context.Context, symbol string) (*domain.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickers[domain.NormalizeSymbol(symbol)]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func matches(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, v) {
			return true
		}
	}
	return false
}
