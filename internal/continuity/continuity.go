// Package continuity joins one day's candidate signals with the prior
// trading day's live signals for the same strategy, producing the exact row
// set the scan must write: NEW for first detections, CONTINUING for repeats,
// ENDED for drops, EXPIRED for lapsed contracts.
package continuity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/calendar"
	"github.com/cqdev-co/signalrun/internal/domain"
)

// Store is the slice of the signal repository the join needs: live signals
// for one strategy on one date.
type Store interface {
	ActiveOn(ctx context.Context, date time.Time, strategy domain.Strategy) ([]domain.Signal, error)
}

// Result is the full write set for one scan day plus transition counts.
type Result struct {
	Rows []domain.Signal

	New        int
	Continuing int
	Ended      int
	Expired    int
}

// Engine computes lifecycle transitions. Stateless between calls; prior-day
// state always comes from the store, so a same-day re-scan joins against the
// same baseline and upserts idempotently.
type Engine struct {
	store Store
	cal   calendar.TradingCalendar
	now   func() time.Time
}

func New(store Store, cal calendar.TradingCalendar) *Engine {
	return &Engine{store: store, cal: cal, now: time.Now}
}

// Reconcile joins today's candidates against the previous trading day's live
// signals. Candidates must already be scored.
func (e *Engine) Reconcile(ctx context.Context, strategy domain.Strategy, candidates []domain.CandidateSignal, today time.Time) (Result, error) {
	today = domain.Date(today)
	scanTS := e.now().UTC()

	prevLive, prevDay, err := e.previousLive(ctx, strategy, today)
	if err != nil {
		return Result{}, err
	}

	var res Result
	matched := make(map[domain.SignalKey]bool, len(candidates))

	for _, c := range candidates {
		if c.Strategy != strategy {
			return Result{}, fmt.Errorf("candidate %s has strategy %s, reconciling %s", c.Symbol, c.Strategy, strategy)
		}
		key := c.Key()
		if matched[key] {
			log.Warn().
				Str("symbol", c.Symbol).
				Str("strategy", string(strategy)).
				Msg("duplicate candidate for key dropped")
			continue
		}
		matched[key] = true

		// A contract that lapsed on or before today terminates regardless of
		// re-detection; no NEW or CONTINUING row may shadow it.
		if c.Expiry != nil && domain.Date(*c.Expiry).Before(today) {
			row := e.expiredFromCandidate(c, prevLive[key], today, scanTS)
			res.Rows = append(res.Rows, row)
			res.Expired++
			continue
		}

		if prev, ok := prevLive[key]; ok {
			res.Rows = append(res.Rows, continuingRow(prev, c, today, scanTS))
			res.Continuing++
		} else {
			res.Rows = append(res.Rows, newRow(c, today, scanTS))
			res.New++
		}
	}

	// Prior live signals nobody re-detected today: terminal audit rows.
	for key, prev := range prevLive {
		if matched[key] {
			continue
		}
		if prev.Expiry != nil && domain.Date(*prev.Expiry).Before(today) {
			res.Rows = append(res.Rows, expiredRow(prev, today, scanTS))
			res.Expired++
			continue
		}
		res.Rows = append(res.Rows, endedRow(prev, prevDay, today, scanTS))
		res.Ended++
	}

	for _, row := range res.Rows {
		if err := row.Validate(); err != nil {
			return Result{}, fmt.Errorf("continuity produced invalid row: %w", err)
		}
	}
	return res, nil
}

// previousLive loads the prior trading day's live signals keyed by
// (symbol, strategy). A first-ever scan has no prior day records and joins
// against an empty set.
func (e *Engine) previousLive(ctx context.Context, strategy domain.Strategy, today time.Time) (map[domain.SignalKey]domain.Signal, time.Time, error) {
	prevDay, err := e.cal.PreviousTradingDay(today)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("resolve previous trading day: %w", err)
	}

	signals, err := e.store.ActiveOn(ctx, prevDay, strategy)
	if err != nil {
		return nil, time.Time{}, &domain.StoreError{Op: "load previous-day signals", Err: err}
	}

	prevLive := make(map[domain.SignalKey]domain.Signal, len(signals))
	for _, s := range signals {
		if !s.IsActive {
			continue
		}
		key := s.Key()
		// Duplicate active rows should not exist (reconcile_duplicates sweeps
		// them); when they do, the freshest row wins the join.
		if existing, ok := prevLive[key]; ok && existing.UpdatedAt.After(s.UpdatedAt) {
			continue
		}
		prevLive[key] = s
	}
	return prevLive, prevDay, nil
}

func newRow(c domain.CandidateSignal, today, scanTS time.Time) domain.Signal {
	s := fromCandidate(c, today, scanTS)
	s.SignalID = uuid.NewString()
	s.Status = domain.StatusNew
	s.DaysActive = 1
	s.FirstDetected = today
	s.LastActiveDate = today
	s.IsActive = true
	return s
}

func continuingRow(prev domain.Signal, c domain.CandidateSignal, today, scanTS time.Time) domain.Signal {
	s := fromCandidate(c, today, scanTS)
	s.SignalID = prev.SignalID
	s.Status = domain.StatusContinuing
	s.DaysActive = prev.DaysActive + 1
	s.FirstDetected = prev.FirstDetected
	s.LastActiveDate = today
	s.IsActive = true
	return s
}

// endedRow is the terminal audit record for a signal that stopped being
// detected: dated today, last active on the prior trading day.
func endedRow(prev domain.Signal, prevDay, today, scanTS time.Time) domain.Signal {
	s := prev
	s.ScanDate = today
	s.ScanTimestamp = scanTS
	s.Status = domain.StatusEnded
	s.LastActiveDate = prevDay
	s.IsActive = false
	return s
}

func expiredRow(prev domain.Signal, today, scanTS time.Time) domain.Signal {
	s := prev
	s.ScanDate = today
	s.ScanTimestamp = scanTS
	s.Status = domain.StatusExpired
	s.IsActive = false
	return s
}

// expiredFromCandidate handles a lapsed contract that the detector still
// sees: the prior row's identity is kept when one exists, otherwise the
// expiry record gets a fresh id so the audit trail is complete.
func (e *Engine) expiredFromCandidate(c domain.CandidateSignal, prev domain.Signal, today, scanTS time.Time) domain.Signal {
	s := fromCandidate(c, today, scanTS)
	if prev.SignalID != "" {
		s.SignalID = prev.SignalID
		s.DaysActive = prev.DaysActive
		s.FirstDetected = prev.FirstDetected
		s.LastActiveDate = prev.LastActiveDate
	} else {
		s.SignalID = uuid.NewString()
		s.DaysActive = 1
		s.FirstDetected = today
		s.LastActiveDate = today
	}
	s.Status = domain.StatusExpired
	s.IsActive = false
	return s
}

// fromCandidate copies today's payload fields onto a signal shell. Lifecycle
// fields are set by the caller.
func fromCandidate(c domain.CandidateSignal, today, scanTS time.Time) domain.Signal {
	return domain.Signal{
		Symbol:          c.Symbol,
		Strategy:        c.Strategy,
		ScanDate:        today,
		ScanTimestamp:   scanTS,
		ClosePrice:      c.ClosePrice,
		Scores:          c.Scores,
		OverallScore:    c.OverallScore,
		Grade:           c.Grade,
		Recommendation:  c.Recommendation,
		StopLossLevel:   c.StopLossLevel,
		PositionSizePct: c.PositionSizePct,
		PumpDumpWarning: c.PumpDumpWarning,
		HighRiskCountry: c.HighRiskCountry,
		Expiry:          c.Expiry,
		Payload:         c.Payload,
	}
}
