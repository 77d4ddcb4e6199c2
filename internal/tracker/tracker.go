// Package tracker maintains paper-trading outcomes per signal: a position
// opens when a signal first appears and closes when its lifecycle ends, with
// the exit derived from intraday highs and lows between entry and exit.
// Stop-loss checks run before profit targets on the same bar; when both
// trigger on one day, the stop wins.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/marketdata"
	"github.com/cqdev-co/signalrun/internal/persistence"
)

// PriceHistory is the slice of the fetcher the tracker needs.
type PriceHistory interface {
	GetOHLCV(ctx context.Context, symbol string, period marketdata.Period) ([]domain.Bar, error)
}

// Base profit targets as fractions above entry, before payload scaling.
const (
	baseTarget1 = 0.10
	baseTarget2 = 0.20
	baseTarget3 = 0.30

	breakoutScale    = 1.1
	volumeSpikeScale = 1.2
	volumeSpikeFloor = 5.0
)

// Summary reports what one tracker pass did.
type Summary struct {
	Opened int `json:"opened"`
	Closed int `json:"closed"`
	Errors int `json:"errors"`
}

// Tracker opens and closes paper positions. Re-invocation with the same
// signal rows is a no-op: opens are keyed by signal_id and closes only touch
// ACTIVE records.
type Tracker struct {
	repo    persistence.PerformanceRepo
	history PriceHistory
}

func New(repo persistence.PerformanceRepo, history PriceHistory) *Tracker {
	return &Tracker{repo: repo, history: history}
}

// ProcessTransitions applies one scan's lifecycle deltas: NEW rows open
// positions, terminal rows close them. Per-signal failures are counted and
// logged, never fatal.
func (t *Tracker) ProcessTransitions(ctx context.Context, rows []domain.Signal) (Summary, error) {
	var sum Summary
	for _, s := range rows {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		var err error
		switch {
		case s.Status == domain.StatusNew:
			err = t.open(ctx, s)
			if err == nil {
				sum.Opened++
			}
		case s.Status.Terminal():
			err = t.close(ctx, s)
			if err == nil {
				sum.Closed++
			}
		default:
			continue
		}
		if err != nil {
			sum.Errors++
			log.Warn().
				Err(err).
				Str("symbol", s.Symbol).
				Str("signal_id", s.SignalID).
				Str("status", string(s.Status)).
				Msg("tracker transition failed")
		}
	}
	return sum, nil
}

func (t *Tracker) open(ctx context.Context, s domain.Signal) error {
	if s.ClosePrice <= 0 {
		return fmt.Errorf("open %s: non-positive entry price", s.SignalID)
	}
	rec := domain.PerformanceRecord{
		SignalID:      s.SignalID,
		Symbol:        s.Symbol,
		EntryDate:     s.ScanDate,
		EntryPrice:    s.ClosePrice,
		Status:        domain.PerformanceActive,
		StopLossPrice: s.StopLossLevel,
		Targets:       targetsFor(s),
	}
	return t.repo.Open(ctx, rec)
}

// targetsFor scales the base target ladder by the signal's setup: breakouts
// run further, and 5x volume spikes further still.
func targetsFor(s domain.Signal) domain.TargetLevels {
	mult := 1.0
	if p, ok := s.Payload.(domain.PennyPayload); ok {
		if p.BreakoutFromBase {
			mult *= breakoutScale
		}
		if p.VolumeRatio >= volumeSpikeFloor {
			mult *= volumeSpikeScale
		}
	} else if p, ok := s.Payload.(domain.SqueezePayload); ok {
		if p.VolumeRatio >= volumeSpikeFloor {
			mult *= volumeSpikeScale
		}
	}
	return domain.TargetLevels{
		T1: s.ClosePrice * (1 + baseTarget1*mult),
		T2: s.ClosePrice * (1 + baseTarget2*mult),
		T3: s.ClosePrice * (1 + baseTarget3*mult),
	}
}

func (t *Tracker) close(ctx context.Context, s domain.Signal) error {
	rec, err := t.repo.Get(ctx, s.SignalID)
	if err != nil {
		return err
	}
	if rec == nil {
		log.Debug().Str("signal_id", s.SignalID).Msg("no open position for terminal signal")
		return nil
	}
	if !rec.Open() {
		return nil
	}

	outcome := t.deriveOutcome(ctx, *rec, s)
	return t.repo.Close(ctx, outcome)
}

// deriveOutcome walks intraday history between entry and exit. When the
// range fetch fails the position still closes at the signal's last price.
func (t *Tracker) deriveOutcome(ctx context.Context, rec domain.PerformanceRecord, s domain.Signal) domain.PerformanceRecord {
	exitDate := s.ScanDate
	exitPrice := s.ClosePrice
	reason := domain.ExitSignalEnded
	if s.Status == domain.StatusExpired {
		reason = domain.ExitExpired
	}

	bars, err := t.rangeBars(ctx, rec.Symbol, rec.EntryDate, exitDate)
	if err != nil {
		log.Warn().
			Err(err).
			Str("symbol", rec.Symbol).
			Msg("intraday range fetch failed, closing at signal end price")
	} else {
		walked := walkRange(rec, bars)
		rec.Hits = walked.hits
		rec.MaxPriceReached = walked.maxPrice
		switch {
		case walked.exit != nil:
			exitDate = walked.exit.date
			exitPrice = walked.exit.price
			reason = walked.exit.reason
		case len(bars) > 0:
			// No stop or target struck: the fill is the exit date's close.
			// A terminal signal row carries the prior day's close, which is
			// one session stale by the time the position unwinds.
			exitPrice = bars[len(bars)-1].Close
		}
	}

	returnPct := (exitPrice - rec.EntryPrice) / rec.EntryPrice * 100
	daysHeld := int(exitDate.Sub(domain.Date(rec.EntryDate)).Hours() / 24)
	isWinner := returnPct > 0

	rec.Status = domain.PerformanceClosed
	rec.ExitDate = &exitDate
	rec.ExitPrice = &exitPrice
	rec.ExitReason = &reason
	rec.ReturnPct = &returnPct
	rec.DaysHeld = &daysHeld
	rec.IsWinner = &isWinner
	return rec
}

type exitEvent struct {
	date   time.Time
	price  float64
	reason domain.ExitReason
}

type walkResult struct {
	hits     domain.TargetsHit
	maxPrice *float64
	exit     *exitEvent
}

// walkRange scans the holding period day by day. The stop is checked before
// targets on every bar; the first stop or target strike becomes the exit
// event, and later bars only extend the max-price statistic.
func walkRange(rec domain.PerformanceRecord, bars []domain.Bar) walkResult {
	var res walkResult
	maxPrice := rec.EntryPrice

	for _, b := range bars {
		if b.High > maxPrice {
			maxPrice = b.High
		}

		if res.exit == nil && rec.StopLossPrice > 0 && b.Low <= rec.StopLossPrice {
			res.exit = &exitEvent{
				date:   domain.Date(b.Timestamp),
				price:  rec.StopLossPrice,
				reason: domain.ExitStopLoss,
			}
			// The position is gone; nothing after the stop counts.
			break
		}

		for _, target := range []struct {
			level float64
			hit   *bool
		}{
			{rec.Targets.T1, &res.hits.T1},
			{rec.Targets.T2, &res.hits.T2},
			{rec.Targets.T3, &res.hits.T3},
		} {
			if target.level <= 0 || *target.hit || b.High < target.level {
				continue
			}
			*target.hit = true
			if res.exit == nil {
				res.exit = &exitEvent{
					date:   domain.Date(b.Timestamp),
					price:  target.level,
					reason: domain.ExitProfitTarget,
				}
			}
		}
	}

	res.maxPrice = &maxPrice
	return res
}

// rangeBars fetches daily history and trims it to [entry, exit].
func (t *Tracker) rangeBars(ctx context.Context, symbol string, entry, exit time.Time) ([]domain.Bar, error) {
	bars, err := t.history.GetOHLCV(ctx, symbol, marketdata.Period1Y)
	if err != nil {
		return nil, err
	}
	entry = domain.Date(entry)
	exit = domain.Date(exit)

	var out []domain.Bar
	for _, b := range bars {
		d := domain.Date(b.Timestamp)
		if d.Before(entry) || d.After(exit) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Backfill re-derives target hits and max price for closed records that
// lack them. Returns how many records were updated.
func (t *Tracker) Backfill(ctx context.Context, limit int) (int, error) {
	records, err := t.repo.ClosedMissingHits(ctx, limit)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if rec.ExitDate == nil {
			continue
		}
		bars, err := t.rangeBars(ctx, rec.Symbol, rec.EntryDate, *rec.ExitDate)
		if err != nil {
			log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("backfill range fetch failed")
			continue
		}
		walked := walkRange(rec, bars)
		rec.Hits = walked.hits
		rec.MaxPriceReached = walked.maxPrice
		if err := t.repo.Update(ctx, rec); err != nil {
			log.Warn().Err(err).Str("signal_id", rec.SignalID).Msg("backfill update failed")
			continue
		}
		updated++
	}
	return updated, nil
}
