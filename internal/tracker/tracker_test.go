package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/marketdata"
	"github.com/cqdev-co/signalrun/internal/persistence/memory"
)

type fakeHistory struct {
	bars map[string][]domain.Bar
	err  error
}

func (f *fakeHistory) GetOHLCV(_ context.Context, symbol string, _ marketdata.Period) ([]domain.Bar, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bars[symbol], nil
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func bar(date string, o, h, l, c float64) domain.Bar {
	return domain.Bar{Timestamp: day(date), Open: o, High: h, Low: l, Close: c, Volume: 1e6}
}

func newSignal(id string, price, stop float64, scanDate string) domain.Signal {
	return domain.Signal{
		SignalID:      id,
		Symbol:        "AAPL",
		Strategy:      domain.StrategySqueeze,
		ScanDate:      day(scanDate),
		Status:        domain.StatusNew,
		DaysActive:    1,
		IsActive:      true,
		ClosePrice:    price,
		StopLossLevel: stop,
	}
}

func endedSignal(id string, price float64, scanDate string) domain.Signal {
	s := newSignal(id, price, 0, scanDate)
	s.Status = domain.StatusEnded
	s.IsActive = false
	return s
}

func TestNewSignalOpensPosition(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	tr := New(repo, &fakeHistory{})

	sum, err := tr.ProcessTransitions(context.Background(), []domain.Signal{
		newSignal("sig-1", 10.0, 9.0, "2025-06-10"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Opened)

	rec, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 10.0, rec.EntryPrice)
	assert.Equal(t, 9.0, rec.StopLossPrice)
	assert.InDelta(t, 11.0, rec.Targets.T1, 1e-9)
	assert.InDelta(t, 12.0, rec.Targets.T2, 1e-9)
	assert.InDelta(t, 13.0, rec.Targets.T3, 1e-9)
}

func TestOpenIsIdempotent(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	tr := New(repo, &fakeHistory{})

	rows := []domain.Signal{newSignal("sig-1", 10.0, 9.0, "2025-06-10")}
	_, err := tr.ProcessTransitions(context.Background(), rows)
	require.NoError(t, err)

	// Same scan re-run: the second open must not reset the record.
	rows[0].ClosePrice = 99.0
	_, err = tr.ProcessTransitions(context.Background(), rows)
	require.NoError(t, err)

	rec, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, rec.EntryPrice)
}

func TestTargetsScaleWithBreakoutAndVolume(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	tr := New(repo, &fakeHistory{})

	s := newSignal("sig-1", 1.00, 0.85, "2025-06-10")
	s.Strategy = domain.StrategyPennyExplosion
	s.Payload = domain.PennyPayload{BreakoutFromBase: true, VolumeRatio: 6.0}

	_, err := tr.ProcessTransitions(context.Background(), []domain.Signal{s})
	require.NoError(t, err)

	rec, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	// 10% base target scaled by 1.1 (breakout) and 1.2 (volume spike).
	assert.InDelta(t, 1.0+0.10*1.1*1.2, rec.Targets.T1, 1e-9)
}

func TestCloseStopBeforeTargetOnSameBar(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	history := &fakeHistory{bars: map[string][]domain.Bar{
		// One wild bar spans both the stop (9.0) and target one (11.0).
		"AAPL": {bar("2025-06-11", 10.0, 11.5, 8.8, 9.5)},
	}}
	tr := New(repo, history)

	_, err := tr.ProcessTransitions(context.Background(), []domain.Signal{
		newSignal("sig-1", 10.0, 9.0, "2025-06-10"),
	})
	require.NoError(t, err)

	sum, err := tr.ProcessTransitions(context.Background(), []domain.Signal{
		endedSignal("sig-1", 9.5, "2025-06-12"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Closed)

	rec, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	require.NotNil(t, rec.ExitReason)
	assert.Equal(t, domain.ExitStopLoss, *rec.ExitReason)
	assert.Equal(t, 9.0, *rec.ExitPrice)
	assert.False(t, rec.Hits.T1, "nothing after the stop counts")
	require.NotNil(t, rec.IsWinner)
	assert.False(t, *rec.IsWinner)
}

func TestCloseTargetStrikeExitsAtTargetLevel(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	history := &fakeHistory{bars: map[string][]domain.Bar{
		"AAPL": {
			bar("2025-06-11", 10.0, 10.5, 9.8, 10.2),
			bar("2025-06-12", 10.2, 12.3, 10.1, 12.0), // strikes T1 and T2
		},
	}}
	tr := New(repo, history)

	_, err := tr.ProcessTransitions(context.Background(), []domain.Signal{
		newSignal("sig-1", 10.0, 9.0, "2025-06-10"),
	})
	require.NoError(t, err)

	_, err = tr.ProcessTransitions(context.Background(), []domain.Signal{
		endedSignal("sig-1", 12.0, "2025-06-13"),
	})
	require.NoError(t, err)

	rec, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	require.NotNil(t, rec.ExitReason)
	assert.Equal(t, domain.ExitProfitTarget, *rec.ExitReason)
	assert.InDelta(t, 11.0, *rec.ExitPrice, 1e-9, "exit at the first struck target, not the high")
	assert.True(t, rec.Hits.T1)
	assert.True(t, rec.Hits.T2)
	assert.False(t, rec.Hits.T3)
	assert.InDelta(t, 12.3, *rec.MaxPriceReached, 1e-9)
	require.NotNil(t, rec.ReturnPct)
	assert.InDelta(t, 10.0, *rec.ReturnPct, 1e-9)
}

func TestCloseWithoutStrikeExitsAtExitDateClose(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	history := &fakeHistory{bars: map[string][]domain.Bar{
		"AAPL": {
			bar("2025-06-11", 10.4, 10.6, 10.3, 10.5),
			bar("2025-06-12", 10.5, 10.95, 10.4, 10.9),
		},
	}}
	tr := New(repo, history)

	_, err := tr.ProcessTransitions(context.Background(), []domain.Signal{
		newSignal("sig-1", 10.0, 9.0, "2025-06-10"),
	})
	require.NoError(t, err)

	// The ENDED row carries the prior session's close (10.5); the fill must
	// be the exit date's close instead.
	_, err = tr.ProcessTransitions(context.Background(), []domain.Signal{
		endedSignal("sig-1", 10.5, "2025-06-12"),
	})
	require.NoError(t, err)

	rec, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	require.NotNil(t, rec.ExitPrice)
	assert.InDelta(t, 10.9, *rec.ExitPrice, 1e-9)
	assert.Equal(t, domain.ExitSignalEnded, *rec.ExitReason)
	require.NotNil(t, rec.ReturnPct)
	assert.InDelta(t, 9.0, *rec.ReturnPct, 1e-9)
	assert.False(t, rec.Hits.T1)
}

func TestCloseFallsBackWhenHistoryUnavailable(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	tr := New(repo, &fakeHistory{err: errors.New("provider down")})

	_, err := tr.ProcessTransitions(context.Background(), []domain.Signal{
		newSignal("sig-1", 10.0, 9.0, "2025-06-10"),
	})
	require.NoError(t, err)

	_, err = tr.ProcessTransitions(context.Background(), []domain.Signal{
		endedSignal("sig-1", 10.8, "2025-06-12"),
	})
	require.NoError(t, err)

	rec, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PerformanceClosed, rec.Status)
	assert.Equal(t, 10.8, *rec.ExitPrice)
	assert.Equal(t, domain.ExitSignalEnded, *rec.ExitReason)
}

func TestCloseExpiredSignalUsesExpiredReason(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	history := &fakeHistory{bars: map[string][]domain.Bar{
		"AAPL": {bar("2025-06-11", 10.0, 10.2, 9.9, 10.1)},
	}}
	tr := New(repo, history)

	_, err := tr.ProcessTransitions(context.Background(), []domain.Signal{
		newSignal("sig-1", 10.0, 9.0, "2025-06-10"),
	})
	require.NoError(t, err)

	expired := endedSignal("sig-1", 10.1, "2025-06-12")
	expired.Status = domain.StatusExpired
	_, err = tr.ProcessTransitions(context.Background(), []domain.Signal{expired})
	require.NoError(t, err)

	rec, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExitExpired, *rec.ExitReason)
}

func TestTerminalWithoutOpenPositionIsNoop(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	tr := New(repo, &fakeHistory{})

	sum, err := tr.ProcessTransitions(context.Background(), []domain.Signal{
		endedSignal("sig-unknown", 10.0, "2025-06-12"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Closed)
	assert.Zero(t, sum.Errors)
}

func TestContinuingRowsAreIgnored(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	tr := New(repo, &fakeHistory{})

	s := newSignal("sig-1", 10.0, 9.0, "2025-06-10")
	s.Status = domain.StatusContinuing
	sum, err := tr.ProcessTransitions(context.Background(), []domain.Signal{s})
	require.NoError(t, err)
	assert.Zero(t, sum.Opened)
	assert.Zero(t, sum.Closed)
}

func TestBackfillRederivesHits(t *testing.T) {
	repo := memory.NewPerformanceRepo()
	history := &fakeHistory{bars: map[string][]domain.Bar{
		"AAPL": {
			bar("2025-06-11", 10.0, 11.2, 9.9, 11.0),
			bar("2025-06-12", 11.0, 12.5, 10.8, 12.0),
		},
	}}
	tr := New(repo, history)

	exitDate := day("2025-06-12")
	exitPrice := 12.0
	reason := domain.ExitSignalEnded
	rec := domain.PerformanceRecord{
		SignalID:   "sig-1",
		Symbol:     "AAPL",
		EntryDate:  day("2025-06-10"),
		EntryPrice: 10.0,
		Targets:    domain.TargetLevels{T1: 11.0, T2: 12.0, T3: 13.0},
	}
	require.NoError(t, repo.Open(context.Background(), rec))
	rec.ExitDate = &exitDate
	rec.ExitPrice = &exitPrice
	rec.ExitReason = &reason
	require.NoError(t, repo.Close(context.Background(), rec))

	updated, err := tr.Backfill(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	got, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.True(t, got.Hits.T1)
	assert.True(t, got.Hits.T2)
	assert.False(t, got.Hits.T3)
	require.NotNil(t, got.MaxPriceReached)
	assert.InDelta(t, 12.5, *got.MaxPriceReached, 1e-9)

	// A second pass finds nothing missing.
	updated, err = tr.Backfill(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, updated)
}
