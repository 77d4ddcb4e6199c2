package scan

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/signalrun/internal/alerts"
	"github.com/cqdev-co/signalrun/internal/calendar"
	"github.com/cqdev-co/signalrun/internal/continuity"
	"github.com/cqdev-co/signalrun/internal/detect"
	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/marketdata"
	"github.com/cqdev-co/signalrun/internal/metrics"
	"github.com/cqdev-co/signalrun/internal/persistence"
	"github.com/cqdev-co/signalrun/internal/persistence/memory"
	"github.com/cqdev-co/signalrun/internal/quality"
	"github.com/cqdev-co/signalrun/internal/ratelimit"
	"github.com/cqdev-co/signalrun/internal/scoring"
	"github.com/cqdev-co/signalrun/internal/spread"
	"github.com/cqdev-co/signalrun/internal/tracker"
)

var scanDay = time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)

// quietBars builds n flat weekday sessions ending on scanDay.
func quietBars(n int, price, volume float64) []domain.Bar {
	bars := make([]domain.Bar, n)
	d := scanDay
	for i := n - 1; i >= 0; i-- {
		bars[i] = domain.Bar{
			Timestamp: d,
			Open:      price,
			High:      price * 1.05,
			Low:       price * 0.95,
			Close:     price,
			Volume:    volume,
		}
		d = d.AddDate(0, 0, -1)
		for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, -1)
		}
	}
	return bars
}

// explosiveBars is quietBars with a closing volume spike that trips the
// penny detector's volume-ratio trigger.
func explosiveBars(n int, price, volume float64) []domain.Bar {
	bars := quietBars(n, price, volume)
	last := &bars[n-1]
	last.Volume = volume * 5
	last.Close = price * 1.05
	last.High = price * 1.06
	return bars
}

type testEnv struct {
	provider *marketdata.FakeProvider
	repos    *persistence.Repository
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	provider := marketdata.NewFakeProvider()
	provider.AsOf = scanDay

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 100_000,
		RequestsPerHour:   1_000_000,
		MinInterval:       time.Microsecond,
	})
	reg := metrics.NewRegistry()
	fetcher := marketdata.NewFetcher(provider, limiter, nil, reg, marketdata.Config{})

	scorer, err := scoring.New(scoring.Config{})
	require.NoError(t, err)

	repos := memory.NewRepository()
	cal := calendar.Default()

	orch := NewOrchestrator(Deps{
		Fetcher:    fetcher,
		Validator:  quality.NewValidator(quality.Config{}),
		Detectors:  detect.NewSet(detect.DefaultConfig()),
		Scorer:     scorer,
		Spread:     spread.New(spread.Config{}),
		Continuity: continuity.New(repos.Signals, cal),
		Repos:      repos,
		Tracker:    tracker.New(repos.Performance, fetcher),
		Emitter:    alerts.NewEmitter(repos.Alerts, nil, alerts.Config{}),
		Calendar:   cal,
		Metrics:    reg,
	}, cfg)

	return &testEnv{provider: provider, repos: repos, orch: orch}
}

func TestRunScanFullPipeline(t *testing.T) {
	artifacts := t.TempDir()
	env := newTestEnv(t, Config{
		Parallelism:  4,
		ScanTimeout:  time.Minute,
		ArtifactsDir: artifacts,
		TopN:         5,
	})
	env.provider.Bars["PENY"] = explosiveBars(100, 1.00, 200_000)
	env.provider.Bars["FLAT"] = quietBars(100, 1.00, 200_000)

	report, err := env.orch.RunScan(context.Background(), domain.StrategyPennyExplosion,
		[]string{"PENY", "FLAT"}, scanDay)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 2, report.UniverseSize)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Validated)
	assert.Equal(t, 1, report.Candidates, "only the volume spike produces a candidate")
	assert.Equal(t, 1, report.Transitions.New)
	assert.Zero(t, report.Transitions.Ended)
	assert.Equal(t, 1, report.Persist.Succeeded)
	assert.Zero(t, report.Persist.Failed)
	assert.Equal(t, 1, report.Tracker.Opened)
	assert.False(t, report.Cancelled)
	assert.NotEmpty(t, report.Phases)

	// The persisted row is queryable and carries its lifecycle fields.
	rows, err := env.repos.Signals.SignalsOn(context.Background(), scanDay, domain.StrategyPennyExplosion)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "PENY", rows[0].Symbol)
	assert.Equal(t, domain.StatusNew, rows[0].Status)
	assert.Equal(t, 1, rows[0].DaysActive)

	// A paper position opened at the signal price.
	rec, err := env.repos.Performance.Get(context.Background(), rows[0].SignalID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.InDelta(t, rows[0].ClosePrice, rec.EntryPrice, 1e-9)

	// The artifact landed on disk.
	entries, err := os.ReadDir(artifacts)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunScanRedetectionContinues(t *testing.T) {
	env := newTestEnv(t, Config{ScanTimeout: time.Minute})
	env.provider.Bars["PENY"] = explosiveBars(100, 1.00, 200_000)

	first, err := env.orch.RunScan(context.Background(), domain.StrategyPennyExplosion,
		[]string{"PENY"}, scanDay)
	require.NoError(t, err)
	require.Equal(t, 1, first.Transitions.New)

	// The next trading day the same setup still fires: the chain continues.
	nextDay := scanDay.AddDate(0, 0, 1)
	env.provider.AsOf = nextDay
	env.provider.Bars["PENY"] = explosiveBars(100, 1.00, 200_000)
	shiftForward(env.provider.Bars["PENY"], nextDay)

	second, err := env.orch.RunScan(context.Background(), domain.StrategyPennyExplosion,
		[]string{"PENY"}, nextDay)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Transitions.Continuing)
	assert.Zero(t, second.Transitions.New)

	rows, err := env.repos.Signals.SignalsOn(context.Background(), nextDay, domain.StrategyPennyExplosion)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].DaysActive)
}

// shiftForward rebuilds the bar timestamps so the series ends on asOf.
func shiftForward(bars []domain.Bar, asOf time.Time) {
	d := domain.Date(asOf)
	for i := len(bars) - 1; i >= 0; i-- {
		bars[i].Timestamp = d
		d = d.AddDate(0, 0, -1)
		for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, -1)
		}
	}
}

func TestRunScanDroppedSignalEndsAndCloses(t *testing.T) {
	env := newTestEnv(t, Config{ScanTimeout: time.Minute})

	// Quiet series, but the exit day closes higher than the prior day so the
	// closing fill is distinguishable from the seeded signal's close.
	bars := quietBars(100, 1.00, 200_000)
	bars[len(bars)-1].Close = 1.04
	bars[len(bars)-1].High = 1.05
	env.provider.Bars["PENY"] = bars

	// Seed yesterday's live signal for a symbol that will not re-trigger.
	prevDay := scanDay.AddDate(0, 0, -1)
	seed := domain.Signal{
		SignalID:       uuid.NewString(),
		Symbol:         "PENY",
		Strategy:       domain.StrategyPennyExplosion,
		ScanDate:       prevDay,
		ScanTimestamp:  prevDay.Add(21 * time.Hour),
		Status:         domain.StatusNew,
		DaysActive:     1,
		FirstDetected:  prevDay,
		LastActiveDate: prevDay,
		IsActive:       true,
		ClosePrice:     1.00,
		OverallScore:   0.75,
		Grade:          domain.GradeB,
		Recommendation: domain.RecBuy,
		StopLossLevel:  0.85,
	}
	batch, err := env.repos.Signals.UpsertBatch(context.Background(), []domain.Signal{seed})
	require.NoError(t, err)
	require.Equal(t, 1, batch.Succeeded)

	// The position opened when the seed was first detected.
	require.NoError(t, env.repos.Performance.Open(context.Background(), domain.PerformanceRecord{
		SignalID:      seed.SignalID,
		Symbol:        "PENY",
		EntryDate:     prevDay,
		EntryPrice:    1.00,
		Status:        domain.PerformanceActive,
		StopLossPrice: 0.85,
		Targets:       domain.TargetLevels{T1: 1.10, T2: 1.20, T3: 1.30},
	}))

	report, err := env.orch.RunScan(context.Background(), domain.StrategyPennyExplosion,
		[]string{"PENY"}, scanDay)
	require.NoError(t, err)

	assert.Zero(t, report.Candidates)
	assert.Equal(t, 1, report.Transitions.Ended)
	assert.Equal(t, 1, report.Tracker.Closed)

	rows, err := env.repos.Signals.SignalsOn(context.Background(), scanDay, domain.StrategyPennyExplosion)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StatusEnded, rows[0].Status)
	assert.False(t, rows[0].IsActive)

	// No stop or target struck, so the trade closes at the exit date's close,
	// not the seeded signal's last price.
	rec, err := env.repos.Performance.Get(context.Background(), seed.SignalID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.PerformanceClosed, rec.Status)
	require.NotNil(t, rec.ExitPrice)
	assert.InDelta(t, 1.04, *rec.ExitPrice, 1e-9)
}

type stubPredictor struct {
	score float64
}

func (p stubPredictor) Predict(_ context.Context, _ domain.CandidateSignal) (float64, error) {
	return p.score, nil
}

func TestApplyPredictionRealignsRecommendation(t *testing.T) {
	scorer, err := scoring.New(scoring.Config{})
	require.NoError(t, err)

	o := NewOrchestrator(Deps{
		Scorer:    scorer,
		Predictor: stubPredictor{score: 1.0},
	}, Config{MLBlend: 0.5, ScanTimeout: time.Minute})

	c := &domain.CandidateSignal{
		Symbol:     "AAPL",
		Strategy:   domain.StrategySqueeze,
		Country:    "United States",
		ClosePrice: 12.50,
		Scores: domain.ComponentScores{
			Volume:           domain.Score(0.8),
			Momentum:         domain.Score(0.6),
			RelativeStrength: domain.Score(0.5),
			Risk:             domain.Score(0.9),
		},
	}
	require.NoError(t, scorer.Score(c))
	require.Equal(t, domain.GradeB, c.Grade)
	require.Equal(t, domain.RecBuy, c.Recommendation)

	o.applyPrediction(context.Background(), c)

	// Blend lifts 0.72 to 0.86: the grade moves to A and the recommendation
	// and position size follow.
	assert.InDelta(t, 0.86, c.OverallScore, 1e-9)
	assert.Equal(t, domain.GradeA, c.Grade)
	assert.Equal(t, domain.RecStrongBuy, c.Recommendation)
	assert.Equal(t, 2.5, c.PositionSizePct)
}

func TestRunScanUnknownStrategyFails(t *testing.T) {
	env := newTestEnv(t, Config{ScanTimeout: time.Minute})

	_, err := env.orch.RunScan(context.Background(), domain.Strategy("lottery"), []string{"AAPL"}, scanDay)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRunScanFetchFailureIsLocal(t *testing.T) {
	env := newTestEnv(t, Config{ScanTimeout: time.Minute})
	env.provider.Bars["PENY"] = explosiveBars(100, 1.00, 200_000)
	env.provider.Errs["GONE"] = errors.New("provider exploded")

	report, err := env.orch.RunScan(context.Background(), domain.StrategyPennyExplosion,
		[]string{"PENY", "GONE"}, scanDay)
	require.NoError(t, err, "one bad symbol never fails the scan")

	assert.Equal(t, 2, report.UniverseSize)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Candidates)
	assert.NotEmpty(t, report.Failures)
}

func TestRunScanValidationRejectsShortHistory(t *testing.T) {
	env := newTestEnv(t, Config{ScanTimeout: time.Minute})
	env.provider.Bars["STUB"] = quietBars(10, 1.00, 200_000)

	report, err := env.orch.RunScan(context.Background(), domain.StrategyPennyExplosion,
		[]string{"STUB"}, scanDay)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Fetched)
	assert.Zero(t, report.Validated)
	assert.Zero(t, report.Candidates)
}

func TestRunScanCancelledContextMarksReport(t *testing.T) {
	env := newTestEnv(t, Config{ScanTimeout: time.Minute})
	env.provider.Bars["PENY"] = explosiveBars(100, 1.00, 200_000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := env.orch.RunScan(ctx, domain.StrategyPennyExplosion, []string{"PENY"}, scanDay)
	assert.Error(t, err)
	require.NotNil(t, report)
	assert.True(t, report.Cancelled)
}

// failingSignals wraps the in-memory signals repo and fails every upsert row.
type failingSignals struct {
	persistence.SignalsRepo
}

func (f *failingSignals) UpsertBatch(_ context.Context, rows []domain.Signal) (persistence.BatchResult, error) {
	return persistence.BatchResult{
		Attempted: len(rows),
		Failed:    len(rows),
		Errors:    []string{"disk full"},
	}, nil
}

func TestRunScanTotalPersistLossFails(t *testing.T) {
	env := newTestEnv(t, Config{ScanTimeout: time.Minute})
	env.provider.Bars["PENY"] = explosiveBars(100, 1.00, 200_000)
	env.repos.Signals = &failingSignals{SignalsRepo: env.repos.Signals}

	report, err := env.orch.RunScan(context.Background(), domain.StrategyPennyExplosion,
		[]string{"PENY"}, scanDay)

	var storeErr *domain.StoreError
	require.ErrorAs(t, err, &storeErr)
	require.NotNil(t, report)
	assert.True(t, report.PersistFailed)
}

func TestRunScanRedditWithoutSourceYieldsNothing(t *testing.T) {
	env := newTestEnv(t, Config{ScanTimeout: time.Minute})
	env.provider.Bars["GME"] = quietBars(100, 25.00, 2_000_000)

	report, err := env.orch.RunScan(context.Background(), domain.StrategyRedditOpportunity,
		[]string{"GME"}, scanDay)
	require.NoError(t, err)
	assert.Zero(t, report.Candidates)
}
