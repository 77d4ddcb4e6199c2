package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/signalrun/internal/calendar"
	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/scan"
)

func countingScan(calls *atomic.Int32) ScanFunc {
	return func(ctx context.Context, strategy domain.Strategy, symbols []string, asOf time.Time) (*scan.Report, error) {
		calls.Add(1)
		return &scan.Report{Strategy: strategy}, nil
	}
}

func TestEnabledJobsFilters(t *testing.T) {
	cfg := Config{Jobs: []Job{
		{Name: "good", Strategy: domain.StrategySqueeze, Interval: time.Hour, Enabled: true},
		{Name: "disabled", Strategy: domain.StrategyPennyExplosion, Interval: time.Hour, Enabled: false},
		{Name: "bad_strategy", Strategy: "lottery", Interval: time.Hour, Enabled: true},
		{Name: "no_interval", Strategy: domain.StrategyPennyExplosion, Enabled: true},
	}}
	s := New(cfg, calendar.Default(), countingScan(&atomic.Int32{}))

	jobs := s.EnabledJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "good", jobs[0].Name)
}

func TestTickSkipsNonTradingDay(t *testing.T) {
	var calls atomic.Int32
	s := New(Config{}, calendar.Default(), countingScan(&calls))
	s.now = func() time.Time {
		return time.Date(2025, 6, 14, 15, 0, 0, 0, time.UTC) // Saturday
	}

	gated := Job{Name: "gated", Strategy: domain.StrategySqueeze, TradingDaysOnly: true}
	s.tick(context.Background(), gated)
	assert.Zero(t, calls.Load(), "weekend tick should be skipped")

	ungated := Job{Name: "ungated", Strategy: domain.StrategySqueeze}
	s.tick(context.Background(), ungated)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTickRunsOnTradingDay(t *testing.T) {
	var calls atomic.Int32
	var gotSymbols []string
	run := func(ctx context.Context, strategy domain.Strategy, symbols []string, asOf time.Time) (*scan.Report, error) {
		calls.Add(1)
		gotSymbols = symbols
		return &scan.Report{Strategy: strategy}, nil
	}
	s := New(Config{}, calendar.Default(), run)
	s.now = func() time.Time {
		return time.Date(2025, 6, 11, 15, 0, 0, 0, time.UTC) // Wednesday
	}

	job := Job{
		Name:            "squeeze",
		Strategy:        domain.StrategySqueeze,
		TradingDaysOnly: true,
		Symbols:         []string{"AAPL", "MSFT"},
	}
	s.tick(context.Background(), job)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"AAPL", "MSFT"}, gotSymbols)
}

func TestRunFiresOnInterval(t *testing.T) {
	var calls atomic.Int32
	cfg := Config{Jobs: []Job{{
		Name:     "fast",
		Strategy: domain.StrategySqueeze,
		Interval: 5 * time.Millisecond,
		Enabled:  true,
	}}}
	s := New(cfg, calendar.Default(), countingScan(&calls))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestRunWithNoJobsBlocksUntilCancel(t *testing.T) {
	s := New(Config{}, calendar.Default(), countingScan(&atomic.Int32{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
