package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/persistence/memory"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func gradedSignal(symbol string, grade domain.Grade, score float64) domain.Signal {
	return domain.Signal{
		SignalID:     "sig-" + symbol,
		Symbol:       symbol,
		Strategy:     domain.StrategySqueeze,
		Status:       domain.StatusNew,
		IsActive:     true,
		DaysActive:   1,
		ClosePrice:   12.50,
		OverallScore: score,
		Grade:        grade,
	}
}

func TestEmitGradeTiers(t *testing.T) {
	repo := memory.NewAlertsRepo()
	e := NewEmitter(repo, nil, Config{})

	rows := []domain.Signal{
		gradedSignal("TOPS", domain.GradeS, 0.93),
		gradedSignal("AAAA", domain.GradeA, 0.84),
		gradedSignal("BEES", domain.GradeB, 0.75), // below the grade floor
	}
	n, err := e.Emit(context.Background(), rows, day("2025-06-11"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all := repo.All()
	require.Len(t, all, 2)
	tiers := map[string]domain.AlertTier{}
	for _, a := range all {
		tiers[a.Symbol] = a.Tier
	}
	assert.Equal(t, domain.AlertTierS, tiers["TOPS"])
	assert.Equal(t, domain.AlertTierA, tiers["AAAA"])
}

func TestEmitPumpDumpSuppressesGradeTier(t *testing.T) {
	repo := memory.NewAlertsRepo()
	e := NewEmitter(repo, nil, Config{})

	s := gradedSignal("PUMP", domain.GradeS, 0.93)
	s.PumpDumpWarning = true
	s.HighRiskCountry = true

	n, err := e.Emit(context.Background(), []domain.Signal{s}, day("2025-06-11"))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the risk warning replaces the grade alert")

	all := repo.All()
	require.Len(t, all, 1)
	assert.Equal(t, domain.AlertTierPumpDump, all[0].Tier)
	assert.Equal(t, true, all[0].Payload["pump_dump_warning"])
	assert.Equal(t, true, all[0].Payload["high_risk_country"])
}

func TestEmitSuspicionTierStacksWithGrade(t *testing.T) {
	repo := memory.NewAlertsRepo()
	e := NewEmitter(repo, nil, Config{})

	s := gradedSignal("ACME250718C00150000", domain.GradeA, 0.84)
	s.Strategy = domain.StrategyUnusualOptions
	s.Payload = domain.OptionsPayload{
		OptionSymbol:   "ACME250718C00150000",
		SuspicionScore: 85,
		PremiumFlow:    1.2e6,
		DaysToExpiry:   10,
	}

	n, err := e.Emit(context.Background(), []domain.Signal{s}, day("2025-06-11"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var suspicion *domain.AlertRecord
	for _, a := range repo.All() {
		if a.Tier == domain.AlertTierSuspicion {
			copied := a
			suspicion = &copied
		}
	}
	require.NotNil(t, suspicion)
	assert.Equal(t, 85.0, suspicion.Payload["suspicion_score"])
	assert.Equal(t, 1.2e6, suspicion.Payload["premium_flow"])
}

func TestEmitSkipsInactiveRows(t *testing.T) {
	repo := memory.NewAlertsRepo()
	e := NewEmitter(repo, nil, Config{})

	s := gradedSignal("GONE", domain.GradeS, 0.93)
	s.IsActive = false
	s.Status = domain.StatusEnded

	n, err := e.Emit(context.Background(), []domain.Signal{s}, day("2025-06-11"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, repo.All())
}

func TestEmitDedupesWithinDay(t *testing.T) {
	repo := memory.NewAlertsRepo()
	e := NewEmitter(repo, nil, Config{})

	rows := []domain.Signal{gradedSignal("AAAA", domain.GradeA, 0.84)}
	n, err := e.Emit(context.Background(), rows, day("2025-06-11"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-running the same scan the same day emits nothing new.
	n, err = e.Emit(context.Background(), rows, day("2025-06-11"))
	require.NoError(t, err)
	assert.Zero(t, n)

	// The next day the window resets.
	n, err = e.Emit(context.Background(), rows, day("2025-06-12"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryDeduperResetsAcrossDays(t *testing.T) {
	d := NewMemoryDeduper()
	ctx := context.Background()

	assert.False(t, d.SeenToday(ctx, "k", day("2025-06-11")))
	assert.True(t, d.SeenToday(ctx, "k", day("2025-06-11")))
	assert.False(t, d.SeenToday(ctx, "k", day("2025-06-12")))
	assert.True(t, d.SeenToday(ctx, "k", day("2025-06-12")))
}

func TestDedupeKeyIncludesDay(t *testing.T) {
	a := dedupeKey("AAPL", domain.StrategySqueeze, domain.AlertTierA, day("2025-06-11"))
	b := dedupeKey("AAPL", domain.StrategySqueeze, domain.AlertTierA, day("2025-06-12"))
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "2025-06-11")
}

func TestEmitCancelledContextStops(t *testing.T) {
	repo := memory.NewAlertsRepo()
	e := NewEmitter(repo, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Emit(ctx, []domain.Signal{gradedSignal("AAAA", domain.GradeA, 0.84)}, day("2025-06-11"))
	assert.ErrorIs(t, err, context.Canceled)
}
