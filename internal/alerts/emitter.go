// Package alerts fans out high-conviction signals as alert records. The
// emitter only persists; an external sink (webhook, Discord bridge) delivers
// and flips the delivered flag.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/persistence"
)

// Config tunes the alert thresholds.
type Config struct {
	// MinGrade is the grade floor for grade-tier alerts.
	MinGrade domain.Grade `yaml:"min_grade"`

	// MinSuspicionScore fires the suspicion tier for options flow.
	MinSuspicionScore float64 `yaml:"min_suspicion_score"`
}

// DefaultConfig returns the shipped alert thresholds.
func DefaultConfig() Config {
	return Config{
		MinGrade:          domain.GradeA,
		MinSuspicionScore: 70,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinGrade == "" {
		c.MinGrade = d.MinGrade
	}
	if c.MinSuspicionScore <= 0 {
		c.MinSuspicionScore = d.MinSuspicionScore
	}
	return c
}

// Emitter inspects persisted signals and writes alert records, at most one
// per (symbol, strategy, tier) per day.
type Emitter struct {
	repo   persistence.AlertsRepo
	dedupe Deduper
	cfg    Config
}

func NewEmitter(repo persistence.AlertsRepo, dedupe Deduper, cfg Config) *Emitter {
	if dedupe == nil {
		dedupe = NewMemoryDeduper()
	}
	return &Emitter{repo: repo, dedupe: dedupe, cfg: cfg.withDefaults()}
}

// Emit scans final rows and persists alerts for tiers whose thresholds fire.
// Returns how many alerts were written.
func (e *Emitter) Emit(ctx context.Context, rows []domain.Signal, day time.Time) (int, error) {
	emitted := 0
	for _, s := range rows {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		if !s.IsActive {
			continue
		}
		for _, tier := range e.tiersFor(s) {
			key := dedupeKey(s.Symbol, s.Strategy, tier, day)
			if e.dedupe.SeenToday(ctx, key, day) {
				continue
			}
			alert := domain.AlertRecord{
				SignalID: s.SignalID,
				Symbol:   s.Symbol,
				Strategy: s.Strategy,
				Tier:     tier,
				Payload:  alertPayload(s, tier),
			}
			if err := e.repo.Insert(ctx, alert); err != nil {
				log.Warn().
					Err(err).
					Str("symbol", s.Symbol).
					Str("tier", string(tier)).
					Msg("alert insert failed")
				continue
			}
			emitted++
		}
	}
	return emitted, nil
}

// tiersFor lists every tier a signal qualifies for.
func (e *Emitter) tiersFor(s domain.Signal) []domain.AlertTier {
	var tiers []domain.AlertTier

	if s.PumpDumpWarning {
		// Risk warnings always go out, whatever the score.
		tiers = append(tiers, domain.AlertTierPumpDump)
	}

	if !s.PumpDumpWarning && s.Grade.AtLeast(e.cfg.MinGrade) {
		if s.Grade == domain.GradeS {
			tiers = append(tiers, domain.AlertTierS)
		} else {
			tiers = append(tiers, domain.AlertTierA)
		}
	}

	if p, ok := s.Payload.(domain.OptionsPayload); ok && p.SuspicionScore >= e.cfg.MinSuspicionScore {
		tiers = append(tiers, domain.AlertTierSuspicion)
	}
	return tiers
}

func alertPayload(s domain.Signal, tier domain.AlertTier) map[string]any {
	payload := map[string]any{
		"symbol":         s.Symbol,
		"strategy":       string(s.Strategy),
		"status":         string(s.Status),
		"days_active":    s.DaysActive,
		"close_price":    s.ClosePrice,
		"overall_score":  s.OverallScore,
		"grade":          string(s.Grade),
		"recommendation": string(s.Recommendation),
	}
	switch tier {
	case domain.AlertTierPumpDump:
		payload["pump_dump_warning"] = true
		payload["high_risk_country"] = s.HighRiskCountry
	case domain.AlertTierSuspicion:
		if p, ok := s.Payload.(domain.OptionsPayload); ok {
			payload["suspicion_score"] = p.SuspicionScore
			payload["option_symbol"] = p.OptionSymbol
			payload["premium_flow"] = p.PremiumFlow
			payload["days_to_expiry"] = p.DaysToExpiry
		}
	}
	return payload
}
