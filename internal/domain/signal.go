package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Strategy identifies one detector/scorer pair; each strategy is a separate
// logical signal stream.
type Strategy string

const (
	StrategySqueeze           Strategy = "squeeze"
	StrategyPennyExplosion    Strategy = "penny_explosion"
	StrategyUnusualOptions    Strategy = "unusual_options"
	StrategyRedditOpportunity Strategy = "reddit_opportunity"
)

// Strategies lists every known strategy in scan order.
func Strategies() []Strategy {
	return []Strategy{StrategySqueeze, StrategyPennyExplosion, StrategyUnusualOptions, StrategyRedditOpportunity}
}

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySqueeze, StrategyPennyExplosion, StrategyUnusualOptions, StrategyRedditOpportunity:
		return true
	}
	return false
}

// Status is the lifecycle state of a signal row.
//
//	[none] -> NEW -> CONTINUING -> ... -> ENDED
//	any active state -> EXPIRED once the underlying contract lapses
type Status string

const (
	StatusNew        Status = "NEW"
	StatusContinuing Status = "CONTINUING"
	StatusEnded      Status = "ENDED"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether the status ends the signal's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusExpired
}

// Grade is the letter bucket derived from the overall score.
type Grade string

const (
	GradeS Grade = "S"
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// GradeForScore maps an overall score in [0,1] onto its letter grade.
func GradeForScore(score float64) Grade {
	switch {
	case score >= 0.90:
		return GradeS
	case score >= 0.80:
		return GradeA
	case score >= 0.70:
		return GradeB
	case score >= 0.60:
		return GradeC
	case score >= 0.50:
		return GradeD
	default:
		return GradeF
	}
}

// AtLeast reports whether g is the same grade as other or better.
func (g Grade) AtLeast(other Grade) bool {
	return gradeRank(g) >= gradeRank(other)
}

func gradeRank(g Grade) int {
	switch g {
	case GradeS:
		return 5
	case GradeA:
		return 4
	case GradeB:
		return 3
	case GradeC:
		return 2
	case GradeD:
		return 1
	default:
		return 0
	}
}

// Recommendation is the action bucket attached to a scored signal.
type Recommendation string

const (
	RecStrongBuy Recommendation = "STRONG_BUY"
	RecBuy       Recommendation = "BUY"
	RecWatch     Recommendation = "WATCH"
	RecHold      Recommendation = "HOLD"
	RecSkip      Recommendation = "SKIP"
)

// ComponentScores holds the per-dimension scores a detector produced. A nil
// field means the component could not be computed for the symbol; the scorer
// redistributes its weight across the present components.
type ComponentScores struct {
	Volume           *float64 `json:"volume,omitempty"`
	Momentum         *float64 `json:"momentum,omitempty"`
	RelativeStrength *float64 `json:"relative_strength,omitempty"`
	Risk             *float64 `json:"risk,omitempty"`
	Fundamental      *float64 `json:"fundamental,omitempty"`
}

// Score is a convenience constructor for optional component values.
func Score(v float64) *float64 { return &v }

// Payload is the strategy-specific portion of a signal, modeled as a closed
// set of variants and persisted as JSON next to a strategy discriminator.
type Payload interface {
	PayloadStrategy() Strategy
}

// SqueezePayload carries volatility-squeeze metrics.
type SqueezePayload struct {
	BBWidth            float64 `json:"bb_width"`
	BBWidthPercentile  float64 `json:"bb_width_percentile"`
	DaysInSqueeze      int     `json:"days_in_squeeze"`
	SqueezeDepth       float64 `json:"squeeze_depth"`
	DistanceToUpperPct float64 `json:"distance_to_upper_pct"`
	DistanceToLowerPct float64 `json:"distance_to_lower_pct"`
	EMA20              float64 `json:"ema_20"`
	EMA50              float64 `json:"ema_50"`
	TrendAligned       bool    `json:"trend_aligned"`
	VolumeRatio        float64 `json:"volume_ratio"`
}

func (SqueezePayload) PayloadStrategy() Strategy { return StrategySqueeze }

// PennyPayload carries penny-stock explosion metrics.
type PennyPayload struct {
	VolumeRatio          float64 `json:"volume_ratio"`
	DollarVolume         float64 `json:"dollar_volume"`
	PriceChange5d        float64 `json:"price_change_5d"`
	PriceChange10d       float64 `json:"price_change_10d"`
	PriceChange20d       float64 `json:"price_change_20d"`
	ConsolidationDays    int     `json:"consolidation_days"`
	ConsolidationRange   float64 `json:"consolidation_range_pct"`
	BreakoutFromBase     bool    `json:"breakout_from_base"`
	HigherLows           bool    `json:"higher_lows"`
	ConsecutiveGreenDays int     `json:"consecutive_green_days"`
	VolumeAcceleration   float64 `json:"volume_acceleration"`
	BenchmarkReturn20d   float64 `json:"benchmark_return_20d"`
}

func (PennyPayload) PayloadStrategy() Strategy { return StrategyPennyExplosion }

// SpreadAnnotation is attached to options payloads when the spread detector
// matches the contract to another leg in the same scan batch.
type SpreadAnnotation struct {
	IsLikelySpread   bool     `json:"is_likely_spread"`
	SpreadType       string   `json:"spread_type,omitempty"`
	MatchedLegs      []string `json:"matched_leg_symbols,omitempty"`
	StrikeWidth      float64  `json:"spread_strike_width,omitempty"`
	NetPremium       float64  `json:"spread_net_premium,omitempty"`
	Confidence       float64  `json:"spread_confidence,omitempty"`
	IndicatorsMet    int      `json:"spread_indicators_met,omitempty"`
	Reason           string   `json:"spread_reason,omitempty"`
}

// OptionsPayload carries unusual-options-flow metrics for one contract. The
// candidate's Symbol is the contract's option symbol so each leg keeps its
// own lifecycle; Underlying names the equity beneath it.
type OptionsPayload struct {
	Underlying         string           `json:"underlying"`
	OptionSymbol       string           `json:"option_symbol"`
	Strike             float64          `json:"strike"`
	Expiry             time.Time        `json:"expiry"`
	OptionType         OptionType       `json:"option_type"`
	DaysToExpiry       int              `json:"days_to_expiry"`
	Volume             float64          `json:"volume"`
	OpenInterest       float64          `json:"open_interest"`
	VolumeOIRatio      float64          `json:"volume_oi_ratio"`
	PremiumFlow        float64          `json:"premium_flow"`
	AggressiveOrderPct float64          `json:"aggressive_order_pct"`
	ImpliedVolatility  float64          `json:"implied_volatility"`
	SuspicionScore     float64          `json:"suspicion_score"`
	Spread             SpreadAnnotation `json:"spread"`
}

func (OptionsPayload) PayloadStrategy() Strategy { return StrategyUnusualOptions }

// RedditPayload carries aggregated social-mention metrics.
type RedditPayload struct {
	Mentions24h         int     `json:"mentions_24h"`
	Mentions7d          int     `json:"mentions_7d"`
	QualityMentions     int     `json:"quality_mentions"`
	SentimentPolarity   float64 `json:"sentiment_polarity"`
	MentionAcceleration float64 `json:"mention_acceleration"`
	CompositeScore      float64 `json:"composite_score"`
}

func (RedditPayload) PayloadStrategy() Strategy { return StrategyRedditOpportunity }

// UnmarshalPayload decodes a persisted payload back into its variant using
// the strategy discriminator column.
func UnmarshalPayload(strategy Strategy, data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch strategy {
	case StrategySqueeze:
		var p SqueezePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode squeeze payload: %w", err)
		}
		return p, nil
	case StrategyPennyExplosion:
		var p PennyPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode penny payload: %w", err)
		}
		return p, nil
	case StrategyUnusualOptions:
		var p OptionsPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode options payload: %w", err)
		}
		return p, nil
	case StrategyRedditOpportunity:
		var p RedditPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode reddit payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

// CandidateSignal is detector output before scoring, continuity, and
// persistence. One candidate per (symbol, strategy) per scan; options
// strategies key additionally by contract via Payload.OptionSymbol.
type CandidateSignal struct {
	Symbol     string
	Strategy   Strategy
	ClosePrice float64
	Country    string

	// Raw ingredients the scorer consumes.
	Scores      ComponentScores
	VolumeRatio float64

	// Filled by the scorer.
	OverallScore    float64
	Grade           Grade
	Recommendation  Recommendation
	PumpDumpWarning bool
	HighRiskCountry bool

	// Risk management.
	StopLossLevel   float64
	PositionSizePct float64

	// Options candidates expire with their contract.
	Expiry *time.Time

	Payload Payload
}

// Key returns the continuity join key for the candidate.
func (c CandidateSignal) Key() SignalKey {
	return SignalKey{Symbol: c.Symbol, Strategy: c.Strategy}
}

// SignalKey identifies one logical signal stream.
type SignalKey struct {
	Symbol   string
	Strategy Strategy
}

// Signal is one row per logical setup per scan day (the central entity).
type Signal struct {
	SignalID      string    `json:"signal_id" db:"signal_id"`
	Symbol        string    `json:"symbol" db:"symbol"`
	Strategy      Strategy  `json:"strategy" db:"strategy"`
	ScanDate      time.Time `json:"scan_date" db:"scan_date"`
	ScanTimestamp time.Time `json:"scan_timestamp" db:"scan_timestamp"`

	Status         Status    `json:"signal_status" db:"signal_status"`
	DaysActive     int       `json:"days_active" db:"days_active"`
	FirstDetected  time.Time `json:"first_detected_date" db:"first_detected_date"`
	LastActiveDate time.Time `json:"last_active_date" db:"last_active_date"`
	IsActive       bool      `json:"is_active" db:"is_active"`

	ClosePrice     float64         `json:"close_price" db:"close_price"`
	Scores         ComponentScores `json:"component_scores"`
	OverallScore   float64         `json:"overall_score" db:"overall_score"`
	Grade          Grade           `json:"grade" db:"grade"`
	Recommendation Recommendation  `json:"recommendation" db:"recommendation"`

	StopLossLevel   float64 `json:"stop_loss_level" db:"stop_loss_level"`
	PositionSizePct float64 `json:"position_size_pct" db:"position_size_pct"`
	PumpDumpWarning bool    `json:"pump_dump_warning" db:"pump_dump_warning"`
	HighRiskCountry bool    `json:"high_risk_country" db:"high_risk_country"`

	Expiry  *time.Time `json:"expiry,omitempty" db:"expiry"`
	Payload Payload    `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Key returns the continuity join key for the signal.
func (s Signal) Key() SignalKey {
	return SignalKey{Symbol: s.Symbol, Strategy: s.Strategy}
}

// Validate enforces the cross-field invariants a scan must never violate.
func (s Signal) Validate() error {
	if s.SignalID == "" {
		return fmt.Errorf("signal %s/%s: empty signal_id", s.Symbol, s.Strategy)
	}
	if !s.Strategy.Valid() {
		return fmt.Errorf("signal %s: unknown strategy %q", s.Symbol, s.Strategy)
	}
	if s.DaysActive < 1 {
		return fmt.Errorf("signal %s/%s: days_active %d < 1", s.Symbol, s.Strategy, s.DaysActive)
	}
	if s.FirstDetected.After(s.ScanDate) {
		return fmt.Errorf("signal %s/%s: first_detected after scan_date", s.Symbol, s.Strategy)
	}
	if s.ScanDate.After(s.LastActiveDate) && s.IsActive {
		return fmt.Errorf("signal %s/%s: active row with last_active_date before scan_date", s.Symbol, s.Strategy)
	}
	if s.Status.Terminal() && s.IsActive {
		return fmt.Errorf("signal %s/%s: terminal status %s but is_active", s.Symbol, s.Strategy, s.Status)
	}
	if got := GradeForScore(s.OverallScore); got != s.Grade {
		return fmt.Errorf("signal %s/%s: grade %s does not match score %.3f (want %s)", s.Symbol, s.Strategy, s.Grade, s.OverallScore, got)
	}
	return nil
}

// Date truncates a timestamp to its UTC calendar day. Scan dates, detection
// dates, and expiry comparisons all operate on day precision.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether two instants fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	return Date(a).Equal(Date(b))
}
