package detect

import (
	"github.com/cqdev-co/signalrun/internal/domain"
)

// RedditConfig tunes the reddit-opportunity detector.
type RedditConfig struct {
	MinMentions24h     int     `yaml:"min_mentions_24h"`
	MinQualityMentions int     `yaml:"min_quality_mentions"`
	MinSentiment       float64 `yaml:"min_sentiment"`
}

// DefaultRedditConfig returns the shipped social thresholds.
func DefaultRedditConfig() RedditConfig {
	return RedditConfig{
		MinMentions24h:     10,
		MinQualityMentions: 3,
		MinSentiment:       -0.2,
	}
}

func (c RedditConfig) withDefaults() RedditConfig {
	d := DefaultRedditConfig()
	if c.MinMentions24h <= 0 {
		c.MinMentions24h = d.MinMentions24h
	}
	if c.MinQualityMentions <= 0 {
		c.MinQualityMentions = d.MinQualityMentions
	}
	if c.MinSentiment == 0 {
		c.MinSentiment = d.MinSentiment
	}
	return c
}

// RedditDetector composes aggregated mention counts, sentiment, and mention
// acceleration into a social opportunity candidate. It emits per ticker; no
// per-mention rows reach the engine.
type RedditDetector struct {
	cfg RedditConfig
}

func NewRedditDetector(cfg RedditConfig) *RedditDetector {
	return &RedditDetector{cfg: cfg.withDefaults()}
}

func (d *RedditDetector) Strategy() domain.Strategy { return domain.StrategyRedditOpportunity }

func (d *RedditDetector) Detect(in Inputs) []domain.CandidateSignal {
	m := in.Mentions
	if m == nil {
		return nil
	}
	if m.Mentions24h < d.cfg.MinMentions24h || m.QualityMentions < d.cfg.MinQualityMentions {
		return nil
	}
	if m.SentimentPolarity < d.cfg.MinSentiment {
		return nil
	}
	if len(in.Bars) == 0 {
		return nil
	}
	close := in.Bars[len(in.Bars)-1].Close
	if close <= 0 {
		return nil
	}

	// Acceleration compares the last 24h against the trailing 7-day daily
	// average; >1 means mentions are speeding up.
	dailyAvg := float64(m.Mentions7d) / 7
	accel := 0.0
	if dailyAvg > 0 {
		accel = float64(m.Mentions24h) / dailyAvg
	}

	qualityRatio := 0.0
	if m.Mentions24h > 0 {
		qualityRatio = float64(m.QualityMentions) / float64(m.Mentions24h)
	}

	mentionScore := scale(float64(m.Mentions24h), float64(d.cfg.MinMentions24h), 200)
	accelScore := scale(accel, 1, 5)
	sentimentScore := scale(m.SentimentPolarity, d.cfg.MinSentiment, 1)

	composite := clamp01(0.35*mentionScore + 0.30*accelScore + 0.20*sentimentScore + 0.15*qualityRatio)

	volumeRatio := 1.0
	snapVolRatio := lastVolumeRatio(in)
	if snapVolRatio > 0 {
		volumeRatio = snapVolRatio
	}

	scores := domain.ComponentScores{
		Volume:           domain.Score(mentionScore),
		Momentum:         domain.Score(accelScore),
		RelativeStrength: domain.Score(sentimentScore),
		Risk:             domain.Score(clamp01(qualityRatio * 2)),
	}

	payload := domain.RedditPayload{
		Mentions24h:         m.Mentions24h,
		Mentions7d:          m.Mentions7d,
		QualityMentions:     m.QualityMentions,
		SentimentPolarity:   m.SentimentPolarity,
		MentionAcceleration: accel,
		CompositeScore:      composite,
	}

	return []domain.CandidateSignal{{
		Symbol:        in.Ticker.Symbol,
		Strategy:      domain.StrategyRedditOpportunity,
		ClosePrice:    close,
		Country:       in.Ticker.Country,
		Scores:        scores,
		VolumeRatio:   volumeRatio,
		StopLossLevel: close * 0.88,
		Payload:       payload,
	}}
}

func lastVolumeRatio(in Inputs) float64 {
	if len(in.Snapshots) == 0 {
		return 0
	}
	last := in.Snapshots[len(in.Snapshots)-1]
	if last.VolumeRatio == nil {
		return 0
	}
	return *last.VolumeRatio
}
