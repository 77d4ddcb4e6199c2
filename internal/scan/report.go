package scan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/marketdata"
	"github.com/cqdev-co/signalrun/internal/persistence"
	"github.com/cqdev-co/signalrun/internal/ratelimit"
	"github.com/cqdev-co/signalrun/internal/tracker"
)

// maxErrorSamples bounds how many raw error strings each failure class keeps.
const maxErrorSamples = 5

// PhaseStat times one pipeline phase and counts what survived it.
type PhaseStat struct {
	Name     string        `json:"name"`
	Output   int           `json:"output"`
	Duration time.Duration `json:"duration"`
}

// FailureClass aggregates one class of per-symbol errors.
type FailureClass struct {
	Count   int      `json:"count"`
	Samples []string `json:"samples,omitempty"`
}

// TopSignal is a report line for the day's strongest setups.
type TopSignal struct {
	Symbol         string                `json:"symbol"`
	Status         domain.Status         `json:"status"`
	DaysActive     int                   `json:"days_active"`
	OverallScore   float64               `json:"overall_score"`
	Grade          domain.Grade          `json:"grade"`
	Recommendation domain.Recommendation `json:"recommendation"`
}

// Transitions counts lifecycle outcomes of the continuity join.
type Transitions struct {
	New        int `json:"new"`
	Continuing int `json:"continuing"`
	Ended      int `json:"ended"`
	Expired    int `json:"expired"`
}

// Report is what the operator sees after a scan: phase counts and timings,
// lifecycle transitions, persistence outcomes, and a failure taxonomy.
type Report struct {
	Strategy   domain.Strategy `json:"strategy"`
	ScanDate   time.Time       `json:"scan_date"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Duration   time.Duration   `json:"duration"`

	Cancelled     bool `json:"cancelled"`
	PersistFailed bool `json:"persist_failed"`

	UniverseSize  int `json:"universe_size"`
	Fetched       int `json:"fetched"`
	Validated     int `json:"validated"`
	Candidates    int `json:"candidates"`
	SpreadFlagged int `json:"spread_flagged,omitempty"`

	Transitions Transitions             `json:"transitions"`
	Persist     persistence.BatchResult `json:"persist"`
	Tracker     tracker.Summary         `json:"tracker"`
	Alerts      int                     `json:"alerts_emitted"`

	Phases   []PhaseStat              `json:"phases"`
	Failures map[string]*FailureClass `json:"failures,omitempty"`

	TopSignals []TopSignal `json:"top_signals,omitempty"`

	RateLimiter  ratelimit.Status      `json:"rate_limiter"`
	Cache        marketdata.CacheStats `json:"cache"`
	BreakerState string                `json:"breaker_state,omitempty"`
}

func newReport(strategy domain.Strategy, scanDate time.Time) *Report {
	return &Report{
		Strategy:  strategy,
		ScanDate:  scanDate,
		StartedAt: time.Now().UTC(),
		Failures:  make(map[string]*FailureClass),
	}
}

// recordFailure adds one per-symbol error to its class bucket.
func (r *Report) recordFailure(symbol string, err error) {
	class := classify(err)
	fc, ok := r.Failures[class]
	if !ok {
		fc = &FailureClass{}
		r.Failures[class] = fc
	}
	fc.Count++
	if len(fc.Samples) < maxErrorSamples {
		fc.Samples = append(fc.Samples, fmt.Sprintf("%s: %v", symbol, err))
	}
}

// addPhase appends a phase stat and returns the phase's end time so the next
// phase can chain off it.
func (r *Report) addPhase(name string, start time.Time, output int) time.Time {
	end := time.Now()
	r.Phases = append(r.Phases, PhaseStat{Name: name, Output: output, Duration: end.Sub(start)})
	return end
}

// fillTop keeps the n strongest rows by score, active rows only.
func (r *Report) fillTop(rows []domain.Signal, n int) {
	active := make([]domain.Signal, 0, len(rows))
	for _, s := range rows {
		if s.IsActive {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].OverallScore > active[j].OverallScore
	})
	if len(active) > n {
		active = active[:n]
	}
	for _, s := range active {
		r.TopSignals = append(r.TopSignals, TopSignal{
			Symbol:         s.Symbol,
			Status:         s.Status,
			DaysActive:     s.DaysActive,
			OverallScore:   s.OverallScore,
			Grade:          s.Grade,
			Recommendation: s.Recommendation,
		})
	}
}

// finish stamps the end time.
func (r *Report) finish() {
	r.FinishedAt = time.Now().UTC()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
}

// WriteArtifact dumps the report as indented JSON under dir, named by
// strategy and scan date. Returns the written path.
func (r *Report) WriteArtifact(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	name := fmt.Sprintf("scan_%s_%s.json", r.Strategy, r.ScanDate.Format("2006-01-02"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report artifact: %w", err)
	}
	return path, nil
}
