// Package scan coordinates one end-to-end scan cycle: universe resolution,
// fetch, validation, indicators, detection, scoring, spread analysis,
// continuity reconciliation, persistence, tracker deltas, and alert
// emission. Per-symbol failures are local and tallied; only cross-cutting
// failures (universe resolution, total persistence loss) fail the scan.
package scan

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cqdev-co/signalrun/internal/alerts"
	"github.com/cqdev-co/signalrun/internal/calendar"
	"github.com/cqdev-co/signalrun/internal/continuity"
	"github.com/cqdev-co/signalrun/internal/detect"
	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/indicators"
	"github.com/cqdev-co/signalrun/internal/marketdata"
	"github.com/cqdev-co/signalrun/internal/metrics"
	"github.com/cqdev-co/signalrun/internal/persistence"
	"github.com/cqdev-co/signalrun/internal/quality"
	"github.com/cqdev-co/signalrun/internal/ratelimit"
	"github.com/cqdev-co/signalrun/internal/scoring"
	"github.com/cqdev-co/signalrun/internal/spread"
	"github.com/cqdev-co/signalrun/internal/tracker"
)

// MLPredictor is the optional prediction capability. A nil predictor means
// detector scores stand alone.
type MLPredictor interface {
	Predict(ctx context.Context, candidate domain.CandidateSignal) (float64, error)
}

// RedditSource supplies aggregated mention data for the reddit strategy.
type RedditSource interface {
	Mentions(ctx context.Context, symbol string) (*detect.RedditMentions, error)
}

// Config tunes a scan run.
type Config struct {
	// Parallelism bounds fetch fan-out; analysis phases default to 2x CPUs.
	Parallelism int `yaml:"parallelism"`

	// AnalysisWorkers bounds the CPU-bound phases. Zero means 2x CPUs.
	AnalysisWorkers int `yaml:"analysis_workers"`

	// ScanTimeout is the whole-scan budget.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// Period selects how much daily history each symbol gets.
	Period marketdata.Period `yaml:"period"`

	// BenchmarkSymbol anchors relative-strength scoring.
	BenchmarkSymbol string `yaml:"benchmark_symbol"`

	// Universe is the default ticker filter when no explicit symbols are
	// passed.
	Universe persistence.UniverseFilter `yaml:"universe"`

	// ArtifactsDir, when set, receives the scan report as JSON.
	ArtifactsDir string `yaml:"artifacts_dir"`

	// TopN bounds the report's strongest-signals table.
	TopN int `yaml:"top_n"`

	// MLBlend is the weight given to the predictor when one is wired.
	MLBlend float64 `yaml:"ml_blend"`
}

// DefaultConfig returns the standard scan profile.
func DefaultConfig() Config {
	return Config{
		Parallelism:     8,
		ScanTimeout:     30 * time.Minute,
		Period:          marketdata.Period1Y,
		BenchmarkSymbol: "SPY",
		TopN:            10,
		MLBlend:         0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.AnalysisWorkers <= 0 {
		c.AnalysisWorkers = 2 * runtime.NumCPU()
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = d.ScanTimeout
	}
	if c.Period == "" {
		c.Period = d.Period
	}
	if c.BenchmarkSymbol == "" {
		c.BenchmarkSymbol = d.BenchmarkSymbol
	}
	if c.TopN <= 0 {
		c.TopN = d.TopN
	}
	if c.MLBlend <= 0 || c.MLBlend >= 1 {
		c.MLBlend = d.MLBlend
	}
	return c
}

// Orchestrator owns one scan pipeline over shared components.
type Orchestrator struct {
	fetcher    *marketdata.Fetcher
	validator  *quality.Validator
	detectors  *detect.Set
	scorer     *scoring.Scorer
	spread     *spread.Detector
	continuity *continuity.Engine
	repos      *persistence.Repository
	tracker    *tracker.Tracker
	emitter    *alerts.Emitter
	cal        calendar.TradingCalendar
	metrics    *metrics.Registry

	// Optional capabilities.
	reddit    RedditSource
	predictor MLPredictor

	cfg Config
}

// Deps wires an Orchestrator. Reddit and Predictor may be nil.
type Deps struct {
	Fetcher    *marketdata.Fetcher
	Validator  *quality.Validator
	Detectors  *detect.Set
	Scorer     *scoring.Scorer
	Spread     *spread.Detector
	Continuity *continuity.Engine
	Repos      *persistence.Repository
	Tracker    *tracker.Tracker
	Emitter    *alerts.Emitter
	Calendar   calendar.TradingCalendar
	Metrics    *metrics.Registry
	Reddit     RedditSource
	Predictor  MLPredictor
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		fetcher:    deps.Fetcher,
		validator:  deps.Validator,
		detectors:  deps.Detectors,
		scorer:     deps.Scorer,
		spread:     deps.Spread,
		continuity: deps.Continuity,
		repos:      deps.Repos,
		tracker:    deps.Tracker,
		emitter:    deps.Emitter,
		cal:        deps.Calendar,
		metrics:    deps.Metrics,
		reddit:     deps.Reddit,
		predictor:  deps.Predictor,
		cfg:        cfg.withDefaults(),
	}
}

// symbolData is one symbol's state flowing through the phases.
type symbolData struct {
	ticker    domain.Ticker
	bars      []domain.Bar
	snapshots []indicators.Snapshot
	quality   quality.Result
	chain     []domain.OptionsContract
	mentions  *detect.RedditMentions
}

// RunScan executes one scan cycle. Explicit symbols override the configured
// universe filter. A cancelled scan returns the truncated report alongside
// the context error.
func (o *Orchestrator) RunScan(ctx context.Context, strategy domain.Strategy, symbols []string, asOf time.Time) (*Report, error) {
	if !strategy.Valid() {
		return nil, &domain.ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ScanTimeout)
	defer cancel()

	scanDate := domain.Date(asOf)
	report := newReport(strategy, scanDate)
	o.metrics.ActiveScans.Inc()
	defer o.metrics.ActiveScans.Dec()

	log.Info().
		Str("strategy", string(strategy)).
		Str("scan_date", scanDate.Format("2006-01-02")).
		Msg("scan started")

	err := o.run(ctx, strategy, symbols, scanDate, report)
	report.RateLimiter, report.Cache, report.BreakerState = o.diagnostics()
	report.finish()

	outcome := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		report.Cancelled = true
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	o.metrics.ScansTotal.WithLabelValues(string(strategy), outcome).Inc()

	if o.cfg.ArtifactsDir != "" {
		if path, aerr := report.WriteArtifact(o.cfg.ArtifactsDir); aerr != nil {
			log.Warn().Err(aerr).Msg("report artifact write failed")
		} else {
			log.Debug().Str("path", path).Msg("report artifact written")
		}
	}

	log.Info().
		Str("strategy", string(strategy)).
		Str("outcome", outcome).
		Int("universe", report.UniverseSize).
		Int("candidates", report.Candidates).
		Int("new", report.Transitions.New).
		Int("continuing", report.Transitions.Continuing).
		Int("ended", report.Transitions.Ended).
		Int("expired", report.Transitions.Expired).
		Dur("duration", report.Duration).
		Msg("scan finished")
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, strategy domain.Strategy, symbols []string, scanDate time.Time, report *Report) error {
	// Phase 1: universe resolution. Failure here fails the scan.
	phaseStart := time.Now()
	tickers, err := o.resolveUniverse(ctx, symbols)
	if err != nil {
		return fmt.Errorf("resolve universe: %w", err)
	}
	report.UniverseSize = len(tickers)
	phaseStart = report.addPhase("universe", phaseStart, len(tickers))
	o.observeLastPhase(report)

	// Phase 2: fetch.
	data, err := o.fetchPhase(ctx, strategy, tickers, report)
	if err != nil {
		return err
	}
	report.Fetched = len(data)
	phaseStart = report.addPhase("fetch", phaseStart, len(data))
	o.observeLastPhase(report)

	// Phases 3-4: validate and compute indicators, CPU-bound in parallel.
	data = o.validatePhase(ctx, data, scanDate, report)
	report.Validated = len(data)
	phaseStart = report.addPhase("validate", phaseStart, len(data))
	o.observeLastPhase(report)

	o.indicatorPhase(ctx, data)
	phaseStart = report.addPhase("indicators", phaseStart, len(data))
	o.observeLastPhase(report)

	// Phases 5-6: detect and score.
	candidates, err := o.detectPhase(ctx, strategy, data, scanDate, report)
	if err != nil {
		return err
	}
	report.Candidates = len(candidates)
	o.metrics.SignalsDetected.WithLabelValues(string(strategy)).Add(float64(len(candidates)))
	phaseStart = report.addPhase("detect_score", phaseStart, len(candidates))
	o.observeLastPhase(report)

	// Phase 7: spread analysis over the whole options batch, then re-score
	// so flagged legs pick up the spread penalty.
	if strategy == domain.StrategyUnusualOptions && o.spread != nil {
		report.SpreadFlagged = o.spread.Analyze(candidates)
		if report.SpreadFlagged > 0 {
			for i := range candidates {
				if err := o.scorer.Score(&candidates[i]); err != nil {
					return err
				}
			}
		}
		phaseStart = report.addPhase("spread", phaseStart, report.SpreadFlagged)
		o.observeLastPhase(report)
	}

	// Phase 8: continuity join against the prior trading day.
	result, err := o.continuity.Reconcile(ctx, strategy, candidates, scanDate)
	if err != nil {
		return fmt.Errorf("continuity: %w", err)
	}
	report.Transitions = Transitions{
		New:        result.New,
		Continuing: result.Continuing,
		Ended:      result.Ended,
		Expired:    result.Expired,
	}
	phaseStart = report.addPhase("continuity", phaseStart, len(result.Rows))
	o.observeLastPhase(report)

	// Phase 9: persist. A scan that cannot write anything has failed.
	batch, err := o.repos.Signals.UpsertBatch(ctx, result.Rows)
	report.Persist = batch
	o.recordPersist(strategy, result.Rows, batch)
	if err != nil {
		return err
	}
	if batch.Attempted > 0 && batch.Succeeded == 0 {
		report.PersistFailed = true
		return &domain.StoreError{Op: "upsert scan batch", Err: fmt.Errorf("all %d rows failed", batch.Attempted)}
	}
	phaseStart = report.addPhase("persist", phaseStart, batch.Succeeded)
	o.observeLastPhase(report)

	// Phase 10: tracker deltas.
	trackerSummary, err := o.tracker.ProcessTransitions(ctx, result.Rows)
	report.Tracker = trackerSummary
	if err != nil {
		return err
	}
	phaseStart = report.addPhase("tracker", phaseStart, trackerSummary.Opened+trackerSummary.Closed)
	o.observeLastPhase(report)

	// Phase 11: alerts.
	emitted, err := o.emitter.Emit(ctx, result.Rows, scanDate)
	report.Alerts = emitted
	o.metrics.AlertsEmitted.WithLabelValues(string(strategy)).Add(float64(emitted))
	if err != nil {
		return err
	}
	report.addPhase("alerts", phaseStart, emitted)
	o.observeLastPhase(report)

	report.fillTop(result.Rows, o.cfg.TopN)
	return nil
}

// resolveUniverse turns explicit symbols into tickers, or queries the
// configured universe filter.
func (o *Orchestrator) resolveUniverse(ctx context.Context, symbols []string) ([]domain.Ticker, error) {
	if len(symbols) == 0 {
		return o.repos.Tickers.Universe(ctx, o.cfg.Universe)
	}

	tickers := make([]domain.Ticker, 0, len(symbols))
	for _, raw := range symbols {
		symbol := domain.NormalizeSymbol(raw)
		if t, err := o.repos.Tickers.Get(ctx, symbol); err == nil && t != nil {
			tickers = append(tickers, *t)
			continue
		}
		// Unknown to the universe table: fall back to provider metadata.
		info, err := o.fetcher.GetTickerInfo(ctx, symbol)
		if err != nil || info.Empty() {
			tickers = append(tickers, domain.Ticker{Symbol: symbol, IsActive: true})
			continue
		}
		tickers = append(tickers, domain.Ticker{
			Symbol:    symbol,
			Name:      info.Name,
			Exchange:  info.Exchange,
			Country:   info.Country,
			Currency:  info.Currency,
			Sector:    info.Sector,
			Industry:  info.Industry,
			MarketCap: info.MarketCap,
			IsActive:  true,
		})
	}
	return tickers, nil
}

// fetchPhase retrieves history for the universe plus the benchmark, and the
// strategy's ancillary data (options chains, reddit mentions). Symbols that
// fail to fetch are dropped with a failure record.
func (o *Orchestrator) fetchPhase(ctx context.Context, strategy domain.Strategy, tickers []domain.Ticker, report *Report) (map[string]*symbolData, error) {
	symbols := make([]string, 0, len(tickers)+1)
	for _, t := range tickers {
		symbols = append(symbols, t.Symbol)
	}
	symbols = append(symbols, o.cfg.BenchmarkSymbol)

	barsBySymbol, err := o.fetcher.GetBatchOHLCV(ctx, symbols, o.cfg.Period)
	if err != nil {
		return nil, err
	}

	data := make(map[string]*symbolData, len(tickers))
	for _, t := range tickers {
		bars, ok := barsBySymbol[t.Symbol]
		if !ok {
			report.recordFailure(t.Symbol, fmt.Errorf("history: %w", domain.ErrNoData))
			continue
		}
		data[t.Symbol] = &symbolData{ticker: t, bars: bars}
	}

	switch strategy {
	case domain.StrategyUnusualOptions:
		if err := o.fetchChains(ctx, data, report); err != nil {
			return nil, err
		}
	case domain.StrategyRedditOpportunity:
		if err := o.fetchMentions(ctx, data, report); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// fetchChains loads options chains with bounded fan-out. Symbols without a
// usable chain stay in the batch; the detector just skips them.
func (o *Orchestrator) fetchChains(ctx context.Context, data map[string]*symbolData, report *Report) error {
	sem := semaphore.NewWeighted(int64(o.cfg.Parallelism))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for symbol, sd := range data {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(symbol string, sd *symbolData) {
			defer wg.Done()
			defer sem.Release(1)

			chain, err := o.fetcher.GetOptionsChain(ctx, symbol)
			if err != nil {
				mu.Lock()
				report.recordFailure(symbol, err)
				mu.Unlock()
				return
			}
			sd.chain = chain
		}(symbol, sd)
	}
	wg.Wait()
	return ctx.Err()
}

func (o *Orchestrator) fetchMentions(ctx context.Context, data map[string]*symbolData, report *Report) error {
	if o.reddit == nil {
		log.Debug().Msg("no reddit source wired, reddit scan yields nothing")
		return nil
	}
	for symbol, sd := range data {
		if err := ctx.Err(); err != nil {
			return err
		}
		mentions, err := o.reddit.Mentions(ctx, symbol)
		if err != nil {
			report.recordFailure(symbol, err)
			continue
		}
		sd.mentions = mentions
	}
	return nil
}

// validatePhase runs quality gates in parallel and drops rejects.
func (o *Orchestrator) validatePhase(ctx context.Context, data map[string]*symbolData, scanDate time.Time, report *Report) map[string]*symbolData {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.AnalysisWorkers)

	var mu sync.Mutex
	passed := make(map[string]*symbolData, len(data))

	for symbol, sd := range data {
		symbol, sd := symbol, sd
		g.Go(func() error {
			res := o.validator.Validate(symbol, sd.bars, scanDate)
			mu.Lock()
			defer mu.Unlock()
			if !res.Passed {
				report.recordFailure(symbol, fmt.Errorf("%w: %v", domain.ErrValidationFailed, res.Reasons))
				return nil
			}
			sd.quality = res
			sd.bars = res.Bars
			passed[symbol] = sd
			return nil
		})
	}
	g.Wait()
	return passed
}

func (o *Orchestrator) indicatorPhase(ctx context.Context, data map[string]*symbolData) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.AnalysisWorkers)
	for _, sd := range data {
		sd := sd
		g.Go(func() error {
			sd.snapshots = indicators.Compute(sd.bars)
			return nil
		})
	}
	g.Wait()
}

// detectPhase runs the strategy detector per symbol and scores every
// candidate. Detector panics are impossible by contract; scoring errors are
// configuration-level and fail the scan.
func (o *Orchestrator) detectPhase(ctx context.Context, strategy domain.Strategy, data map[string]*symbolData, scanDate time.Time, report *Report) ([]domain.CandidateSignal, error) {
	detector, err := o.detectors.ForStrategy(strategy)
	if err != nil {
		return nil, err
	}

	benchmark := o.benchmarkBars(ctx, report)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.AnalysisWorkers)
	var (
		mu         sync.Mutex
		candidates []domain.CandidateSignal
	)
	for _, sd := range data {
		sd := sd
		g.Go(func() error {
			found := detector.Detect(detect.Inputs{
				Ticker:       sd.ticker,
				Bars:         sd.bars,
				Snapshots:    sd.snapshots,
				QualityScore: sd.quality.Score,
				Benchmark:    benchmark,
				Chain:        sd.chain,
				Mentions:     sd.mentions,
				AsOf:         scanDate,
			})
			if len(found) == 0 {
				return nil
			}
			mu.Lock()
			candidates = append(candidates, found...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := range candidates {
		if err := o.scorer.Score(&candidates[i]); err != nil {
			return nil, err
		}
		o.applyPrediction(ctx, &candidates[i])
	}
	return candidates, nil
}

// applyPrediction blends the optional ML prediction into the composite and
// re-derives grade, recommendation and position size. Prediction failures
// are ignored; the detector score stands.
func (o *Orchestrator) applyPrediction(ctx context.Context, c *domain.CandidateSignal) {
	if o.predictor == nil {
		return
	}
	pred, err := o.predictor.Predict(ctx, *c)
	if err != nil {
		log.Debug().Err(err).Str("symbol", c.Symbol).Msg("ml prediction unavailable")
		return
	}
	o.scorer.Rescore(c, (1-o.cfg.MLBlend)*c.OverallScore+o.cfg.MLBlend*pred)
}

func (o *Orchestrator) benchmarkBars(ctx context.Context, report *Report) []domain.Bar {
	bars, err := o.fetcher.GetOHLCV(ctx, o.cfg.BenchmarkSymbol, o.cfg.Period)
	if err != nil {
		report.recordFailure(o.cfg.BenchmarkSymbol, err)
		return nil
	}
	return bars
}

func (o *Orchestrator) recordPersist(strategy domain.Strategy, rows []domain.Signal, batch persistence.BatchResult) {
	o.metrics.StoreWrites.WithLabelValues("signals", "ok").Add(float64(batch.Succeeded))
	o.metrics.StoreWrites.WithLabelValues("signals", "failed").Add(float64(batch.Failed))
	for _, s := range rows {
		o.metrics.SignalsPersisted.WithLabelValues(string(strategy), string(s.Status)).Inc()
	}
}

func (o *Orchestrator) observeLastPhase(report *Report) {
	if len(report.Phases) == 0 {
		return
	}
	last := report.Phases[len(report.Phases)-1]
	o.metrics.ObservePhase(last.Name, last.Duration.Seconds())
}

func (o *Orchestrator) diagnostics() (ratelimit.Status, marketdata.CacheStats, string) {
	return o.fetcher.LimiterStatus(), o.fetcher.CacheStats(), o.fetcher.BreakerState()
}
