// Package scheduler runs scan jobs on a recurring interval. Each job names a
// strategy, a cadence, and optional jitter; a market-hours gate skips ticks
// that land on weekends or holidays.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/calendar"
	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/scan"
)

// Job is one recurring scan.
type Job struct {
	Name     string          `yaml:"name"`
	Strategy domain.Strategy `yaml:"strategy"`
	Interval time.Duration   `yaml:"interval"`

	// Jitter spreads ticks so jobs with the same interval do not all fire at
	// once against the provider budget.
	Jitter time.Duration `yaml:"jitter"`

	// TradingDaysOnly skips ticks on weekends and holidays.
	TradingDaysOnly bool `yaml:"trading_days_only"`

	// Symbols overrides the configured universe when non-empty.
	Symbols []string `yaml:"symbols"`

	Enabled bool `yaml:"enabled"`
}

// Config is the scheduler's job table.
type Config struct {
	Jobs []Job `yaml:"jobs"`
}

// ScanFunc executes one scan for a job. The scheduler does not interpret the
// report beyond logging; failures do not stop the job.
type ScanFunc func(ctx context.Context, strategy domain.Strategy, symbols []string, asOf time.Time) (*scan.Report, error)

// Scheduler drives the enabled jobs until its context is cancelled.
type Scheduler struct {
	cfg Config
	cal calendar.TradingCalendar
	run ScanFunc
	now func() time.Time
}

func New(cfg Config, cal calendar.TradingCalendar, run ScanFunc) *Scheduler {
	return &Scheduler{cfg: cfg, cal: cal, run: run, now: time.Now}
}

// EnabledJobs lists the jobs that will actually run.
func (s *Scheduler) EnabledJobs() []Job {
	var jobs []Job
	for _, j := range s.cfg.Jobs {
		if j.Enabled && j.Strategy.Valid() && j.Interval > 0 {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// Run blocks, ticking every enabled job on its own interval, until ctx is
// cancelled. Each job runs in its own goroutine; a slow scan delays only its
// own next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := s.EnabledJobs()
	if len(jobs) == 0 {
		log.Warn().Msg("scheduler has no enabled jobs")
		<-ctx.Done()
		return ctx.Err()
	}

	log.Info().Int("jobs", len(jobs)).Msg("scheduler started")
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	timer := time.NewTimer(s.delay(job))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.tick(ctx, job)
		timer.Reset(s.delay(job))
	}
}

// delay is the job interval plus up to Jitter of random spread.
func (s *Scheduler) delay(job Job) time.Duration {
	d := job.Interval
	if job.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(job.Jitter)))
	}
	return d
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	now := s.now().UTC()
	if job.TradingDaysOnly && !s.cal.IsTradingDay(now) {
		log.Debug().Str("job", job.Name).Msg("tick skipped, not a trading day")
		return
	}

	started := time.Now()
	report, err := s.run(ctx, job.Strategy, job.Symbols, now)
	evt := log.Info()
	if err != nil {
		evt = log.Error().Err(err)
	}
	evt.
		Str("job", job.Name).
		Str("strategy", string(job.Strategy)).
		Dur("took", time.Since(started))
	if report != nil {
		evt.
			Int("candidates", report.Candidates).
			Int("new", report.Transitions.New).
			Int("continuing", report.Transitions.Continuing)
	}
	evt.Msg("scheduled scan finished")
}
