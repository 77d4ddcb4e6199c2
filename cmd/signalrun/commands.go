package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cqdev-co/signalrun/internal/config"
	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/engine"
	"github.com/cqdev-co/signalrun/internal/monitor"
	"github.com/cqdev-co/signalrun/internal/persistence"
	"github.com/cqdev-co/signalrun/internal/scan"
	"github.com/cqdev-co/signalrun/internal/scheduler"
)

// buildEngine loads configuration (file, env, flags) and wires the engine.
func buildEngine(cmd *cobra.Command) (*engine.Engine, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		cfg.Offline = true
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if cfg.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
		if err != nil {
			return nil, &domain.ConfigError{Field: "log_level", Reason: err.Error()}
		}
		zerolog.SetGlobalLevel(parsed)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return engine.New(cfg)
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// dbPinger avoids handing the monitor a typed nil when no database is wired.
func dbPinger(eng *engine.Engine) monitor.Pinger {
	if eng.DB == nil {
		return nil
	}
	return eng.DB
}

func parseStrategies(raw string) ([]domain.Strategy, error) {
	if raw == "" || raw == "all" {
		return domain.Strategies(), nil
	}
	var out []domain.Strategy
	for _, part := range strings.Split(raw, ",") {
		s := domain.Strategy(strings.TrimSpace(part))
		if !s.Valid() {
			return nil, &domain.ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", part)}
		}
		out = append(out, s)
	}
	return out, nil
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, &domain.ConfigError{Field: "date", Reason: err.Error()}
	}
	return d, nil
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan cycle for the selected strategies",
		Long: `Fetches history for the universe, detects setups, scores them,
reconciles lifecycle state against the previous trading day, persists the
rows, updates paper trades, and emits alerts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			rawStrategies, _ := cmd.Flags().GetString("strategy")
			strategies, err := parseStrategies(rawStrategies)
			if err != nil {
				return err
			}
			rawDate, _ := cmd.Flags().GetString("date")
			asOf, err := parseDate(rawDate)
			if err != nil {
				return err
			}
			symbols, _ := cmd.Flags().GetStringSlice("symbols")

			ctx, cancel := signalContext()
			defer cancel()

			if !eng.Calendar.IsTradingDay(asOf) {
				force, _ := cmd.Flags().GetBool("force")
				if !force {
					log.Warn().Str("date", asOf.Format("2006-01-02")).Msg("not a trading day, skipping (use --force to override)")
					return nil
				}
			}

			var failed int
			for _, strategy := range strategies {
				report, err := eng.Orchestrator.RunScan(ctx, strategy, symbols, asOf)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					log.Error().Err(err).Str("strategy", string(strategy)).Msg("scan failed")
					failed++
					continue
				}
				printScanSummary(report)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d strategy scans failed", failed, len(strategies))
			}
			return nil
		},
	}

	cmd.Flags().StringP("strategy", "s", "all", "Strategy to scan (squeeze|penny_explosion|unusual_options|reddit_opportunity|all)")
	cmd.Flags().StringSlice("symbols", nil, "Explicit symbols to scan instead of the configured universe")
	cmd.Flags().String("date", "", "Scan date YYYY-MM-DD (default today)")
	cmd.Flags().Bool("force", false, "Scan even on non-trading days")
	return cmd
}

func printScanSummary(r *scan.Report) {
	fmt.Fprintf(os.Stdout, "%s %s: universe=%d candidates=%d new=%d continuing=%d ended=%d expired=%d alerts=%d (%s)\n",
		r.Strategy, r.ScanDate.Format("2006-01-02"),
		r.UniverseSize, r.Candidates,
		r.Transitions.New, r.Transitions.Continuing, r.Transitions.Ended, r.Transitions.Expired,
		r.Alerts, r.Duration.Round(time.Millisecond))
	for _, top := range r.TopSignals {
		fmt.Fprintf(os.Stdout, "  %-6s %-10s day %-2d score %.3f grade %s %s\n",
			top.Symbol, top.Status, top.DaysActive, top.OverallScore, top.Grade, top.Recommendation)
	}
}

func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-derive target hits for closed paper trades missing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := signalContext()
			defer cancel()

			updated, err := eng.Tracker.Backfill(ctx, limit)
			if err != nil {
				return err
			}
			log.Info().Int("updated", updated).Msg("backfill complete")
			return nil
		},
	}
	cmd.Flags().Int("limit", 200, "Maximum records to backfill")
	return cmd
}

func newExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-signals",
		Short: "Deactivate signals whose contract expiry has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, cancel := signalContext()
			defer cancel()

			n, err := eng.Repos.Signals.ExpirePast(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			log.Info().Int64("expired", n).Msg("expiry sweep complete")
			return nil
		},
	}
}

func newCleanupDuplicatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup-duplicates",
		Short: "Deactivate duplicate active rows, keeping the freshest per key",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			rawDate, _ := cmd.Flags().GetString("date")
			date, err := parseDate(rawDate)
			if err != nil {
				return err
			}
			rawStrategies, _ := cmd.Flags().GetString("strategy")
			strategies, err := parseStrategies(rawStrategies)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			var total int64
			for _, s := range strategies {
				n, err := eng.Repos.Signals.ReconcileDuplicates(ctx, date, s)
				if err != nil {
					return err
				}
				total += n
			}
			log.Info().Int64("deactivated", total).Msg("duplicate sweep complete")
			return nil
		},
	}
	cmd.Flags().String("date", "", "Scan date YYYY-MM-DD (default today)")
	cmd.Flags().StringP("strategy", "s", "all", "Strategy to sweep")
	return cmd
}

func newCleanupNoiseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup-noise",
		Short: "Deactivate active signals that decayed below quality floors",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			minScore, _ := cmd.Flags().GetFloat64("min-score")
			minDTE, _ := cmd.Flags().GetInt("min-dte")

			ctx, cancel := signalContext()
			defer cancel()

			n, err := eng.Repos.Signals.CleanupNoise(ctx, time.Now().UTC(), persistence.NoiseRules{
				MinOverallScore: minScore,
				MinDaysToExpiry: minDTE,
			})
			if err != nil {
				return err
			}
			log.Info().Int64("deactivated", n).Msg("noise sweep complete")
			return nil
		},
	}
	cmd.Flags().Float64("min-score", 0.5, "Deactivate active rows scoring below this")
	cmd.Flags().Int("min-dte", 3, "Deactivate options rows closer to expiry than this")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run configured scan jobs on their intervals until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, cancel := signalContext()
			defer cancel()

			srv := monitor.NewServer(eng.Cfg.Monitor, dbPinger(eng), eng.Fetcher, eng.Metrics)
			run := func(ctx context.Context, strategy domain.Strategy, symbols []string, asOf time.Time) (*scan.Report, error) {
				report, err := eng.Orchestrator.RunScan(ctx, strategy, symbols, asOf)
				if report != nil {
					srv.SetReport(report)
				}
				return report, err
			}
			sched := scheduler.New(eng.Cfg.Scheduler, eng.Calendar, run)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(ctx) })
			g.Go(func() error { return sched.Run(ctx) })
			if err := g.Wait(); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve /health, /metrics and /status without scanning",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				eng.Cfg.Monitor.Addr = addr
			}

			ctx, cancel := signalContext()
			defer cancel()

			srv := monitor.NewServer(eng.Cfg.Monitor, dbPinger(eng), eng.Fetcher, eng.Metrics)
			if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	return cmd
}
