package main

import (
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cqdev-co/signalrun/internal/domain"
)

const (
	appName = "signalrun"
	version = "v1.0.0"
)

// Exit codes: 0 success, 1 runtime failure, 2 configuration error.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Signal detection and lifecycle engine for equity scan strategies",
		Version: version,
		Long: `signalrun scans a symbol universe for squeeze, penny-explosion,
unusual-options and reddit-opportunity setups, scores them, tracks each
signal's lifecycle across trading days, and paper-trades the outcomes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().Bool("offline", false, "Use the deterministic offline provider")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace|debug|info|warn|error)")

	rootCmd.AddCommand(
		newScanCmd(),
		newBackfillCmd(),
		newExpireCmd(),
		newCleanupDuplicatesCmd(),
		newCleanupNoiseCmd(),
		newScheduleCmd(),
		newMonitorCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			log.Error().Err(err).Msg("configuration error")
			return exitConfig
		}
		log.Error().Err(err).Msg("command failed")
		return exitError
	}
	return exitOK
}
