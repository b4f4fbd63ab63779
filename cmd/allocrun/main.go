package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "allocrun"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// Broker credentials live in the environment; a local .env is a
	// convenience, its absence is not an error.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env")
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Bar-driven strategy engine: backtest, paper and live rebalancing",
		Version: version,
		Long: `allocrun runs target-weight allocation strategies three ways:
replayed against historical bars (backtest), simulated against live
prices (mock), or for real money through the broker (live). The same
portfolio engine and execution pipeline serve all three.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (defaults apply when omitted)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		levelStr, _ := cmd.Flags().GetString("log-level")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	}

	rootCmd.AddCommand(
		newBacktestCmd(),
		newRunCmd(),
		newScheduleCmd(),
		newReconcileCmd(),
		newMonitorCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
