package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/allocrun/internal/backtest"
	"github.com/sawpanic/allocrun/internal/data"
	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/execution"
	"github.com/sawpanic/allocrun/internal/metrics"
	"github.com/sawpanic/allocrun/internal/perf"
)

func newBacktestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a strategy over historical CSV bars",
		Long: `Replays daily bars from <symbol>.csv files through the portfolio
engine with simulated execution. Fills land at the bar close being
processed; the run is fully deterministic.`,
		RunE: runBacktest,
	}

	cmd.Flags().String("data", "data", "Directory containing <SYMBOL>.csv bar files")
	cmd.Flags().StringSlice("symbols", nil, "Symbols to trade (defaults to config symbols)")
	cmd.Flags().String("strategy", "sma", "Strategy (sma|static)")
	cmd.Flags().Int("fast", 10, "Fast SMA window")
	cmd.Flags().Int("slow", 30, "Slow SMA window")
	cmd.Flags().Float64("weight", 0.5, "Target weight when the strategy is long")
	cmd.Flags().Float64("slippage", 0, "Simulated slippage fraction applied against each fill")
	return cmd
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dataDir, _ := cmd.Flags().GetString("data")
	symbols, _ := cmd.Flags().GetStringSlice("symbols")
	stratName, _ := cmd.Flags().GetString("strategy")
	fast, _ := cmd.Flags().GetInt("fast")
	slow, _ := cmd.Flags().GetInt("slow")
	weight, _ := cmd.Flags().GetFloat64("weight")
	slippage, _ := cmd.Flags().GetFloat64("slippage")

	if len(symbols) == 0 {
		symbols = cfg.Symbols
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols: pass --symbols or set them in the config file")
	}

	strat, err := newStrategy(stratName, fast, slow, weight, symbols)
	if err != nil {
		return err
	}

	stream, err := data.NewCSVStream(dataDir, symbols)
	if err != nil {
		return err
	}

	mock := execution.NewMockExecutor()
	mock.SimulatedSlippagePct = slippage
	router := execution.NewRouter(map[domain.ExecutionMode]execution.Executor{
		domain.ModeMock: mock,
	}, metrics.NewNop())
	engine := newEngine(cfg, domain.ModeMock, nil)

	log.Info().Strs("symbols", symbols).Str("strategy", strat.Name()).
		Int("bars", stream.Len()).Msg("Starting backtest")

	result, err := backtest.NewLoop(engine, router, strat, stream).Run(context.Background())
	if err != nil {
		return fmt.Errorf("backtest failed: %w", err)
	}

	history := result.FinalState.EquityHistory
	tracker := perf.NewTracker(domain.ModeMock)
	final, err := tracker.Latest(history, "")
	if err != nil {
		return err
	}

	fmt.Printf("Bars processed:    %d\n", result.BarsProcessed)
	fmt.Printf("Fills:             %d\n", result.FillCount)
	fmt.Printf("Final cash:        %s\n", result.FinalState.Cash.StringFixed(2))
	fmt.Printf("Final equity:      %s\n", final.TotalEquity.StringFixed(2))
	fmt.Printf("Cumulative return: %.2f%%\n", final.CumulativeReturn*100)
	fmt.Printf("Max drawdown:      %.2f%%\n", perf.MaxDrawdown(history)*100)
	return nil
}
