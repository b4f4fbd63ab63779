package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/metrics"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline iteration immediately",
		Long: `Runs the full trading pipeline once, outside the daily schedule:
restore checkpoint, reconcile against the broker, fetch bars, trade,
persist. Useful for manual catch-up after a missed trigger.`,
		RunE: runRunOnce,
	}

	cmd.Flags().String("mode", "mock", "Execution mode (mock|live)")
	cmd.Flags().String("strategy", "sma", "Strategy (sma|static)")
	cmd.Flags().Int("fast", 10, "Fast SMA window")
	cmd.Flags().Int("slow", 30, "Slow SMA window")
	cmd.Flags().Float64("weight", 0.5, "Target weight when the strategy is long")
	cmd.Flags().Bool("confirm-live", false, "Skip the interactive live-trading confirmation")
	return cmd
}

func runRunOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	modeStr, _ := cmd.Flags().GetString("mode")
	mode, err := parseMode(modeStr)
	if err != nil {
		return err
	}
	if mode == domain.ModeLive {
		confirmed, _ := cmd.Flags().GetBool("confirm-live")
		if err := confirmLive(confirmed); err != nil {
			return err
		}
	}

	stratName, _ := cmd.Flags().GetString("strategy")
	fast, _ := cmd.Flags().GetInt("fast")
	slow, _ := cmd.Flags().GetInt("slow")
	weight, _ := cmd.Flags().GetFloat64("weight")
	strat, err := newStrategy(stratName, fast, slow, weight, cfg.Symbols)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	stack, err := buildLiveStack(ctx, cfg, mode, strat, reg)
	if err != nil {
		return err
	}
	defer stack.Close()

	return stack.scheduler.RunOnce(ctx)
}
