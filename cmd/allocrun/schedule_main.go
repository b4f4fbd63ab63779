package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/metrics"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the daily trading scheduler",
		Long: `Starts the scheduler daemon: the pipeline fires once per day at the
configured wall-clock time, skipping days that already ran and runs
that would overlap. SIGINT/SIGTERM stop it cleanly.`,
		RunE: runSchedule,
	}

	cmd.Flags().String("mode", "mock", "Execution mode (mock|live)")
	cmd.Flags().String("strategy", "sma", "Strategy (sma|static)")
	cmd.Flags().Int("fast", 10, "Fast SMA window")
	cmd.Flags().Int("slow", 30, "Slow SMA window")
	cmd.Flags().Float64("weight", 0.5, "Target weight when the strategy is long")
	cmd.Flags().Bool("confirm-live", false, "Skip the interactive live-trading confirmation")
	cmd.Flags().String("listen", "", "Address for /health and /metrics (empty disables)")
	return cmd
}

func runSchedule(cmd *cobra.Command, args []string) error {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)

	stack, err := buildLiveStack(ctx, cfg, mode, strat, reg)
	if err != nil {
		return err
	}
	defer stack.Close()

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		srv := newMonitorServer(listen, promReg)
		go func() {
			log.Info().Str("addr", listen).Msg("Monitoring server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Monitoring server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = stack.scheduler.Start(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Scheduler stopped")
		return nil
	}
	return err
}

// newMonitorServer serves /health and /metrics for the given registry.
func newMonitorServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      monitorHandler(gatherer),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
