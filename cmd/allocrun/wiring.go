package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	alpacabroker "github.com/sawpanic/allocrun/internal/broker/alpaca"
	"github.com/sawpanic/allocrun/internal/config"
	"github.com/sawpanic/allocrun/internal/data"
	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/execution"
	"github.com/sawpanic/allocrun/internal/lock"
	"github.com/sawpanic/allocrun/internal/metrics"
	"github.com/sawpanic/allocrun/internal/persistence"
	"github.com/sawpanic/allocrun/internal/persistence/postgres"
	"github.com/sawpanic/allocrun/internal/portfolio"
	"github.com/sawpanic/allocrun/internal/scheduler"
	"github.com/sawpanic/allocrun/internal/strategy"
)

// loadConfig reads the --config file or falls back to defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// parseMode validates the --mode flag.
func parseMode(s string) (domain.ExecutionMode, error) {
	mode := domain.ExecutionMode(strings.ToUpper(s))
	if !mode.Valid() {
		return "", fmt.Errorf("mode must be mock or live, got %q", s)
	}
	return mode, nil
}

// confirmLive guards real-money execution: either --confirm-live was passed,
// or the operator answers an interactive prompt. A non-interactive session
// without the flag refuses to trade.
func confirmLive(confirmed bool) error {
	if confirmed {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("live mode requires --confirm-live in non-interactive sessions")
	}
	fmt.Fprint(os.Stderr, "LIVE mode places real orders with real money. Continue? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read confirmation: %w", err)
	}
	if strings.ToLower(strings.TrimSpace(answer)) != "y" {
		return fmt.Errorf("live mode not confirmed")
	}
	return nil
}

// newEngine builds the portfolio engine from config.
func newEngine(cfg config.Config, mode domain.ExecutionMode, ledger portfolio.Ledger) *portfolio.Engine {
	return portfolio.NewEngine(portfolio.Params{
		Mode:               mode,
		InitialCash:        decimal.NewFromFloat(cfg.Engine.InitialCash),
		CommissionPerShare: decimal.NewFromFloat(cfg.Engine.CommissionPerShare),
		MarginMultiplier:   decimal.NewFromFloat(cfg.Engine.MarginMultiplier),
		RebalanceThreshold: cfg.Engine.RebalanceThreshold,
		Ledger:             ledger,
	})
}

// newStrategy builds the strategy selected by flags. Static weights are spread
// evenly across the configured symbols.
func newStrategy(name string, fast, slow int, weight float64, symbols []string) (strategy.Strategy, error) {
	switch name {
	case "sma":
		return strategy.NewSMATrend(fast, slow, weight)
	case "static":
		if len(symbols) == 0 {
			return nil, fmt.Errorf("static strategy needs at least one symbol")
		}
		weights := make(map[string]float64, len(symbols))
		per := weight / float64(len(symbols))
		for _, sym := range symbols {
			weights[sym] = per
		}
		return &strategy.StaticAllocation{Weights: weights}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q (want sma or static)", name)
	}
}

// liveStack is the wiring shared by the run and schedule commands.
type liveStack struct {
	scheduler *scheduler.Scheduler
	metrics   *metrics.Registry
	db        *sqlx.DB
}

// Close releases held resources.
func (s *liveStack) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// buildLiveStack assembles engine, executors, locks, persistence and scheduler
// for one execution mode. Postgres and Redis are optional: without a DSN the
// ledger is in-memory and snapshots are log-only; without a Redis address only
// the in-process lock guards overlap.
func buildLiveStack(ctx context.Context, cfg config.Config, mode domain.ExecutionMode, strat strategy.Strategy, reg *metrics.Registry) (*liveStack, error) {
	stack := &liveStack{metrics: reg}

	var ledger portfolio.Ledger
	var sink scheduler.SnapshotSink
	if cfg.Database.DSN != "" {
		db, err := postgres.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		stack.db = db
		var ledgerRepo persistence.LedgerRepo = postgres.NewLedgerRepo(db, cfg.Database.Timeout)
		ledger = ledgerRepo
		sink = postgres.NewSnapshotRepo(db, cfg.Database.Timeout)
	} else {
		log.Warn().Msg("No database configured, fills are recorded in memory only")
		ledger = portfolio.NewMemoryLedger()
	}

	locks := []lock.RunLock{lock.NewProcessLock()}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			stack.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		locks = append(locks, lock.NewRedisLock(client, strings.ToLower(string(mode)), cfg.Scheduler.LockTTL))
	}

	executors := map[domain.ExecutionMode]execution.Executor{
		domain.ModeMock: execution.NewMockExecutor(),
	}
	var brokerClient *alpacabroker.Client
	if mode == domain.ModeLive {
		brokerClient = alpacabroker.NewClient(alpacabroker.Opts{
			BaseURL:           cfg.Broker.BaseURL,
			RequestsPerMinute: cfg.Broker.RequestsPerMinute,
			RequestTimeout:    cfg.Broker.RequestTimeout,
		})
		executors[domain.ModeLive] = execution.NewBrokerExecutor(brokerClient, execution.BrokerExecutorOpts{
			SlippageWarnPct:  cfg.Execution.SlippageWarnPct,
			SlippageAbortPct: cfg.Execution.SlippageAbortPct,
			MaxFillRetries:   cfg.Execution.MaxFillRetries,
			FillRetryDelay:   cfg.Execution.FillRetryDelay,
			FillPollInterval: cfg.Execution.FillPollInterval,
			OrderTimeout:     cfg.Execution.OrderTimeout,
		})
	}

	params := scheduler.Params{
		Config:   cfg.Scheduler,
		Mode:     mode,
		Symbols:  cfg.Symbols,
		Engine:   newEngine(cfg, mode, ledger),
		Router:   execution.NewRouter(executors, reg),
		Strategy: strat,
		Source:   data.NewAlpacaSource(),
		Store:    scheduler.NewStateStore(statePathForMode(cfg.Scheduler.StatePath, mode)),
		Locks:    locks,
		Metrics:  reg,
		Sink:     sink,
	}
	if brokerClient != nil {
		params.Broker = brokerClient
	}

	stack.scheduler = scheduler.New(params)
	return stack, nil
}

// statePathForMode keeps mock and live checkpoints in separate files so the
// two instances never clobber each other.
func statePathForMode(path string, mode domain.ExecutionMode) string {
	suffix := "." + strings.ToLower(string(mode)) + ".json"
	return strings.TrimSuffix(path, ".json") + suffix
}

// runTimeout bounds one pipeline iteration invoked from the CLI.
const runTimeout = 15 * time.Minute
