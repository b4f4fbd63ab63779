package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/allocrun/internal/broker"
	"github.com/sawpanic/allocrun/internal/config"
	"github.com/sawpanic/allocrun/internal/data"
	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/execution"
	"github.com/sawpanic/allocrun/internal/lock"
	"github.com/sawpanic/allocrun/internal/metrics"
	"github.com/sawpanic/allocrun/internal/perf"
	"github.com/sawpanic/allocrun/internal/portfolio"
	"github.com/sawpanic/allocrun/internal/strategy"
)

// Reconciliation tolerance: the broker becomes authoritative when the local
// checkpoint diverges by at least one share in any symbol or by more than one
// dollar of cash. Anything smaller is rounding noise and the checkpoint stands.
var cashTolerance = decimal.NewFromInt(1)

// defaultLookback is how many completed daily bars are fetched per symbol to
// warm up the strategy before the day's signals are computed.
const defaultLookback = 60

// SnapshotSink receives the derived performance row after each successful run.
type SnapshotSink interface {
	RecordSnapshot(ctx context.Context, snap domain.PerformanceSnapshot) error
}

// Scheduler drives the daily trading pipeline: at the configured wall-clock
// time it restores the persisted checkpoint, reconciles it against the broker,
// fetches recent bars, runs the strategy and executes the resulting orders.
// The checkpoint is persisted only after a fully successful run, so a crash or
// an aborted day replays against the previous valid state and the startup
// reconciliation heals any divergence from fills that did land at the broker.
type Scheduler struct {
	cfg     config.SchedulerConfig
	mode    domain.ExecutionMode
	symbols []string

	engine   *portfolio.Engine
	router   *execution.Router
	strat    strategy.Strategy
	source   data.LiveSource
	broker   broker.Client
	store    *StateStore
	locks    []lock.RunLock
	tracker  *perf.Tracker
	sink     SnapshotSink
	metrics  *metrics.Registry
	lookback int

	now func() time.Time
}

// Params wires a Scheduler. Broker and Sink are optional; with no Locks the
// in-process lock is used.
type Params struct {
	Config   config.SchedulerConfig
	Mode     domain.ExecutionMode
	Symbols  []string
	Engine   *portfolio.Engine
	Router   *execution.Router
	Strategy strategy.Strategy
	Source   data.LiveSource
	Broker   broker.Client
	Store    *StateStore
	Locks    []lock.RunLock
	Metrics  *metrics.Registry
	Sink     SnapshotSink
	Lookback int
}

// New creates a scheduler.
func New(p Params) *Scheduler {
	if p.Metrics == nil {
		p.Metrics = metrics.NewNop()
	}
	if p.Lookback <= 0 {
		p.Lookback = defaultLookback
	}
	if len(p.Locks) == 0 {
		p.Locks = []lock.RunLock{lock.NewProcessLock()}
	}
	return &Scheduler{
		cfg:      p.Config,
		mode:     p.Mode,
		symbols:  p.Symbols,
		engine:   p.Engine,
		router:   p.Router,
		strat:    p.Strategy,
		source:   p.Source,
		broker:   p.Broker,
		store:    p.Store,
		locks:    p.Locks,
		tracker:  perf.NewTracker(p.Mode),
		sink:     p.Sink,
		metrics:  p.Metrics,
		lookback: p.Lookback,
		now:      time.Now,
	}
}

// Start blocks, firing RunOnce at the configured wall-clock time every day
// until ctx is cancelled. A failed run is logged and the loop keeps going; the
// next trigger starts from the last persisted checkpoint.
func (s *Scheduler) Start(ctx context.Context) error {
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load scheduler timezone: %w", err)
	}
	runAt, err := config.ParseRunAt(s.cfg.RunAt)
	if err != nil {
		return err
	}

	log.Info().Str("run_at", s.cfg.RunAt).Str("timezone", s.cfg.Timezone).
		Str("mode", string(s.mode)).Msg("Scheduler started")

	for {
		next := nextTrigger(s.now().In(loc), runAt)
		timer := time.NewTimer(time.Until(next))
		log.Debug().Time("next_trigger", next).Msg("Waiting for next scheduled run")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.RunOnce(ctx); err != nil {
			log.Error().Err(err).Str("mode", string(s.mode)).Msg("Scheduled run failed")
		}
	}
}

// nextTrigger returns the next occurrence of runAt's wall-clock time strictly
// after now, in now's location.
func nextTrigger(now time.Time, runAt time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(),
		runAt.Hour(), runAt.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunOnce executes one full pipeline iteration. A run that finds the lock held
// or that already ran today is skipped and returns nil.
func (s *Scheduler) RunOnce(ctx context.Context) (err error) {
	started := s.now()
	result := "ok"
	defer func() {
		if err != nil {
			result = "error"
		}
		s.metrics.RunDuration.WithLabelValues(string(s.mode), result).
			Observe(s.now().Sub(started).Seconds())
	}()

	acquired, err := s.acquireLocks(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		s.metrics.RunsSkipped.Inc()
		result = "skipped"
		return nil
	}
	defer s.releaseLocks(ctx)

	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load scheduler timezone: %w", err)
	}
	runTime := s.now().In(loc)
	today := runTime.Format("2006-01-02")

	state, found, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load schedule state: %w", err)
	}
	if found {
		if state.Mode != s.mode {
			return fmt.Errorf("%w: checkpoint belongs to %s, scheduler runs %s",
				domain.ErrStateCorrupt, state.Mode, s.mode)
		}
		if state.LastRunDate == today {
			log.Info().Str("date", today).Str("mode", string(s.mode)).Msg("Already ran today, skipping")
			result = "skipped"
			return nil
		}
		cash, positions, adopted, rerr := s.reconcileStartup(ctx, state)
		if rerr != nil {
			return rerr
		}
		s.engine.Restore(cash, positions)
		if adopted {
			log.Warn().Str("mode", string(s.mode)).
				Msg("Checkpoint diverged from broker, broker state adopted")
		}
	} else if s.broker != nil && s.mode == domain.ModeLive {
		// No checkpoint at all: the broker is the only source of truth.
		acct, aerr := s.broker.GetAccount(ctx)
		if aerr != nil {
			return fmt.Errorf("failed to fetch broker account: %w", aerr)
		}
		s.engine.Restore(acct.Cash, positionMap(acct.Positions))
		log.Info().Str("cash", acct.Cash.StringFixed(2)).
			Int("positions", len(acct.Positions)).
			Msg("No checkpoint found, starting from broker account state")
	}

	history, prices, err := s.fetchBars(ctx)
	if err != nil {
		return err
	}
	s.engine.MarkToMarket(prices)

	signals, err := s.strat.OnBar(history, runTime)
	if err != nil {
		return fmt.Errorf("strategy %s failed: %w", s.strat.Name(), err)
	}

	var orders []domain.Order
	regime := ""
	for _, sig := range signals {
		if regime == "" {
			regime = sig.RegimeContext
		}
		order, serr := s.engine.SubmitSignal(sig)
		if serr != nil {
			if domain.Classify(serr) == domain.SeverityRejected {
				s.metrics.OrdersRejected.WithLabelValues(string(s.mode), "business_rule").Inc()
				log.Warn().Err(serr).Str("symbol", sig.Symbol).Msg("Signal rejected")
				continue
			}
			return fmt.Errorf("failed to process signal for %s: %w", sig.Symbol, serr)
		}
		if order != nil {
			orders = append(orders, *order)
		}
	}

	fills, execErr := s.router.Execute(ctx, orders, s.mode, runTime)

	// Fills accepted before an abort are real money movements and are applied
	// either way. Only a fully clean run persists the checkpoint; after an
	// abort the next startup reconciliation squares the unpersisted fills
	// against the broker.
	for _, fill := range fills {
		if aerr := s.engine.ApplyFill(ctx, fill); aerr != nil {
			return fmt.Errorf("failed to apply fill for %s: %w", fill.Symbol, aerr)
		}
	}
	// Orders that never produced a fill give their cash hold back.
	for i := range orders {
		s.engine.ReleaseOrder(orders[i].ClientOrderID)
	}
	if execErr != nil {
		return fmt.Errorf("trading halted for the day: %w", execErr)
	}

	s.engine.RecordEquity(runTime)
	equity, _ := s.engine.TotalValue().Float64()
	s.metrics.Equity.WithLabelValues(string(s.mode)).Set(equity)

	if err := s.store.Save(s.engine.Checkpoint(runTime)); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	if s.sink != nil {
		snap, perr := s.tracker.Latest(s.engine.State().EquityHistory, regime)
		if perr == nil {
			if serr := s.sink.RecordSnapshot(ctx, snap); serr != nil {
				log.Error().Err(serr).Msg("Failed to record performance snapshot")
			}
		}
	}

	log.Info().Str("date", today).Str("mode", string(s.mode)).
		Int("signals", len(signals)).Int("orders", len(orders)).Int("fills", len(fills)).
		Float64("equity", equity).
		Msg("Scheduled run complete")
	return nil
}

// acquireLocks takes every configured lock, or none: a partial acquisition is
// rolled back and the run is skipped.
func (s *Scheduler) acquireLocks(ctx context.Context) (bool, error) {
	var held []lock.RunLock
	for _, l := range s.locks {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			for _, h := range held {
				_ = h.Release(ctx)
			}
			return false, fmt.Errorf("failed to acquire run lock: %w", err)
		}
		if !ok {
			for _, h := range held {
				_ = h.Release(ctx)
			}
			log.Warn().Str("mode", string(s.mode)).Msg("Run already in progress, skipping")
			return false, nil
		}
		held = append(held, l)
	}
	return true, nil
}

func (s *Scheduler) releaseLocks(ctx context.Context) {
	for i := len(s.locks) - 1; i >= 0; i-- {
		if err := s.locks[i].Release(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to release run lock")
		}
	}
}

// reconcileStartup compares the persisted checkpoint against the broker's
// account. Within tolerance the checkpoint stands; beyond it the broker wins
// and the divergence is counted. Mock mode has no broker and trusts the
// checkpoint.
func (s *Scheduler) reconcileStartup(ctx context.Context, state domain.ScheduleState) (decimal.Decimal, map[string]domain.Position, bool, error) {
	if s.broker == nil || s.mode != domain.ModeLive {
		return state.Cash, state.Positions, false, nil
	}

	acct, err := s.broker.GetAccount(ctx)
	if err != nil {
		return decimal.Zero, nil, false, fmt.Errorf("failed to fetch broker account: %w", err)
	}
	brokerPositions := positionMap(acct.Positions)

	diverged := false
	if state.Cash.Sub(acct.Cash).Abs().GreaterThan(cashTolerance) {
		diverged = true
		s.metrics.ReconcileDiscrepancies.WithLabelValues("cash").Inc()
		log.Warn().Str("local_cash", state.Cash.StringFixed(2)).
			Str("broker_cash", acct.Cash.StringFixed(2)).
			Msg("Cash diverged from broker")
	}
	for sym, pos := range state.Positions {
		if brokerPositions[sym].Quantity != pos.Quantity {
			diverged = true
			s.metrics.ReconcileDiscrepancies.WithLabelValues("position").Inc()
			log.Warn().Str("symbol", sym).
				Int64("local_qty", pos.Quantity).
				Int64("broker_qty", brokerPositions[sym].Quantity).
				Msg("Position diverged from broker")
		}
	}
	for sym, pos := range brokerPositions {
		if _, ok := state.Positions[sym]; !ok {
			diverged = true
			s.metrics.ReconcileDiscrepancies.WithLabelValues("position").Inc()
			log.Warn().Str("symbol", sym).Int64("broker_qty", pos.Quantity).
				Msg("Broker holds a position the checkpoint does not")
		}
	}

	if diverged {
		return acct.Cash, brokerPositions, true, nil
	}
	return state.Cash, state.Positions, false, nil
}

// fetchBars loads the warmup history per symbol plus the latest close per
// symbol for mark-to-market.
func (s *Scheduler) fetchBars(ctx context.Context) (map[string][]domain.Bar, map[string]decimal.Decimal, error) {
	history := make(map[string][]domain.Bar, len(s.symbols))
	prices := make(map[string]decimal.Decimal, len(s.symbols))
	for _, sym := range s.symbols {
		bars, err := s.source.History(ctx, sym, s.lookback)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch bars for %s: %w", sym, err)
		}
		if len(bars) == 0 {
			return nil, nil, fmt.Errorf("no bars returned for %s", sym)
		}
		history[sym] = bars
		prices[sym] = decimal.NewFromFloat(bars[len(bars)-1].Close)
	}
	return history, prices, nil
}

func positionMap(positions []domain.Position) map[string]domain.Position {
	m := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		m[p.Symbol] = p
	}
	return m
}
