package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/allocrun/internal/broker"
	"github.com/sawpanic/allocrun/internal/config"
	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/execution"
	"github.com/sawpanic/allocrun/internal/lock"
	"github.com/sawpanic/allocrun/internal/portfolio"
	"github.com/sawpanic/allocrun/internal/strategy"
)

// fakeSource serves a fixed flat price history and counts lookups.
type fakeSource struct {
	closePrice float64
	calls      int
}

func (f *fakeSource) History(_ context.Context, symbol string, lookback int) ([]domain.Bar, error) {
	f.calls++
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, 0, lookback)
	for i := 0; i < lookback; i++ {
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: base.AddDate(0, 0, i),
			Open:      f.closePrice,
			High:      f.closePrice,
			Low:       f.closePrice,
			Close:     f.closePrice,
			Volume:    1000,
		})
	}
	return bars, nil
}

func (f *fakeSource) Latest(ctx context.Context, symbol string) (domain.Bar, error) {
	bars, err := f.History(ctx, symbol, 1)
	if err != nil {
		return domain.Bar{}, err
	}
	return bars[len(bars)-1], nil
}

// emptySource answers every lookup with no bars and no error, like a feed
// that has no data for the symbol yet.
type emptySource struct{}

func (emptySource) History(context.Context, string, int) ([]domain.Bar, error) {
	return nil, nil
}

func (emptySource) Latest(context.Context, string) (domain.Bar, error) {
	return domain.Bar{}, nil
}

// fakeAccountBroker answers GetAccount only; the scheduler never places orders
// through it directly.
type fakeAccountBroker struct {
	account broker.Account
}

func (f *fakeAccountBroker) PlaceOrder(context.Context, domain.Order) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeAccountBroker) GetFillStatus(context.Context, string) (broker.OrderStatus, error) {
	return broker.OrderStatus{}, errors.New("not implemented")
}

func (f *fakeAccountBroker) CancelOrder(context.Context, string) error { return nil }

func (f *fakeAccountBroker) GetAccount(context.Context) (broker.Account, error) {
	return f.account, nil
}

func (f *fakeAccountBroker) ListFills(context.Context, time.Time, time.Time) ([]domain.Fill, error) {
	return nil, nil
}

// failingExecutor aborts every batch.
type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, []domain.Order, time.Time) ([]domain.Fill, error) {
	return nil, &domain.SlippageError{Symbol: "QQQ", SlippagePct: 0.02, ThresholdPct: 0.01}
}

type capturedSnapshots struct {
	snaps []domain.PerformanceSnapshot
}

func (c *capturedSnapshots) RecordSnapshot(_ context.Context, snap domain.PerformanceSnapshot) error {
	c.snaps = append(c.snaps, snap)
	return nil
}

func schedulerConfig(t *testing.T) config.SchedulerConfig {
	t.Helper()
	return config.SchedulerConfig{
		RunAt:     "15:45",
		Timezone:  "UTC",
		StatePath: filepath.Join(t.TempDir(), "schedule_state.json"),
		LockTTL:   time.Minute,
	}
}

func newEngine(mode domain.ExecutionMode, cash float64) *portfolio.Engine {
	return portfolio.NewEngine(portfolio.Params{
		Mode:               mode,
		InitialCash:        decimal.NewFromFloat(cash),
		CommissionPerShare: decimal.NewFromFloat(0.01),
		MarginMultiplier:   decimal.NewFromFloat(0.5),
		RebalanceThreshold: 0.02,
	})
}

func mockRouter(mode domain.ExecutionMode) *execution.Router {
	return execution.NewRouter(map[domain.ExecutionMode]execution.Executor{
		mode: execution.NewMockExecutor(),
	}, nil)
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)
}

func TestRunOnce_FreshStartPersistsCheckpoint(t *testing.T) {
	cfg := schedulerConfig(t)
	store := NewStateStore(cfg.StatePath)
	sink := &capturedSnapshots{}

	s := New(Params{
		Config:   cfg,
		Mode:     domain.ModeMock,
		Symbols:  []string{"QQQ"},
		Engine:   newEngine(domain.ModeMock, 100000),
		Router:   mockRouter(domain.ModeMock),
		Strategy: &strategy.StaticAllocation{Weights: map[string]float64{"QQQ": 0.5}},
		Source:   &fakeSource{closePrice: 450},
		Store:    store,
		Sink:     sink,
	})
	s.now = fixedNow

	require.NoError(t, s.RunOnce(context.Background()))

	state, found, err := store.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2025-06-02", state.LastRunDate)
	assert.Equal(t, domain.ModeMock, state.Mode)
	assert.Equal(t, int64(111), state.Positions["QQQ"].Quantity)
	assert.Equal(t, "50048.89", state.Cash.StringFixed(2))

	require.Len(t, sink.snaps, 1)
	assert.Equal(t, domain.ModeMock, sink.snaps[0].Mode)
}

func TestRunOnce_SkipsWhenAlreadyRanToday(t *testing.T) {
	cfg := schedulerConfig(t)
	store := NewStateStore(cfg.StatePath)
	require.NoError(t, store.Save(domain.ScheduleState{
		LastRunDate: "2025-06-02",
		Mode:        domain.ModeMock,
		Cash:        decimal.NewFromInt(100000),
		Positions:   map[string]domain.Position{},
	}))

	source := &fakeSource{closePrice: 450}
	s := New(Params{
		Config:   cfg,
		Mode:     domain.ModeMock,
		Symbols:  []string{"QQQ"},
		Engine:   newEngine(domain.ModeMock, 100000),
		Router:   mockRouter(domain.ModeMock),
		Strategy: &strategy.StaticAllocation{Weights: map[string]float64{"QQQ": 0.5}},
		Source:   source,
		Store:    store,
	})
	s.now = fixedNow

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Zero(t, source.calls, "a run skipped for the day must not touch market data")
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	cfg := schedulerConfig(t)
	store := NewStateStore(cfg.StatePath)

	held := lock.NewProcessLock()
	ok, err := held.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	s := New(Params{
		Config:   cfg,
		Mode:     domain.ModeMock,
		Symbols:  []string{"QQQ"},
		Engine:   newEngine(domain.ModeMock, 100000),
		Router:   mockRouter(domain.ModeMock),
		Strategy: &strategy.StaticAllocation{Weights: map[string]float64{"QQQ": 0.5}},
		Source:   &fakeSource{closePrice: 450},
		Store:    store,
		Locks:    []lock.RunLock{held},
	})
	s.now = fixedNow

	require.NoError(t, s.RunOnce(context.Background()))
	_, found, err := store.Load()
	require.NoError(t, err)
	assert.False(t, found, "a skipped run must not write a checkpoint")
}

func TestRunOnce_AdoptsBrokerStateOnDivergence(t *testing.T) {
	cfg := schedulerConfig(t)
	store := NewStateStore(cfg.StatePath)
	require.NoError(t, store.Save(domain.ScheduleState{
		LastRunDate: "2025-06-01",
		Mode:        domain.ModeLive,
		Cash:        decimal.NewFromInt(50000),
		Positions: map[string]domain.Position{
			"QQQ": {Symbol: "QQQ", Quantity: 100, AverageCost: decimal.NewFromInt(440)},
		},
	}))

	brk := &fakeAccountBroker{account: broker.Account{
		Cash: decimal.NewFromInt(60000),
		Positions: []domain.Position{
			{Symbol: "QQQ", Quantity: 50, AverageCost: decimal.NewFromInt(440)},
		},
	}}

	s := New(Params{
		Config:   cfg,
		Mode:     domain.ModeLive,
		Symbols:  []string{"QQQ"},
		Engine:   newEngine(domain.ModeLive, 0),
		Router:   mockRouter(domain.ModeLive),
		Strategy: &strategy.StaticAllocation{}, // no signals, no orders
		Source:   &fakeSource{closePrice: 450},
		Broker:   brk,
		Store:    store,
	})
	s.now = fixedNow

	require.NoError(t, s.RunOnce(context.Background()))

	state, found, err := store.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "60000", state.Cash.String(), "broker cash wins beyond tolerance")
	assert.Equal(t, int64(50), state.Positions["QQQ"].Quantity, "broker position wins beyond tolerance")
	assert.Equal(t, "2025-06-02", state.LastRunDate)
}

func TestRunOnce_CheckpointWithinToleranceStands(t *testing.T) {
	cfg := schedulerConfig(t)
	store := NewStateStore(cfg.StatePath)
	localCash := decimal.NewFromFloat(50000.50)
	require.NoError(t, store.Save(domain.ScheduleState{
		LastRunDate: "2025-06-01",
		Mode:        domain.ModeLive,
		Cash:        localCash,
		Positions: map[string]domain.Position{
			"QQQ": {Symbol: "QQQ", Quantity: 100, AverageCost: decimal.NewFromInt(440)},
		},
	}))

	// Broker differs by 40 cents: inside the one-dollar tolerance.
	brk := &fakeAccountBroker{account: broker.Account{
		Cash: decimal.NewFromFloat(50000.10),
		Positions: []domain.Position{
			{Symbol: "QQQ", Quantity: 100, AverageCost: decimal.NewFromInt(440)},
		},
	}}

	s := New(Params{
		Config:   cfg,
		Mode:     domain.ModeLive,
		Symbols:  []string{"QQQ"},
		Engine:   newEngine(domain.ModeLive, 0),
		Router:   mockRouter(domain.ModeLive),
		Strategy: &strategy.StaticAllocation{},
		Source:   &fakeSource{closePrice: 450},
		Broker:   brk,
		Store:    store,
	})
	s.now = fixedNow

	require.NoError(t, s.RunOnce(context.Background()))

	state, _, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, localCash.String(), state.Cash.String(), "sub-dollar drift keeps the checkpoint")
}

func TestRunOnce_ModeMismatchedCheckpointRefused(t *testing.T) {
	cfg := schedulerConfig(t)
	store := NewStateStore(cfg.StatePath)
	require.NoError(t, store.Save(domain.ScheduleState{
		LastRunDate: "2025-06-01",
		Mode:        domain.ModeLive,
		Cash:        decimal.NewFromInt(100000),
		Positions:   map[string]domain.Position{},
	}))

	s := New(Params{
		Config:   cfg,
		Mode:     domain.ModeMock,
		Symbols:  []string{"QQQ"},
		Engine:   newEngine(domain.ModeMock, 100000),
		Router:   mockRouter(domain.ModeMock),
		Strategy: &strategy.StaticAllocation{},
		Source:   &fakeSource{closePrice: 450},
		Store:    store,
	})
	s.now = fixedNow

	err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrStateCorrupt)
}

func TestRunOnce_AbortedDayLeavesPriorCheckpoint(t *testing.T) {
	cfg := schedulerConfig(t)
	store := NewStateStore(cfg.StatePath)
	require.NoError(t, store.Save(domain.ScheduleState{
		LastRunDate: "2025-06-01",
		Mode:        domain.ModeMock,
		Cash:        decimal.NewFromInt(100000),
		Positions:   map[string]domain.Position{},
	}))

	s := New(Params{
		Config:  cfg,
		Mode:    domain.ModeMock,
		Symbols: []string{"QQQ"},
		Engine:  newEngine(domain.ModeMock, 100000),
		Router: execution.NewRouter(map[domain.ExecutionMode]execution.Executor{
			domain.ModeMock: failingExecutor{},
		}, nil),
		Strategy: &strategy.StaticAllocation{Weights: map[string]float64{"QQQ": 0.5}},
		Source:   &fakeSource{closePrice: 450},
		Store:    store,
	})
	s.now = fixedNow

	err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	state, found, lerr := store.Load()
	require.NoError(t, lerr)
	require.True(t, found)
	assert.Equal(t, "2025-06-01", state.LastRunDate, "aborted day must not advance the checkpoint")
	assert.Equal(t, "100000", state.Cash.String())
}

func TestRunOnce_EmptyBarHistoryFailsRun(t *testing.T) {
	cfg := schedulerConfig(t)
	store := NewStateStore(cfg.StatePath)

	s := New(Params{
		Config:   cfg,
		Mode:     domain.ModeMock,
		Symbols:  []string{"QQQ"},
		Engine:   newEngine(domain.ModeMock, 100000),
		Router:   mockRouter(domain.ModeMock),
		Strategy: &strategy.StaticAllocation{Weights: map[string]float64{"QQQ": 0.5}},
		Source:   emptySource{},
		Store:    store,
	})
	s.now = fixedNow

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bars")

	_, found, lerr := store.Load()
	require.NoError(t, lerr)
	assert.False(t, found, "a failed run must not write a checkpoint")
}

func TestRunOnce_ReleasesLockAfterRun(t *testing.T) {
	cfg := schedulerConfig(t)
	store := NewStateStore(cfg.StatePath)
	l := lock.NewProcessLock()

	s := New(Params{
		Config:   cfg,
		Mode:     domain.ModeMock,
		Symbols:  []string{"QQQ"},
		Engine:   newEngine(domain.ModeMock, 100000),
		Router:   mockRouter(domain.ModeMock),
		Strategy: &strategy.StaticAllocation{Weights: map[string]float64{"QQQ": 0.5}},
		Source:   &fakeSource{closePrice: 450},
		Store:    store,
		Locks:    []lock.RunLock{l},
	})
	s.now = fixedNow

	require.NoError(t, s.RunOnce(context.Background()))

	ok, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free after the run")
}

func TestNextTrigger(t *testing.T) {
	runAt, err := config.ParseRunAt("15:45")
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before_trigger_fires_today",
			now:  time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 2, 15, 45, 0, 0, time.UTC),
		},
		{
			name: "after_trigger_fires_tomorrow",
			now:  time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 3, 15, 45, 0, 0, time.UTC),
		},
		{
			name: "exactly_at_trigger_fires_tomorrow",
			now:  time.Date(2025, 6, 2, 15, 45, 0, 0, time.UTC),
			want: time.Date(2025, 6, 3, 15, 45, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextTrigger(tt.now, runAt))
		})
	}
}
