package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/allocrun/internal/domain"
)

func mockOrder(symbol string, dir domain.Direction, qty int64, target float64) domain.Order {
	return domain.Order{
		ClientOrderID: "cid-" + symbol,
		Symbol:        symbol,
		Direction:     dir,
		Quantity:      qty,
		TargetPrice:   decimal.NewFromFloat(target),
		Mode:          domain.ModeMock,
	}
}

func TestMockExecutor_FillsAtTargetPrice(t *testing.T) {
	exec := NewMockExecutor()
	asOf := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

	fills, err := exec.Execute(context.Background(), []domain.Order{
		mockOrder("QQQ", domain.Buy, 111, 450.00),
	}, asOf)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].FillPrice.Equal(decimal.NewFromFloat(450.00)))
	assert.Zero(t, fills[0].SlippagePct)
	assert.Equal(t, asOf, fills[0].Timestamp)
	assert.Equal(t, domain.ModeMock, fills[0].Mode)
	assert.Empty(t, fills[0].BrokerOrderID)
	assert.False(t, fills[0].Partial)
}

func TestMockExecutor_SimulatedSlippageMovesAgainstOrder(t *testing.T) {
	exec := &MockExecutor{SimulatedSlippagePct: 0.001}

	fills, err := exec.Execute(context.Background(), []domain.Order{
		mockOrder("QQQ", domain.Buy, 10, 100.00),
		mockOrder("TQQQ", domain.Sell, 10, 100.00),
	}, time.Now())
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "100.1", fills[0].FillPrice.String())
	assert.Equal(t, "99.9", fills[1].FillPrice.String())
	assert.InDelta(t, 0.001, fills[0].SlippagePct, 1e-9)
}

func TestRouter_DispatchesByMode(t *testing.T) {
	router := NewRouter(map[domain.ExecutionMode]Executor{
		domain.ModeMock: NewMockExecutor(),
	}, nil)

	fills, err := router.Execute(context.Background(), []domain.Order{
		mockOrder("QQQ", domain.Buy, 1, 450.00),
	}, domain.ModeMock, time.Now())
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestRouter_RejectsUnknownMode(t *testing.T) {
	router := NewRouter(map[domain.ExecutionMode]Executor{}, nil)

	_, err := router.Execute(context.Background(), nil, domain.ExecutionMode("PAPER"), time.Now())
	assert.ErrorIs(t, err, domain.ErrInvariant)
}

func TestRouter_RejectsMixedModeBatch(t *testing.T) {
	router := NewRouter(map[domain.ExecutionMode]Executor{
		domain.ModeMock: NewMockExecutor(),
	}, nil)

	live := mockOrder("QQQ", domain.Buy, 1, 450.00)
	live.Mode = domain.ModeLive
	_, err := router.Execute(context.Background(), []domain.Order{live}, domain.ModeMock, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvariant)
}

func TestRouter_NoExecutorForMode(t *testing.T) {
	router := NewRouter(map[domain.ExecutionMode]Executor{
		domain.ModeMock: NewMockExecutor(),
	}, nil)

	order := mockOrder("QQQ", domain.Buy, 1, 450.00)
	order.Mode = domain.ModeLive
	_, err := router.Execute(context.Background(), []domain.Order{order}, domain.ModeLive, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvariant)
}
