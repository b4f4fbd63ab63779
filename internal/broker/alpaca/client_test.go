package alpaca

import (
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/allocrun/internal/domain"
)

func TestAdvanceCursor(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	page := []alpaca.Order{
		{SubmittedAt: base},
		{SubmittedAt: base.Add(time.Minute)},
	}

	next, ok := advanceCursor(page, base.Add(-time.Hour))
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), next)

	// A full page sharing the cursor's instant cannot move it forward.
	_, ok = advanceCursor(page, base.Add(time.Minute))
	assert.False(t, ok)
}

func TestFillFromOrder(t *testing.T) {
	filledAt := time.Date(2025, 6, 2, 15, 45, 0, 0, time.UTC)
	avg := decimal.NewFromFloat(450.25)

	fill := fillFromOrder(alpaca.Order{
		ID:             "brk-1",
		ClientOrderID:  "cli-1",
		Symbol:         "QQQ",
		Side:           alpaca.Sell,
		FilledQty:      decimal.NewFromInt(25),
		FilledAvgPrice: &avg,
		FilledAt:       &filledAt,
	})

	assert.Equal(t, "QQQ", fill.Symbol)
	assert.Equal(t, domain.Sell, fill.Direction)
	assert.Equal(t, int64(25), fill.Quantity)
	assert.True(t, fill.FillPrice.Equal(avg))
	assert.Equal(t, filledAt, fill.Timestamp)
	assert.Equal(t, domain.ModeLive, fill.Mode)
	assert.Equal(t, "brk-1", fill.BrokerOrderID)
	assert.Equal(t, "cli-1", fill.ClientOrderID)
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{"filled", "canceled", "expired", "rejected", "done_for_day"} {
		assert.True(t, isTerminal(status), status)
	}
	for _, status := range []string{"new", "partially_filled", "accepted", "pending_new"} {
		assert.False(t, isTerminal(status), status)
	}
}
