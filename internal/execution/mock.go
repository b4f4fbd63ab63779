package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/allocrun/internal/domain"
)

// MockExecutor simulates fills with no external calls: every order fully fills
// at its target price shifted by a configured simulated slippage. Used by
// backtests and paper-trading validation.
type MockExecutor struct {
	// SimulatedSlippagePct moves fills against the order (up for buys, down
	// for sells). Zero by default.
	SimulatedSlippagePct float64
}

// NewMockExecutor creates a mock executor with zero simulated slippage.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// Execute fills every order immediately at the current market price.
func (m *MockExecutor) Execute(_ context.Context, orders []domain.Order, asOf time.Time) ([]domain.Fill, error) {
	fills := make([]domain.Fill, 0, len(orders))
	for _, order := range orders {
		price := order.TargetPrice
		if m.SimulatedSlippagePct != 0 {
			shift := decimal.NewFromFloat(m.SimulatedSlippagePct)
			if order.Direction == domain.Sell {
				shift = shift.Neg()
			}
			price = price.Mul(decimal.NewFromInt(1).Add(shift))
		}
		fills = append(fills, domain.Fill{
			ClientOrderID: order.ClientOrderID,
			Symbol:        order.Symbol,
			Direction:     order.Direction,
			Quantity:      order.Quantity,
			TargetPrice:   order.TargetPrice,
			FillPrice:     price,
			SlippagePct:   slippagePct(order.TargetPrice, price),
			Timestamp:     asOf,
			Mode:          order.Mode,
			RegimeContext: order.RegimeContext,
		})
	}
	return fills, nil
}

// slippagePct returns |fill − target| / target.
func slippagePct(target, fill decimal.Decimal) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	pct, _ := fill.Sub(target).Abs().Div(target).Float64()
	return pct
}
