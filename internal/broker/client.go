package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/allocrun/internal/domain"
)

// OrderStatus is the broker's view of a submitted order at poll time.
type OrderStatus struct {
	BrokerOrderID  string
	FilledQuantity int64
	AvgFillPrice   decimal.Decimal
	Done           bool // terminal at the broker: filled, cancelled or rejected
}

// Account is the broker's authoritative view of the account, used as the
// source of truth during startup reconciliation.
type Account struct {
	Cash      decimal.Decimal
	Positions []domain.Position
}

// Client is the engine's view of a brokerage. Authentication and token
// lifecycle are entirely the implementation's responsibility; the engine
// treats the client as always-authenticated or receives ErrAuthExpired,
// which halts trading for the day.
type Client interface {
	// PlaceOrder submits a market order and returns the broker's order ID.
	PlaceOrder(ctx context.Context, order domain.Order) (string, error)

	// GetFillStatus polls one order's fill progress.
	GetFillStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error)

	// CancelOrder cancels any unfilled remainder of an order.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetAccount returns authoritative cash and positions.
	GetAccount(ctx context.Context) (Account, error)

	// ListFills returns the broker's fill history within [from, to], used by
	// the reconciliation service.
	ListFills(ctx context.Context, from, to time.Time) ([]domain.Fill, error)
}
