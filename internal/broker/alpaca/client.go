package alpaca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/allocrun/internal/broker"
	"github.com/sawpanic/allocrun/internal/domain"
)

// Client implements broker.Client against the Alpaca trading API. Every call
// goes through a rate limiter and a circuit breaker; credentials are read by
// the SDK from APCA_API_KEY_ID / APCA_API_SECRET_KEY (or ALPACA_* via .env
// mapping in main).
type Client struct {
	trade   *alpaca.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

var _ broker.Client = (*Client)(nil)

// Opts configures the Alpaca client wrapper.
type Opts struct {
	BaseURL           string
	RequestsPerMinute int
	RequestTimeout    time.Duration
}

// NewClient creates an Alpaca broker client.
func NewClient(opts Opts) *Client {
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 180
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "alpaca",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Broker circuit breaker state change")
		},
	}

	return &Client{
		trade:   alpaca.NewClient(alpaca.ClientOpts{BaseURL: opts.BaseURL}),
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 5),
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: opts.RequestTimeout,
	}
}

// call runs one broker request through the limiter and breaker with a bounded
// timeout, translating auth failures into the Abort-Day class.
func (c *Client) call(ctx context.Context, name string, fn func() (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait for %s: %w", name, err)
	}

	out, err := c.breaker.Execute(fn)
	if err != nil {
		return nil, classifyAPIError(name, err)
	}
	return out, nil
}

func classifyAPIError(name string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) {
		return fmt.Errorf("%s: %w: %s", name, domain.ErrAuthExpired, apiErr.Message)
	}
	return fmt.Errorf("%s failed: %w", name, err)
}

// PlaceOrder submits a day market order and returns Alpaca's order ID.
func (c *Client) PlaceOrder(ctx context.Context, order domain.Order) (string, error) {
	qty := decimal.NewFromInt(order.Quantity)
	side := alpaca.Buy
	if order.Direction == domain.Sell {
		side = alpaca.Sell
	}

	out, err := c.call(ctx, "place_order", func() (interface{}, error) {
		return c.trade.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:        order.Symbol,
			Qty:           &qty,
			Side:          side,
			Type:          alpaca.Market,
			TimeInForce:   alpaca.Day,
			ClientOrderID: order.ClientOrderID,
		})
	})
	if err != nil {
		return "", err
	}

	placed := out.(*alpaca.Order)
	log.Info().Str("symbol", order.Symbol).
		Str("direction", string(order.Direction)).
		Int64("quantity", order.Quantity).
		Str("broker_order_id", placed.ID).
		Msg("Order placed with broker")
	return placed.ID, nil
}

// GetFillStatus polls one order's fill progress.
func (c *Client) GetFillStatus(ctx context.Context, brokerOrderID string) (broker.OrderStatus, error) {
	out, err := c.call(ctx, "get_fill_status", func() (interface{}, error) {
		return c.trade.GetOrder(brokerOrderID)
	})
	if err != nil {
		return broker.OrderStatus{}, err
	}

	ord := out.(*alpaca.Order)
	status := broker.OrderStatus{
		BrokerOrderID:  ord.ID,
		FilledQuantity: ord.FilledQty.IntPart(),
		Done:           isTerminal(ord.Status),
	}
	if ord.FilledAvgPrice != nil {
		status.AvgFillPrice = *ord.FilledAvgPrice
	}
	return status, nil
}

func isTerminal(status string) bool {
	switch status {
	case "filled", "canceled", "expired", "rejected", "done_for_day":
		return true
	default:
		return false
	}
}

// CancelOrder cancels any unfilled remainder.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := c.call(ctx, "cancel_order", func() (interface{}, error) {
		return nil, c.trade.CancelOrder(brokerOrderID)
	})
	return err
}

// GetAccount returns authoritative cash and positions.
func (c *Client) GetAccount(ctx context.Context) (broker.Account, error) {
	out, err := c.call(ctx, "get_account", func() (interface{}, error) {
		return c.trade.GetAccount()
	})
	if err != nil {
		return broker.Account{}, err
	}
	acct := out.(*alpaca.Account)

	out, err = c.call(ctx, "get_positions", func() (interface{}, error) {
		return c.trade.GetPositions()
	})
	if err != nil {
		return broker.Account{}, err
	}

	account := broker.Account{Cash: acct.Cash}
	for _, p := range out.([]alpaca.Position) {
		account.Positions = append(account.Positions, domain.Position{
			Symbol:      p.Symbol,
			Quantity:    p.Qty.IntPart(),
			AverageCost: p.AvgEntryPrice,
		})
	}
	return account, nil
}

// fillPageLimit is Alpaca's maximum page size for closed-order listings.
const fillPageLimit = 500

// ListFills reconstructs the broker's fill history from closed orders within
// the window, paging forward on submission time so a busy window is not
// silently truncated at the API's page cap. Rows are tagged LIVE: only the
// live engine trades here.
func (c *Client) ListFills(ctx context.Context, from, to time.Time) ([]domain.Fill, error) {
	var fills []domain.Fill
	cursor := from
	for {
		out, err := c.call(ctx, "list_fills", func() (interface{}, error) {
			return c.trade.GetOrders(alpaca.GetOrdersRequest{
				Status:    "closed",
				After:     cursor,
				Until:     to,
				Direction: "asc",
				Limit:     fillPageLimit,
			})
		})
		if err != nil {
			return nil, err
		}

		page := out.([]alpaca.Order)
		for _, ord := range page {
			if ord.FilledQty.IsZero() || ord.FilledAt == nil {
				continue
			}
			fills = append(fills, fillFromOrder(ord))
		}
		if len(page) < fillPageLimit {
			return fills, nil
		}

		next, ok := advanceCursor(page, cursor)
		if !ok {
			// A full page sharing one submission instant cannot be paged past.
			log.Warn().Time("cursor", cursor).Int("fills", len(fills)).
				Msg("Fill history page did not advance, results may be truncated")
			return fills, nil
		}
		cursor = next
	}
}

// advanceCursor moves the paging cursor to the newest submission time in the
// page, reporting false when the page cannot move it forward.
func advanceCursor(page []alpaca.Order, cursor time.Time) (time.Time, bool) {
	next := page[len(page)-1].SubmittedAt
	if !next.After(cursor) {
		return cursor, false
	}
	return next, true
}

func fillFromOrder(ord alpaca.Order) domain.Fill {
	fill := domain.Fill{
		ClientOrderID: ord.ClientOrderID,
		Symbol:        ord.Symbol,
		Direction:     domain.Buy,
		Quantity:      ord.FilledQty.IntPart(),
		Timestamp:     *ord.FilledAt,
		Mode:          domain.ModeLive,
		BrokerOrderID: ord.ID,
	}
	if ord.Side == alpaca.Sell {
		fill.Direction = domain.Sell
	}
	if ord.FilledAvgPrice != nil {
		fill.FillPrice = *ord.FilledAvgPrice
	}
	return fill
}
