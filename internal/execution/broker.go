package execution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/allocrun/internal/broker"
	"github.com/sawpanic/allocrun/internal/domain"
)

// BrokerExecutor places real orders against a brokerage. Orders are sequenced
// SELL before BUY so cash is raised before it is spent; partial fills are
// retried a bounded number of times and then accepted as-is; fills whose
// slippage reaches the abort threshold are rejected and the order cancelled.
type BrokerExecutor struct {
	client broker.Client

	slippageWarnPct  float64
	slippageAbortPct float64
	maxFillRetries   int
	fillRetryDelay   time.Duration
	fillPollInterval time.Duration
	orderTimeout     time.Duration
}

// BrokerExecutorOpts configures a BrokerExecutor.
type BrokerExecutorOpts struct {
	SlippageWarnPct  float64
	SlippageAbortPct float64
	MaxFillRetries   int
	FillRetryDelay   time.Duration
	FillPollInterval time.Duration
	OrderTimeout     time.Duration
}

// NewBrokerExecutor creates a broker-backed executor.
func NewBrokerExecutor(client broker.Client, opts BrokerExecutorOpts) *BrokerExecutor {
	if opts.SlippageWarnPct <= 0 {
		opts.SlippageWarnPct = 0.003
	}
	if opts.SlippageAbortPct <= 0 {
		opts.SlippageAbortPct = 0.01
	}
	if opts.MaxFillRetries <= 0 {
		opts.MaxFillRetries = 3
	}
	if opts.FillRetryDelay <= 0 {
		opts.FillRetryDelay = 5 * time.Second
	}
	if opts.FillPollInterval <= 0 {
		opts.FillPollInterval = 2 * time.Second
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 60 * time.Second
	}
	return &BrokerExecutor{
		client:           client,
		slippageWarnPct:  opts.SlippageWarnPct,
		slippageAbortPct: opts.SlippageAbortPct,
		maxFillRetries:   opts.MaxFillRetries,
		fillRetryDelay:   opts.FillRetryDelay,
		fillPollInterval: opts.FillPollInterval,
		orderTimeout:     opts.OrderTimeout,
	}
}

// Execute submits the batch SELL-first and collects fills. An Abort-Day error
// stops the remaining orders; fills already accepted are returned alongside
// the error so the caller can keep the ledger consistent with reality.
func (b *BrokerExecutor) Execute(ctx context.Context, orders []domain.Order, asOf time.Time) ([]domain.Fill, error) {
	sequenced := make([]domain.Order, len(orders))
	copy(sequenced, orders)
	sort.SliceStable(sequenced, func(i, j int) bool {
		return sequenced[i].Direction == domain.Sell && sequenced[j].Direction != domain.Sell
	})

	var fills []domain.Fill
	for _, order := range sequenced {
		fill, err := b.executeOne(ctx, order, asOf)
		if err != nil {
			if domain.Classify(err) == domain.SeverityRetryable {
				log.Warn().Err(err).Str("symbol", order.Symbol).Msg("Order skipped after exhausting retries")
				continue
			}
			return fills, err
		}
		if fill != nil {
			fills = append(fills, *fill)
		}
	}
	return fills, nil
}

// executeOne submits one order and polls it to completion. Returns (nil, nil)
// when the order ended with nothing filled.
func (b *BrokerExecutor) executeOne(ctx context.Context, order domain.Order, asOf time.Time) (*domain.Fill, error) {
	brokerOrderID, err := b.client.PlaceOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("failed to place %s %d %s: %w", order.Direction, order.Quantity, order.Symbol, err)
	}

	var status broker.OrderStatus
	for attempt := 1; ; attempt++ {
		status, err = b.pollUntilSettled(ctx, brokerOrderID)
		if err != nil {
			return nil, err
		}
		if status.FilledQuantity >= order.Quantity || status.Done {
			break
		}
		if attempt >= b.maxFillRetries {
			// Accepted as-is after bounded retries: cancel the remainder and
			// record whatever filled. Never silently dropped, never blocked
			// indefinitely.
			log.Warn().Str("symbol", order.Symbol).
				Int64("filled", status.FilledQuantity).
				Int64("ordered", order.Quantity).
				Int("attempts", attempt).
				Msg("Partial fill accepted after exhausting retries")
			if cancelErr := b.client.CancelOrder(ctx, brokerOrderID); cancelErr != nil {
				log.Error().Err(cancelErr).Str("broker_order_id", brokerOrderID).Msg("Failed to cancel unfilled remainder")
			}
			break
		}
		log.Info().Str("symbol", order.Symbol).
			Int64("filled", status.FilledQuantity).
			Int64("ordered", order.Quantity).
			Int("attempt", attempt).
			Msg("Partial fill, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.fillRetryDelay):
		}
	}

	if status.FilledQuantity == 0 {
		log.Warn().Str("symbol", order.Symbol).Str("broker_order_id", brokerOrderID).
			Msg("Order ended with nothing filled")
		return nil, nil
	}

	slippage := slippagePct(order.TargetPrice, status.AvgFillPrice)
	if slippage >= b.slippageAbortPct {
		if cancelErr := b.client.CancelOrder(ctx, brokerOrderID); cancelErr != nil {
			log.Error().Err(cancelErr).Str("broker_order_id", brokerOrderID).Msg("Failed to cancel order after slippage breach")
		}
		return nil, &domain.SlippageError{
			Symbol:       order.Symbol,
			SlippagePct:  slippage,
			ThresholdPct: b.slippageAbortPct,
		}
	}
	if slippage >= b.slippageWarnPct {
		log.Warn().Str("symbol", order.Symbol).
			Float64("slippage_pct", slippage).
			Str("target_price", order.TargetPrice.StringFixed(2)).
			Str("fill_price", status.AvgFillPrice.StringFixed(2)).
			Msg("Fill slippage above warning threshold")
	}

	return &domain.Fill{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Direction:     order.Direction,
		Quantity:      status.FilledQuantity,
		TargetPrice:   order.TargetPrice,
		FillPrice:     status.AvgFillPrice,
		SlippagePct:   slippage,
		Timestamp:     asOf,
		Mode:          order.Mode,
		BrokerOrderID: brokerOrderID,
		Partial:       status.FilledQuantity < order.Quantity,
		RegimeContext: order.RegimeContext,
	}, nil
}

// pollUntilSettled polls fill status until the order is terminal, fully
// filled, or the per-order timeout elapses. A timeout with a live order is not
// an error; the caller decides whether to retry or accept the partial.
func (b *BrokerExecutor) pollUntilSettled(ctx context.Context, brokerOrderID string) (broker.OrderStatus, error) {
	deadline := time.Now().Add(b.orderTimeout)
	for {
		status, err := b.client.GetFillStatus(ctx, brokerOrderID)
		if err != nil {
			return broker.OrderStatus{}, fmt.Errorf("failed to poll fill status: %w", err)
		}
		if status.Done || time.Now().After(deadline) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(b.fillPollInterval):
		}
	}
}
