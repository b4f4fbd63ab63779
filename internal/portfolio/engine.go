package portfolio

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/allocrun/internal/domain"
)

// Engine owns cash, positions and the append-only trade ledger. It is the only
// component that mutates portfolio state; every other component reads snapshots
// or submits mutation requests through its methods. One engine instance serves
// exactly one execution mode, so mock and live engines can run side by side.
//
// Engine is not safe for concurrent use; the run-level execution lock is the
// only synchronization the pipeline needs.
type Engine struct {
	mode domain.ExecutionMode

	cash      decimal.Decimal
	positions map[string]domain.Position
	equity    []domain.EquityPoint
	marks     map[string]decimal.Decimal

	// Cash committed to accepted-but-unfilled BUY orders, keyed by client
	// order ID. Affordability checks run against cash minus the total hold,
	// so a batch of individually affordable signals cannot jointly overdraw.
	holds    map[string]decimal.Decimal
	reserved decimal.Decimal

	ledger Ledger

	commissionPerShare decimal.Decimal
	marginMultiplier   decimal.Decimal
	rebalanceThreshold float64
}

// Params configures a new Engine.
type Params struct {
	Mode               domain.ExecutionMode
	InitialCash        decimal.Decimal
	CommissionPerShare decimal.Decimal
	MarginMultiplier   decimal.Decimal
	RebalanceThreshold float64
	Ledger             Ledger
}

// NewEngine creates a portfolio engine with the given parameters. A nil ledger
// defaults to an in-memory ledger.
func NewEngine(p Params) *Engine {
	if p.Ledger == nil {
		p.Ledger = NewMemoryLedger()
	}
	return &Engine{
		mode:               p.Mode,
		cash:               p.InitialCash,
		positions:          make(map[string]domain.Position),
		marks:              make(map[string]decimal.Decimal),
		holds:              make(map[string]decimal.Decimal),
		ledger:             p.Ledger,
		commissionPerShare: p.CommissionPerShare,
		marginMultiplier:   p.MarginMultiplier,
		rebalanceThreshold: p.RebalanceThreshold,
	}
}

// Restore replaces cash and positions from a persisted checkpoint. Used by the
// scheduler on startup, before any signal is processed.
func (e *Engine) Restore(cash decimal.Decimal, positions map[string]domain.Position) {
	e.cash = cash
	e.positions = make(map[string]domain.Position, len(positions))
	for sym, pos := range positions {
		e.positions[sym] = pos
	}
	e.holds = make(map[string]decimal.Decimal)
	e.reserved = decimal.Zero
}

// MarkToMarket updates the last known price per symbol. Valuation and order
// sizing always use these marks, never a price the engine fetched itself.
func (e *Engine) MarkToMarket(prices map[string]decimal.Decimal) {
	for sym, px := range prices {
		e.marks[sym] = px
	}
}

// TotalValue returns cash plus the marked value of all positions.
func (e *Engine) TotalValue() decimal.Decimal {
	total := e.cash
	for sym, pos := range e.positions {
		if px, ok := e.marks[sym]; ok {
			total = total.Add(px.Mul(decimal.NewFromInt(pos.Quantity)))
		}
	}
	return total
}

// RecordEquity appends one mark-to-market equity observation and returns it.
func (e *Engine) RecordEquity(ts time.Time) domain.EquityPoint {
	pt := domain.EquityPoint{Timestamp: ts, Value: e.TotalValue()}
	e.equity = append(e.equity, pt)
	return pt
}

// SubmitSignal converts a target-allocation signal into a concrete share order,
// or nil when no trade is needed. The signal is validated, sized against the
// current marks and checked against cash net of holds for earlier orders in
// the batch; a signal that fails a business rule is dropped with a
// Rejected-class error. A returned BUY order holds its cost until the fill
// applies or ReleaseOrder frees it.
func (e *Engine) SubmitSignal(sig domain.Signal) (*domain.Order, error) {
	if sig.TargetWeight < 0 || sig.TargetWeight > 1 {
		return nil, fmt.Errorf("%w: target_weight %.4f outside [0,1] for %s",
			domain.ErrInvalidSignal, sig.TargetWeight, sig.Symbol)
	}
	price, ok := e.marks[sig.Symbol]
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: no mark price for %s", domain.ErrInvalidSignal, sig.Symbol)
	}

	pos := e.positions[sig.Symbol]

	// Full close bypasses sizing and the rebalance threshold entirely.
	if sig.TargetWeight == 0 {
		if pos.Quantity == 0 {
			return nil, nil
		}
		return e.newOrder(sig, domain.Sell, pos.Quantity, price), nil
	}

	total := e.TotalValue()
	if total.Sign() <= 0 {
		return nil, fmt.Errorf("%w: portfolio value is not positive", domain.ErrInsufficientFunds)
	}

	currentWeight, _ := price.Mul(decimal.NewFromInt(pos.Quantity)).Div(total).Float64()
	if math.Abs(sig.TargetWeight-currentWeight) < e.rebalanceThreshold {
		log.Debug().Str("symbol", sig.Symbol).
			Float64("current_weight", currentWeight).
			Float64("target_weight", sig.TargetWeight).
			Msg("Allocation drift below rebalance threshold, no order")
		return nil, nil
	}

	desired := e.sizeShares(total, sig.TargetWeight, price)
	delta := desired - pos.Quantity
	if delta == 0 {
		return nil, nil
	}

	if delta > 0 {
		cost := price.Add(e.commissionPerShare).Mul(decimal.NewFromInt(delta))
		available := e.cash.Sub(e.reserved)
		if cost.GreaterThan(available) {
			return nil, fmt.Errorf("%w: need %s, have %s unreserved for BUY %d %s",
				domain.ErrInsufficientFunds, cost.StringFixed(2), available.StringFixed(2), delta, sig.Symbol)
		}
		order := e.newOrder(sig, domain.Buy, delta, price)
		e.holds[order.ClientOrderID] = cost
		e.reserved = e.reserved.Add(cost)
		return order, nil
	}
	return e.newOrder(sig, domain.Sell, -delta, price), nil
}

// sizeShares computes floor((total × weight) / (price × (1+margin) + commission)).
// Target weights are confined to [0,1], so positions are long and the margin
// term is zero; the configured short-side multiplier is applied only when a
// short exposure is being sized.
func (e *Engine) sizeShares(total decimal.Decimal, weight float64, price decimal.Decimal) int64 {
	margin := decimal.Zero
	if weight < 0 {
		margin = e.marginMultiplier
	}
	denom := price.Mul(decimal.NewFromInt(1).Add(margin)).Add(e.commissionPerShare)
	if denom.Sign() <= 0 {
		return 0
	}
	alloc := total.Mul(decimal.NewFromFloat(weight))
	return alloc.Div(denom).IntPart() // IntPart truncates toward zero: floor for non-negative
}

func (e *Engine) newOrder(sig domain.Signal, dir domain.Direction, qty int64, price decimal.Decimal) *domain.Order {
	return &domain.Order{
		ClientOrderID: uuid.NewString(),
		Symbol:        sig.Symbol,
		Direction:     dir,
		Quantity:      qty,
		TargetPrice:   price,
		Mode:          e.mode,
		RegimeContext: sig.RegimeContext,
	}
}

// ApplyFill mutates cash and positions for one accepted fill and appends it to
// the immutable trade ledger. A sell exceeding the held quantity is a fatal
// invariant violation: share counts can never go negative.
func (e *Engine) ApplyFill(ctx context.Context, fill domain.Fill) error {
	if fill.Quantity <= 0 {
		return fmt.Errorf("%w: fill quantity %d for %s", domain.ErrInvariant, fill.Quantity, fill.Symbol)
	}
	if fill.Mode != e.mode {
		return fmt.Errorf("%w: %s fill applied to %s engine", domain.ErrInvariant, fill.Mode, e.mode)
	}

	// The order settles here; its hold no longer backs anything.
	e.releaseHold(fill.ClientOrderID)

	qty := decimal.NewFromInt(fill.Quantity)
	commission := e.commissionPerShare.Mul(qty)
	pos := e.positions[fill.Symbol]

	switch fill.Direction {
	case domain.Buy:
		newQty := pos.Quantity + fill.Quantity
		held := pos.AverageCost.Mul(decimal.NewFromInt(pos.Quantity))
		added := fill.FillPrice.Mul(qty)
		pos.Symbol = fill.Symbol
		pos.AverageCost = held.Add(added).Div(decimal.NewFromInt(newQty))
		pos.Quantity = newQty
		e.positions[fill.Symbol] = pos
		e.cash = e.cash.Sub(added).Sub(commission)
	case domain.Sell:
		if fill.Quantity > pos.Quantity {
			return fmt.Errorf("%w: SELL %d exceeds held %d %s",
				domain.ErrInvariant, fill.Quantity, pos.Quantity, fill.Symbol)
		}
		e.cash = e.cash.Add(fill.FillPrice.Mul(qty)).Sub(commission)
		pos.Quantity -= fill.Quantity
		if pos.Quantity == 0 {
			delete(e.positions, fill.Symbol)
		} else {
			e.positions[fill.Symbol] = pos
		}
	default:
		return fmt.Errorf("%w: unknown direction %q", domain.ErrInvariant, fill.Direction)
	}

	// Keep marks coherent with the price we actually traded at.
	e.marks[fill.Symbol] = fill.FillPrice

	if err := e.ledger.Append(ctx, fill); err != nil {
		return fmt.Errorf("failed to append fill to ledger: %w", err)
	}

	log.Info().Str("symbol", fill.Symbol).
		Str("direction", string(fill.Direction)).
		Int64("quantity", fill.Quantity).
		Str("fill_price", fill.FillPrice.StringFixed(2)).
		Float64("slippage_pct", fill.SlippagePct).
		Str("mode", string(fill.Mode)).
		Str("cash", e.cash.StringFixed(2)).
		Msg("Fill applied")
	return nil
}

// ReleaseOrder frees the cash held for an order that will never fill, such as
// one rejected or cancelled by the executor. Releasing an unknown or
// already-settled order is a no-op, so callers may release every submitted
// order after execution without tracking which ones filled.
func (e *Engine) ReleaseOrder(clientOrderID string) {
	e.releaseHold(clientOrderID)
}

func (e *Engine) releaseHold(clientOrderID string) {
	hold, ok := e.holds[clientOrderID]
	if !ok {
		return
	}
	delete(e.holds, clientOrderID)
	e.reserved = e.reserved.Sub(hold)
}

// State returns a read-only deep copy of the portfolio state.
func (e *Engine) State() domain.PortfolioState {
	positions := make(map[string]domain.Position, len(e.positions))
	for sym, pos := range e.positions {
		positions[sym] = pos
	}
	equity := make([]domain.EquityPoint, len(e.equity))
	copy(equity, e.equity)
	return domain.PortfolioState{
		Cash:          e.cash,
		Positions:     positions,
		EquityHistory: equity,
	}
}

// Checkpoint produces the durable ScheduleState for the scheduler to persist.
func (e *Engine) Checkpoint(runDate time.Time) domain.ScheduleState {
	st := e.State()
	return domain.ScheduleState{
		LastRunDate: runDate.Format("2006-01-02"),
		Mode:        e.mode,
		Cash:        st.Cash,
		Positions:   st.Positions,
	}
}
