package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionMode distinguishes simulated from real-money records. It is attached
// to every Order, Fill and snapshot so the two ledgers are never conflated.
type ExecutionMode string

const (
	ModeMock ExecutionMode = "MOCK"
	ModeLive ExecutionMode = "LIVE"
)

// Valid reports whether the mode is one of the two known modes.
func (m ExecutionMode) Valid() bool {
	return m == ModeMock || m == ModeLive
}

// Direction is the side of an order.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Bar is one OHLCV price record for a symbol at a timestamp. Bars are immutable
// once produced and ordered by timestamp per symbol.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Signal is a strategy's target allocation for one symbol: a portfolio weight
// in [0,1]. Weight 0 means "close this position". RegimeContext is opaque
// diagnostic state carried through to fills and snapshots for later analysis.
type Signal struct {
	Symbol        string    `json:"symbol"`
	TargetWeight  float64   `json:"target_weight"`
	Timestamp     time.Time `json:"ts"`
	RegimeContext string    `json:"regime_context,omitempty"`
}

// Order is a concrete share order derived from the delta between the current
// position weight and a signal's target weight. Quantities are whole shares.
type Order struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Quantity      int64           `json:"quantity"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	Mode          ExecutionMode   `json:"mode"`
	RegimeContext string          `json:"regime_context,omitempty"`
}

// Fill records an execution against an Order. Immutable once recorded.
// BrokerOrderID is empty for mock fills.
type Fill struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Quantity      int64           `json:"quantity"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	SlippagePct   float64         `json:"slippage_pct"`
	Timestamp     time.Time       `json:"ts"`
	Mode          ExecutionMode   `json:"mode"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Partial       bool            `json:"partial,omitempty"`
	Correction    bool            `json:"correction,omitempty"`
	RegimeContext string          `json:"regime_context,omitempty"`
}

// Position is a holding in one symbol, mutated only by applying fills.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"avg_cost"`
}

// EquityPoint is one mark-to-market observation of total portfolio value.
type EquityPoint struct {
	Timestamp time.Time       `json:"ts"`
	Value     decimal.Decimal `json:"value"`
}

// PortfolioState is a read-only snapshot of the portfolio engine's state.
type PortfolioState struct {
	Cash          decimal.Decimal     `json:"cash"`
	Positions     map[string]Position `json:"positions"`
	EquityHistory []EquityPoint       `json:"equity_history"`
}

// TotalValue returns cash plus the mark-to-market value of all positions.
func (s PortfolioState) TotalValue(prices map[string]decimal.Decimal) decimal.Decimal {
	total := s.Cash
	for sym, pos := range s.Positions {
		if px, ok := prices[sym]; ok {
			total = total.Add(px.Mul(decimal.NewFromInt(pos.Quantity)))
		}
	}
	return total
}

// PerformanceSnapshot is one derived, append-only performance row per trading
// day. Derived from the equity history, never mutated.
type PerformanceSnapshot struct {
	Timestamp        time.Time       `json:"ts"`
	Mode             ExecutionMode   `json:"mode"`
	TotalEquity      decimal.Decimal `json:"total_equity"`
	DailyReturn      float64         `json:"daily_return"`
	CumulativeReturn float64         `json:"cumulative_return"`
	Drawdown         float64         `json:"drawdown"`
	RegimeContext    string          `json:"regime_context,omitempty"`
}

// ScheduleState is the durable checkpoint persisted after every successful
// scheduled run and reloaded on restart. Schema evolution is additive only so
// state written by a previous version stays loadable.
type ScheduleState struct {
	LastRunDate string              `json:"last_run_date"` // YYYY-MM-DD
	Mode        ExecutionMode       `json:"mode"`
	Cash        decimal.Decimal     `json:"cash"`
	Positions   map[string]Position `json:"positions"`
}
