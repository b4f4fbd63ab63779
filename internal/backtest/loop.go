package backtest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/allocrun/internal/data"
	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/execution"
	"github.com/sawpanic/allocrun/internal/portfolio"
	"github.com/sawpanic/allocrun/internal/strategy"
)

// Loop drives one backtest: bar source → strategy → portfolio engine → mock
// execution, strictly sequentially. One bar is processed to completion before
// the next begins, and the strategy only ever sees bars up to the one being
// processed. A signal generated at a bar's close fills at that same bar's
// close (plus simulated slippage) — the closing-auction model; do not change
// this to next-bar execution without revisiting every downstream expectation.
type Loop struct {
	engine *portfolio.Engine
	router *execution.Router
	strat  strategy.Strategy
	stream data.Stream
}

// Result summarizes a completed backtest.
type Result struct {
	BarsProcessed int
	FillCount     int
	FinalState    domain.PortfolioState
}

// NewLoop assembles a backtest loop.
func NewLoop(engine *portfolio.Engine, router *execution.Router, strat strategy.Strategy, stream data.Stream) *Loop {
	return &Loop{engine: engine, router: router, strat: strat, stream: stream}
}

// Run replays the stream to exhaustion. Rejected-class errors drop the
// offending signal and continue; anything else fails the backtest loudly —
// deterministic reproducibility demands it.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	history := make(map[string][]domain.Bar)
	var result Result

	for {
		bar, err := l.stream.Next(ctx)
		if err != nil {
			return result, fmt.Errorf("bar stream failed: %w", err)
		}
		if bar == nil {
			break
		}
		result.BarsProcessed++
		history[bar.Symbol] = append(history[bar.Symbol], *bar)

		l.engine.MarkToMarket(map[string]decimal.Decimal{
			bar.Symbol: decimal.NewFromFloat(bar.Close),
		})

		signals, err := l.strat.OnBar(history, bar.Timestamp)
		if err != nil {
			return result, fmt.Errorf("strategy %s failed at %s: %w", l.strat.Name(), bar.Timestamp, err)
		}

		var orders []domain.Order
		for _, sig := range signals {
			order, err := l.engine.SubmitSignal(sig)
			if err != nil {
				if domain.Classify(err) == domain.SeverityRejected {
					log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Signal dropped")
					continue
				}
				return result, err
			}
			if order != nil {
				orders = append(orders, *order)
			}
		}

		fills, err := l.router.Execute(ctx, orders, domain.ModeMock, bar.Timestamp)
		if err != nil {
			return result, err
		}
		for _, fill := range fills {
			if err := l.engine.ApplyFill(ctx, fill); err != nil {
				return result, err
			}
		}
		// Orders that never produced a fill give their cash hold back.
		for i := range orders {
			l.engine.ReleaseOrder(orders[i].ClientOrderID)
		}
		result.FillCount += len(fills)

		l.engine.RecordEquity(bar.Timestamp)
	}

	result.FinalState = l.engine.State()
	log.Info().Int("bars", result.BarsProcessed).
		Int("fills", result.FillCount).
		Str("final_equity", l.engine.TotalValue().StringFixed(2)).
		Msg("Backtest complete")
	return result, nil
}
