package data

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/sawpanic/allocrun/internal/domain"
)

// AlpacaSource serves recent completed daily bars from the Alpaca market-data
// API. Credentials come from the environment, same as the trading client.
type AlpacaSource struct {
	md *marketdata.Client
}

var _ LiveSource = (*AlpacaSource)(nil)

// NewAlpacaSource creates a live daily-bar source.
func NewAlpacaSource() *AlpacaSource {
	return &AlpacaSource{md: marketdata.NewClient(marketdata.ClientOpts{})}
}

// History returns up to lookback completed daily bars for symbol, ascending.
func (a *AlpacaSource) History(_ context.Context, symbol string, lookback int) ([]domain.Bar, error) {
	// Calendar span is padded: markets are closed on weekends and holidays.
	start := time.Now().AddDate(0, 0, -(lookback*2 + 7))
	raw, err := a.md.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch daily bars for %s: %w", symbol, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no recent daily bars for %s", symbol)
	}
	if len(raw) > lookback {
		raw = raw[len(raw)-lookback:]
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
		})
	}
	return bars, nil
}

// Latest returns the last completed daily bar for symbol.
func (a *AlpacaSource) Latest(ctx context.Context, symbol string) (domain.Bar, error) {
	bars, err := a.History(ctx, symbol, 1)
	if err != nil {
		return domain.Bar{}, err
	}
	return bars[len(bars)-1], nil
}
