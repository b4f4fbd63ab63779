package strategy

import (
	"fmt"
	"time"

	"github.com/sawpanic/allocrun/internal/domain"
)

// SMATrend is a simple end-of-day trend follower: allocate Weight to a symbol
// while its fast simple moving average is above the slow one, hold cash
// otherwise. The trend state is attached as regime context.
type SMATrend struct {
	Fast   int
	Slow   int
	Weight float64
}

// NewSMATrend creates a trend strategy with validated windows.
func NewSMATrend(fast, slow int, weight float64) (*SMATrend, error) {
	if fast <= 0 || slow <= fast {
		return nil, fmt.Errorf("invalid SMA windows: fast=%d slow=%d", fast, slow)
	}
	if weight <= 0 || weight > 1 {
		return nil, fmt.Errorf("invalid allocation weight %.4f", weight)
	}
	return &SMATrend{Fast: fast, Slow: slow, Weight: weight}, nil
}

// Name implements Strategy.
func (s *SMATrend) Name() string { return fmt.Sprintf("sma_trend_%d_%d", s.Fast, s.Slow) }

// OnBar emits a full-weight signal per symbol in an uptrend and a close signal
// otherwise, in symbol order so repeated runs produce identical ledgers.
// Symbols with fewer bars than the slow window produce no signal.
func (s *SMATrend) OnBar(history map[string][]domain.Bar, now time.Time) ([]domain.Signal, error) {
	var signals []domain.Signal
	for _, symbol := range sortedSymbols(history) {
		bars := history[symbol]
		if len(bars) < s.Slow {
			continue
		}
		fast := sma(bars, s.Fast)
		slow := sma(bars, s.Slow)

		sig := domain.Signal{Symbol: symbol, Timestamp: now}
		if fast > slow {
			sig.TargetWeight = s.Weight
			sig.RegimeContext = "trend_up"
		} else {
			sig.TargetWeight = 0
			sig.RegimeContext = "trend_down"
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// sma averages the closing prices of the last n bars.
func sma(bars []domain.Bar, n int) float64 {
	sum := 0.0
	for _, bar := range bars[len(bars)-n:] {
		sum += bar.Close
	}
	return sum / float64(n)
}
