package strategy

import (
	"sort"
	"time"

	"github.com/sawpanic/allocrun/internal/domain"
)

// Strategy turns price history into target allocations. The engine imposes no
// constraint on internal logic, only on this signature and on history never
// containing a bar beyond the timestamp being processed. Implementations own
// whatever indicator memory they need.
type Strategy interface {
	// Name identifies the strategy in logs and snapshots.
	Name() string

	// OnBar receives, per symbol, all bars up to and including "now" and
	// returns one target-weight signal per symbol it wants repositioned.
	// Signal order is preserved downstream and written into the fill ledger,
	// so it must be deterministic; do not emit in map-iteration order.
	OnBar(history map[string][]domain.Bar, now time.Time) ([]domain.Signal, error)
}

// StaticAllocation emits fixed target weights every bar. Useful for
// paper-trading validation and as the simplest possible strategy.
type StaticAllocation struct {
	Weights map[string]float64
}

// Name implements Strategy.
func (s *StaticAllocation) Name() string { return "static" }

// OnBar emits the configured weight for every symbol present in history,
// in symbol order so repeated runs produce identical ledgers.
func (s *StaticAllocation) OnBar(history map[string][]domain.Bar, now time.Time) ([]domain.Signal, error) {
	var signals []domain.Signal
	for _, symbol := range sortedSymbols(s.Weights) {
		if len(history[symbol]) == 0 {
			continue
		}
		signals = append(signals, domain.Signal{
			Symbol:        symbol,
			TargetWeight:  s.Weights[symbol],
			Timestamp:     now,
			RegimeContext: "static",
		})
	}
	return signals, nil
}

// sortedSymbols returns the map's keys in lexical order.
func sortedSymbols[V any](m map[string]V) []string {
	symbols := make([]string, 0, len(m))
	for symbol := range m {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
