package perf

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/allocrun/internal/domain"
)

// Tracker derives performance snapshots from an equity history. It is a
// read-only downstream consumer of the portfolio engine: nothing here is on
// the critical execution path and nothing here mutates portfolio state.
type Tracker struct {
	mode domain.ExecutionMode
}

// NewTracker creates a tracker for one execution mode.
func NewTracker(mode domain.ExecutionMode) *Tracker {
	return &Tracker{mode: mode}
}

// Series derives one snapshot per equity point: daily return against the
// previous point, cumulative return against the first, and drawdown against
// the running peak.
func (t *Tracker) Series(points []domain.EquityPoint, regime string) []domain.PerformanceSnapshot {
	if len(points) == 0 {
		return nil
	}

	snapshots := make([]domain.PerformanceSnapshot, 0, len(points))
	first := points[0].Value
	peak := points[0].Value
	prev := points[0].Value

	for i, pt := range points {
		if pt.Value.GreaterThan(peak) {
			peak = pt.Value
		}

		snap := domain.PerformanceSnapshot{
			Timestamp:        pt.Timestamp,
			Mode:             t.mode,
			TotalEquity:      pt.Value,
			CumulativeReturn: ratio(pt.Value, first),
			Drawdown:         drawdown(pt.Value, peak),
			RegimeContext:    regime,
		}
		if i > 0 {
			snap.DailyReturn = ratio(pt.Value, prev)
		}
		snapshots = append(snapshots, snap)
		prev = pt.Value
	}
	return snapshots
}

// Latest derives the snapshot for the newest equity point only.
func (t *Tracker) Latest(points []domain.EquityPoint, regime string) (domain.PerformanceSnapshot, error) {
	series := t.Series(points, regime)
	if len(series) == 0 {
		return domain.PerformanceSnapshot{}, fmt.Errorf("no equity history to snapshot")
	}
	return series[len(series)-1], nil
}

// MaxDrawdown returns the deepest peak-to-trough loss across the series.
func MaxDrawdown(points []domain.EquityPoint) float64 {
	worst := 0.0
	if len(points) == 0 {
		return worst
	}
	peak := points[0].Value
	for _, pt := range points {
		if pt.Value.GreaterThan(peak) {
			peak = pt.Value
		}
		if dd := drawdown(pt.Value, peak); dd > worst {
			worst = dd
		}
	}
	return worst
}

// ratio returns value/base − 1, or 0 for a non-positive base.
func ratio(value, base decimal.Decimal) float64 {
	if base.Sign() <= 0 {
		return 0
	}
	r, _ := value.Div(base).Sub(decimal.NewFromInt(1)).Float64()
	return r
}

// drawdown returns (peak − value)/peak, clamped at 0.
func drawdown(value, peak decimal.Decimal) float64 {
	if peak.Sign() <= 0 || value.GreaterThanOrEqual(peak) {
		return 0
	}
	dd, _ := peak.Sub(value).Div(peak).Float64()
	return dd
}
