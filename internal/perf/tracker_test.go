package perf

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/allocrun/internal/domain"
)

func equitySeries(values ...float64) []domain.EquityPoint {
	points := make([]domain.EquityPoint, len(values))
	start := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)
	for i, v := range values {
		points[i] = domain.EquityPoint{
			Timestamp: start.AddDate(0, 0, i),
			Value:     decimal.NewFromFloat(v),
		}
	}
	return points
}

func TestTracker_Series(t *testing.T) {
	tracker := NewTracker(domain.ModeMock)
	snaps := tracker.Series(equitySeries(100000, 102000, 96900), "trend_up")
	require.Len(t, snaps, 3)

	assert.Zero(t, snaps[0].DailyReturn)
	assert.Zero(t, snaps[0].CumulativeReturn)
	assert.Zero(t, snaps[0].Drawdown)

	assert.InDelta(t, 0.02, snaps[1].DailyReturn, 1e-9)
	assert.InDelta(t, 0.02, snaps[1].CumulativeReturn, 1e-9)
	assert.Zero(t, snaps[1].Drawdown)

	// 96,900 from the 102,000 peak is a 5% drawdown, -3.1% cumulative.
	assert.InDelta(t, -0.05, snaps[2].DailyReturn, 1e-9)
	assert.InDelta(t, -0.031, snaps[2].CumulativeReturn, 1e-9)
	assert.InDelta(t, 0.05, snaps[2].Drawdown, 1e-9)

	for _, s := range snaps {
		assert.Equal(t, domain.ModeMock, s.Mode)
		assert.Equal(t, "trend_up", s.RegimeContext)
	}
}

func TestTracker_Latest(t *testing.T) {
	tracker := NewTracker(domain.ModeLive)

	_, err := tracker.Latest(nil, "")
	assert.Error(t, err)

	snap, err := tracker.Latest(equitySeries(100000, 101000), "static")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, snap.DailyReturn, 1e-9)
	assert.Equal(t, domain.ModeLive, snap.Mode)
}

func TestMaxDrawdown(t *testing.T) {
	assert.Zero(t, MaxDrawdown(nil))
	assert.Zero(t, MaxDrawdown(equitySeries(100, 110, 120)))

	// Peak 120, trough 90: 25% max drawdown despite the later recovery.
	dd := MaxDrawdown(equitySeries(100, 120, 90, 115))
	assert.InDelta(t, 0.25, dd, 1e-9)
}
