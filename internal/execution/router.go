package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/metrics"
)

// Executor fills a batch of orders. Implementations are interchangeable;
// callers never know which one ran. The asOf time stamps the resulting fills
// so backtests carry bar time rather than wall-clock time.
type Executor interface {
	Execute(ctx context.Context, orders []domain.Order, asOf time.Time) ([]domain.Fill, error)
}

// Router dispatches order batches to the executor registered for the declared
// execution mode.
type Router struct {
	executors map[domain.ExecutionMode]Executor
	metrics   *metrics.Registry
}

// NewRouter creates a router over the given executors.
func NewRouter(executors map[domain.ExecutionMode]Executor, m *metrics.Registry) *Router {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Router{executors: executors, metrics: m}
}

// Execute validates the batch against the declared mode and dispatches it.
func (r *Router) Execute(ctx context.Context, orders []domain.Order, mode domain.ExecutionMode, asOf time.Time) ([]domain.Fill, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown execution mode %q", domain.ErrInvariant, mode)
	}
	exec, ok := r.executors[mode]
	if !ok {
		return nil, fmt.Errorf("%w: no executor registered for mode %s", domain.ErrInvariant, mode)
	}
	for _, order := range orders {
		if order.Mode != mode {
			return nil, fmt.Errorf("%w: %s order routed in %s batch", domain.ErrInvariant, order.Mode, mode)
		}
		r.metrics.OrdersSubmitted.WithLabelValues(string(mode), string(order.Direction)).Inc()
	}

	fills, err := exec.Execute(ctx, orders, asOf)
	if err != nil {
		return fills, err
	}

	for _, fill := range fills {
		result := "full"
		if fill.Partial {
			result = "partial"
		}
		r.metrics.FillsRecorded.WithLabelValues(string(mode), result).Inc()
		r.metrics.SlippagePct.Observe(fill.SlippagePct)
	}

	log.Debug().Int("orders", len(orders)).Int("fills", len(fills)).
		Str("mode", string(mode)).Msg("Order batch executed")
	return fills, nil
}
