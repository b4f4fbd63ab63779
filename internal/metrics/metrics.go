package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for the trading engine. One registry
// serves both execution modes; every series is labelled by mode so mock and
// live numbers never blend.
type Registry struct {
	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	FillsRecorded   *prometheus.CounterVec
	SlippagePct     prometheus.Histogram

	RunDuration *prometheus.HistogramVec
	RunsSkipped prometheus.Counter
	Equity      *prometheus.GaugeVec

	ReconcileDiscrepancies *prometheus.CounterVec
}

// NewRegistry creates the engine metrics and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		OrdersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocrun_orders_submitted_total",
				Help: "Orders handed to an executor, by mode and direction",
			},
			[]string{"mode", "direction"},
		),
		OrdersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocrun_orders_rejected_total",
				Help: "Orders dropped by business rules, by reason",
			},
			[]string{"mode", "reason"},
		),
		FillsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocrun_fills_recorded_total",
				Help: "Fills appended to the ledger, by mode and result",
			},
			[]string{"mode", "result"},
		),
		SlippagePct: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "allocrun_fill_slippage_pct",
				Help:    "Relative difference between target and fill price",
				Buckets: []float64{0.0005, 0.001, 0.002, 0.003, 0.005, 0.0075, 0.01, 0.02},
			},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "allocrun_run_duration_seconds",
				Help:    "Duration of one pipeline iteration",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode", "result"},
		),
		RunsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "allocrun_runs_skipped_total",
				Help: "Scheduled runs skipped because a prior run still held the lock",
			},
		),
		Equity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "allocrun_equity_usd",
				Help: "Last marked total portfolio value",
			},
			[]string{"mode"},
		),
		ReconcileDiscrepancies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocrun_reconcile_discrepancies_total",
				Help: "Ledger rows that did not match broker records, by kind",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		r.OrdersSubmitted,
		r.OrdersRejected,
		r.FillsRecorded,
		r.SlippagePct,
		r.RunDuration,
		r.RunsSkipped,
		r.Equity,
		r.ReconcileDiscrepancies,
	)
	return r
}

// NewNop returns a registry backed by a throwaway Prometheus registry, for
// tests and for callers that don't export metrics.
func NewNop() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
