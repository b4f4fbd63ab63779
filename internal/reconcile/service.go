package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/allocrun/internal/broker"
	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/metrics"
	"github.com/sawpanic/allocrun/internal/portfolio"
)

// Report is the outcome of comparing the local fill ledger against the
// broker's records over a window. Advisory only: nothing here mutates the
// ledger; discrepancies are surfaced for a correction entry to be recorded.
type Report struct {
	From time.Time
	To   time.Time

	// Matched counts fills present on both sides with equal quantity and price.
	Matched int

	// LocalOnly are ledger rows the broker has no record of.
	LocalOnly []domain.Fill

	// BrokerOnly are broker fills missing from the local ledger.
	BrokerOnly []domain.Fill

	// QuantityMismatch pairs fills matched by order ID whose quantities differ,
	// local first.
	QuantityMismatch [][2]domain.Fill
}

// Clean reports whether the window reconciled without discrepancies.
func (r Report) Clean() bool {
	return len(r.LocalOnly) == 0 && len(r.BrokerOnly) == 0 && len(r.QuantityMismatch) == 0
}

// Service compares the live ledger against broker fill history. Mock fills
// have no broker counterpart and are never reconciled.
type Service struct {
	broker  broker.Client
	ledger  portfolio.Ledger
	metrics *metrics.Registry
}

// NewService creates a reconciliation service.
func NewService(b broker.Client, ledger portfolio.Ledger, m *metrics.Registry) *Service {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{broker: b, ledger: ledger, metrics: m}
}

// Run reconciles the window [from, to]. Fills are matched by broker order ID
// when present, falling back to client order ID for rows recorded before the
// broker assigned one.
func (s *Service) Run(ctx context.Context, from, to time.Time) (Report, error) {
	report := Report{From: from, To: to}

	local, err := s.ledger.List(ctx, domain.ModeLive, from, to)
	if err != nil {
		return report, fmt.Errorf("failed to list ledger fills: %w", err)
	}
	remote, err := s.broker.ListFills(ctx, from, to)
	if err != nil {
		return report, fmt.Errorf("failed to list broker fills: %w", err)
	}

	// The broker reports both its own order ID and our client order ID, so a
	// remote fill is reachable under either key; local rows recorded before the
	// broker assigned an ID still match by client order ID.
	remoteByID := make(map[string]int, 2*len(remote))
	for i, fill := range remote {
		if fill.BrokerOrderID != "" {
			remoteByID["b:"+fill.BrokerOrderID] = i
		}
		if fill.ClientOrderID != "" {
			remoteByID["c:"+fill.ClientOrderID] = i
		}
	}

	seen := make(map[int]bool, len(local))
	for _, fill := range local {
		idx, ok := remoteByID[matchKey(fill)]
		if !ok {
			report.LocalOnly = append(report.LocalOnly, fill)
			s.metrics.ReconcileDiscrepancies.WithLabelValues("local_only").Inc()
			log.Warn().Str("symbol", fill.Symbol).Str("client_order_id", fill.ClientOrderID).
				Int64("quantity", fill.Quantity).
				Msg("Ledger fill has no broker record")
			continue
		}
		seen[idx] = true
		counterpart := remote[idx]
		if counterpart.Quantity != fill.Quantity {
			report.QuantityMismatch = append(report.QuantityMismatch, [2]domain.Fill{fill, counterpart})
			s.metrics.ReconcileDiscrepancies.WithLabelValues("quantity").Inc()
			log.Warn().Str("symbol", fill.Symbol).
				Int64("local_quantity", fill.Quantity).
				Int64("broker_quantity", counterpart.Quantity).
				Msg("Fill quantity diverged from broker")
			continue
		}
		report.Matched++
	}

	for i, fill := range remote {
		if !seen[i] {
			report.BrokerOnly = append(report.BrokerOnly, fill)
			s.metrics.ReconcileDiscrepancies.WithLabelValues("broker_only").Inc()
			log.Warn().Str("symbol", fill.Symbol).Str("broker_order_id", fill.BrokerOrderID).
				Int64("quantity", fill.Quantity).
				Msg("Broker fill missing from ledger")
		}
	}

	log.Info().Int("matched", report.Matched).
		Int("local_only", len(report.LocalOnly)).
		Int("broker_only", len(report.BrokerOnly)).
		Int("quantity_mismatch", len(report.QuantityMismatch)).
		Msg("Reconciliation complete")
	return report, nil
}

// Correction builds the append-only correction fill that records a broker-only
// fill into the ledger. The caller decides whether to append it.
func Correction(fill domain.Fill, now time.Time) domain.Fill {
	fill.Correction = true
	fill.Timestamp = now
	return fill
}

func matchKey(fill domain.Fill) string {
	if fill.BrokerOrderID != "" {
		return "b:" + fill.BrokerOrderID
	}
	return "c:" + fill.ClientOrderID
}
