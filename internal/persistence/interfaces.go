package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/portfolio"
)

// LedgerRepo is the durable append-only fill ledger. It extends the engine's
// ledger contract with the lookups reconciliation needs. Rows are immutable;
// corrections are additional rows flagged as corrections.
type LedgerRepo interface {
	portfolio.Ledger

	// GetByClientOrderID finds one fill for reconciliation. Returns nil when
	// no row matches.
	GetByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Fill, error)

	// Count returns the number of ledger rows for one mode.
	Count(ctx context.Context, mode domain.ExecutionMode) (int64, error)
}

// SnapshotRepo stores the append-only daily performance rows. RecordSnapshot
// satisfies the scheduler's snapshot sink directly.
type SnapshotRepo interface {
	// RecordSnapshot appends one performance row.
	RecordSnapshot(ctx context.Context, snap domain.PerformanceSnapshot) error

	// ListByMode returns snapshots for one mode within [from, to], ascending.
	ListByMode(ctx context.Context, mode domain.ExecutionMode, from, to time.Time) ([]domain.PerformanceSnapshot, error)

	// Latest returns the newest snapshot for one mode, or nil when none exist.
	Latest(ctx context.Context, mode domain.ExecutionMode) (*domain.PerformanceSnapshot, error)
}
