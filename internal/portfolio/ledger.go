package portfolio

import (
	"context"
	"time"

	"github.com/sawpanic/allocrun/internal/domain"
)

// Ledger is the append-only audit trail of fills. Rows are never rewritten;
// corrections are additional rows flagged as corrections.
type Ledger interface {
	// Append records one immutable fill row.
	Append(ctx context.Context, fill domain.Fill) error

	// List returns fills for one execution mode within [from, to], ordered by
	// timestamp ascending.
	List(ctx context.Context, mode domain.ExecutionMode, from, to time.Time) ([]domain.Fill, error)
}

// MemoryLedger is the in-process ledger used by backtests and tests.
type MemoryLedger struct {
	rows []domain.Fill
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Append records the fill.
func (l *MemoryLedger) Append(_ context.Context, fill domain.Fill) error {
	l.rows = append(l.rows, fill)
	return nil
}

// List filters rows by mode and time window.
func (l *MemoryLedger) List(_ context.Context, mode domain.ExecutionMode, from, to time.Time) ([]domain.Fill, error) {
	var out []domain.Fill
	for _, row := range l.rows {
		if row.Mode != mode {
			continue
		}
		if row.Timestamp.Before(from) || row.Timestamp.After(to) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// Len returns the total number of rows across modes.
func (l *MemoryLedger) Len() int { return len(l.rows) }
