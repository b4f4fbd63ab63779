package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/allocrun/internal/domain"
	"github.com/sawpanic/allocrun/internal/persistence"
)

// snapshotRepo implements SnapshotRepo for PostgreSQL. One row per mode per
// trading day, enforced by a unique constraint on (mode, ts).
type snapshotRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotRepo creates a PostgreSQL performance snapshot store.
func NewSnapshotRepo(db *sqlx.DB, timeout time.Duration) persistence.SnapshotRepo {
	return &snapshotRepo{db: db, timeout: timeout}
}

type snapshotRow struct {
	Timestamp        time.Time       `db:"ts"`
	Mode             string          `db:"mode"`
	TotalEquity      decimal.Decimal `db:"total_equity"`
	DailyReturn      float64         `db:"daily_return"`
	CumulativeReturn float64         `db:"cumulative_return"`
	Drawdown         float64         `db:"drawdown"`
	RegimeContext    sql.NullString  `db:"regime_context"`
}

func (r snapshotRow) toDomain() domain.PerformanceSnapshot {
	return domain.PerformanceSnapshot{
		Timestamp:        r.Timestamp,
		Mode:             domain.ExecutionMode(r.Mode),
		TotalEquity:      r.TotalEquity,
		DailyReturn:      r.DailyReturn,
		CumulativeReturn: r.CumulativeReturn,
		Drawdown:         r.Drawdown,
		RegimeContext:    r.RegimeContext.String,
	}
}

const snapshotColumns = `ts, mode, total_equity, daily_return, cumulative_return, drawdown, regime_context`

// RecordSnapshot appends one performance row.
func (s *snapshotRepo) RecordSnapshot(ctx context.Context, snap domain.PerformanceSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO performance_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		snap.Timestamp, string(snap.Mode), snap.TotalEquity,
		snap.DailyReturn, snap.CumulativeReturn, snap.Drawdown,
		nullable(snap.RegimeContext))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate snapshot for %s %s: %w",
				snap.Mode, snap.Timestamp.Format("2006-01-02"), err)
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// ListByMode returns snapshots for one mode within [from, to], ascending.
func (s *snapshotRepo) ListByMode(ctx context.Context, mode domain.ExecutionMode, from, to time.Time) ([]domain.PerformanceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + snapshotColumns + `
		FROM performance_snapshots
		WHERE mode = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`

	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, query, string(mode), from, to); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	snaps := make([]domain.PerformanceSnapshot, 0, len(rows))
	for _, row := range rows {
		snaps = append(snaps, row.toDomain())
	}
	return snaps, nil
}

// Latest returns the newest snapshot for one mode, or nil when none exist.
func (s *snapshotRepo) Latest(ctx context.Context, mode domain.ExecutionMode) (*domain.PerformanceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT ` + snapshotColumns + `
		FROM performance_snapshots
		WHERE mode = $1
		ORDER BY ts DESC
		LIMIT 1`

	var row snapshotRow
	if err := s.db.GetContext(ctx, &row, query, string(mode)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	snap := row.toDomain()
	return &snap, nil
}
