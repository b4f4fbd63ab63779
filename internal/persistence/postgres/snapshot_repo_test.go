package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/allocrun/internal/domain"
)

func sampleSnapshot() domain.PerformanceSnapshot {
	return domain.PerformanceSnapshot{
		Timestamp:        time.Date(2025, 6, 2, 19, 45, 0, 0, time.UTC),
		Mode:             domain.ModeLive,
		TotalEquity:      decimal.NewFromFloat(100123.45),
		DailyReturn:      0.0012,
		CumulativeReturn: 0.0012,
		Drawdown:         0,
		RegimeContext:    "trend_up",
	}
}

func TestSnapshotRepo_RecordSnapshot(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSnapshotRepo(db, time.Second)
	snap := sampleSnapshot()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO performance_snapshots")).
		WithArgs(snap.Timestamp, "LIVE", snap.TotalEquity,
			snap.DailyReturn, snap.CumulativeReturn, snap.Drawdown, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.RecordSnapshot(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_RecordSnapshotDuplicateDay(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSnapshotRepo(db, time.Second)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO performance_snapshots")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.RecordSnapshot(context.Background(), sampleSnapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate snapshot")
}

func TestSnapshotRepo_ListByMode(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSnapshotRepo(db, time.Second)

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	ts := time.Date(2025, 6, 2, 19, 45, 0, 0, time.UTC)

	columns := []string{"ts", "mode", "total_equity", "daily_return",
		"cumulative_return", "drawdown", "regime_context"}

	mock.ExpectQuery("SELECT (.+) FROM performance_snapshots").
		WithArgs("MOCK", from, to).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(ts, "MOCK", "100123.45", 0.0012, 0.0012, 0.0, "trend_up"))

	snaps, err := repo.ListByMode(context.Background(), domain.ModeMock, from, to)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "100123.45", snaps[0].TotalEquity.StringFixed(2))
	assert.Equal(t, domain.ModeMock, snaps[0].Mode)
}

func TestSnapshotRepo_LatestEmpty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSnapshotRepo(db, time.Second)

	mock.ExpectQuery("SELECT (.+) FROM performance_snapshots").
		WithArgs("LIVE").
		WillReturnRows(sqlmock.NewRows([]string{"ts"}))

	snap, err := repo.Latest(context.Background(), domain.ModeLive)
	require.NoError(t, err)
	assert.Nil(t, snap)
}
