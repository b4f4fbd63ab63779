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

// ledgerRepo implements LedgerRepo for PostgreSQL. The fills table carries a
// unique constraint on (client_order_id, correction) so a replayed run cannot
// double-record a fill, while a correction row for the same order still lands.
type ledgerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLedgerRepo creates a PostgreSQL fill ledger.
func NewLedgerRepo(db *sqlx.DB, timeout time.Duration) persistence.LedgerRepo {
	return &ledgerRepo{db: db, timeout: timeout}
}

// fillRow maps one fills table row.
type fillRow struct {
	ClientOrderID string          `db:"client_order_id"`
	Symbol        string          `db:"symbol"`
	Direction     string          `db:"direction"`
	Quantity      int64           `db:"quantity"`
	TargetPrice   decimal.Decimal `db:"target_price"`
	FillPrice     decimal.Decimal `db:"fill_price"`
	SlippagePct   float64         `db:"slippage_pct"`
	Timestamp     time.Time       `db:"ts"`
	Mode          string          `db:"mode"`
	BrokerOrderID sql.NullString  `db:"broker_order_id"`
	Partial       bool            `db:"partial"`
	Correction    bool            `db:"correction"`
	RegimeContext sql.NullString  `db:"regime_context"`
}

func (r fillRow) toDomain() domain.Fill {
	return domain.Fill{
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Direction:     domain.Direction(r.Direction),
		Quantity:      r.Quantity,
		TargetPrice:   r.TargetPrice,
		FillPrice:     r.FillPrice,
		SlippagePct:   r.SlippagePct,
		Timestamp:     r.Timestamp,
		Mode:          domain.ExecutionMode(r.Mode),
		BrokerOrderID: r.BrokerOrderID.String,
		Partial:       r.Partial,
		Correction:    r.Correction,
		RegimeContext: r.RegimeContext.String,
	}
}

const fillColumns = `client_order_id, symbol, direction, quantity, target_price,
	fill_price, slippage_pct, ts, mode, broker_order_id, partial, correction, regime_context`

// Append records one immutable fill row.
func (r *ledgerRepo) Append(ctx context.Context, fill domain.Fill) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO fills (` + fillColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query,
		fill.ClientOrderID, fill.Symbol, string(fill.Direction), fill.Quantity,
		fill.TargetPrice, fill.FillPrice, fill.SlippagePct, fill.Timestamp,
		string(fill.Mode), nullable(fill.BrokerOrderID), fill.Partial,
		fill.Correction, nullable(fill.RegimeContext))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate fill for order %s: %w", fill.ClientOrderID, err)
		}
		return fmt.Errorf("failed to insert fill: %w", err)
	}
	return nil
}

// List returns fills for one mode within [from, to], timestamp ascending.
func (r *ledgerRepo) List(ctx context.Context, mode domain.ExecutionMode, from, to time.Time) ([]domain.Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + fillColumns + `
		FROM fills
		WHERE mode = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`

	var rows []fillRow
	if err := r.db.SelectContext(ctx, &rows, query, string(mode), from, to); err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}

	fills := make([]domain.Fill, 0, len(rows))
	for _, row := range rows {
		fills = append(fills, row.toDomain())
	}
	return fills, nil
}

// GetByClientOrderID finds one fill, preferring the correction row when both
// the original and a correction exist.
func (r *ledgerRepo) GetByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + fillColumns + `
		FROM fills
		WHERE client_order_id = $1
		ORDER BY correction DESC, ts DESC
		LIMIT 1`

	var row fillRow
	if err := r.db.GetContext(ctx, &row, query, clientOrderID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get fill by client order ID: %w", err)
	}

	fill := row.toDomain()
	return &fill, nil
}

// Count returns the number of ledger rows for one mode.
func (r *ledgerRepo) Count(ctx context.Context, mode domain.ExecutionMode) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM fills WHERE mode = $1`, string(mode)).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fills: %w", err)
	}
	return count, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
