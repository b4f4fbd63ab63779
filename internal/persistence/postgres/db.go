package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/rs/zerolog/log"
)

// Connect opens and pings a PostgreSQL connection.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	log.Info().Msg("Connected to postgres")
	return db, nil
}

// schema is additive only: existing rows must stay readable across upgrades.
const schema = `
CREATE TABLE IF NOT EXISTS fills (
	id               BIGSERIAL PRIMARY KEY,
	client_order_id  TEXT        NOT NULL,
	symbol           TEXT        NOT NULL,
	direction        TEXT        NOT NULL,
	quantity         BIGINT      NOT NULL CHECK (quantity > 0),
	target_price     NUMERIC     NOT NULL,
	fill_price       NUMERIC     NOT NULL,
	slippage_pct     DOUBLE PRECISION NOT NULL DEFAULT 0,
	ts               TIMESTAMPTZ NOT NULL,
	mode             TEXT        NOT NULL,
	broker_order_id  TEXT,
	partial          BOOLEAN     NOT NULL DEFAULT FALSE,
	correction       BOOLEAN     NOT NULL DEFAULT FALSE,
	regime_context   TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (client_order_id, correction)
);

CREATE INDEX IF NOT EXISTS idx_fills_mode_ts ON fills (mode, ts);

CREATE TABLE IF NOT EXISTS performance_snapshots (
	id                BIGSERIAL PRIMARY KEY,
	ts                TIMESTAMPTZ NOT NULL,
	mode              TEXT        NOT NULL,
	total_equity      NUMERIC     NOT NULL,
	daily_return      DOUBLE PRECISION NOT NULL DEFAULT 0,
	cumulative_return DOUBLE PRECISION NOT NULL DEFAULT 0,
	drawdown          DOUBLE PRECISION NOT NULL DEFAULT 0,
	regime_context    TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (mode, ts)
);
`

// EnsureSchema creates the tables when they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
