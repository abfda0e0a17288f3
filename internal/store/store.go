package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store wraps Queries and provides transaction support.
type Store struct {
	pool DBTX
	*Queries
}

// NewStore creates a new Store wrapping the given connection pool.
func NewStore(pool DBTX) *Store {
	return &Store{
		pool:    pool,
		Queries: New(pool),
	}
}

// Tx executes fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	// If the pool cannot begin a transaction (e.g. it is already a tx), run
	// fn directly.
	beginner, ok := s.pool.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return fn(s.Queries)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Exec exposes raw exec for ad-hoc queries (used sparingly).
func (s *Store) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.pool.Exec(ctx, sql, args...)
}

// EnsureSchema creates the runner tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: schema statement %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		asset            TEXT NOT NULL,
		strategy_prompt  TEXT NOT NULL DEFAULT '',
		tick_interval_ms BIGINT NOT NULL DEFAULT 60000,
		min_confidence   DOUBLE PRECISION,
		is_active        BOOLEAN NOT NULL DEFAULT FALSE,
		aip_registered   BOOLEAN NOT NULL DEFAULT FALSE,
		risk_params      JSONB NOT NULL DEFAULT '{}',
		llm_params       JSONB NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS trade_logs (
		id               UUID PRIMARY KEY,
		agent_id         TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		decision         JSONB NOT NULL,
		executed         BOOLEAN NOT NULL,
		execution_result JSONB,
		error            TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS trade_logs_agent_created_idx ON trade_logs (agent_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS risk_events (
		id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		agent_id   TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
