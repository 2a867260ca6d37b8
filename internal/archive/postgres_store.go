package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zkmint/internal/mint"
)

// PostgresStore persists snapshots in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS mint_attempts (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    tx_ref TEXT,
    failure_kind TEXT,
    failure_outcome TEXT,
    snapshot JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS mint_attempts_outcome_idx ON mint_attempts (failure_outcome);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create mint_attempts: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*mint.Snapshot, error) {
	row := p.pool.QueryRow(ctx, `
SELECT snapshot
FROM mint_attempts
WHERE id = $1
`, id)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var snap mint.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func (p *PostgresStore) Save(ctx context.Context, snap mint.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}

	var kind, outcome *string
	if snap.LastError != nil {
		k, o := string(snap.LastError.Kind), string(snap.LastError.Outcome)
		kind, outcome = &k, &o
	}
	var txRef *string
	if snap.TxRef != "" {
		ref := string(snap.TxRef)
		txRef = &ref
	}

	_, err = p.pool.Exec(ctx, `
INSERT INTO mint_attempts (id, state, tx_ref, failure_kind, failure_outcome, snapshot, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET state = EXCLUDED.state,
    tx_ref = EXCLUDED.tx_ref,
    failure_kind = EXCLUDED.failure_kind,
    failure_outcome = EXCLUDED.failure_outcome,
    snapshot = EXCLUDED.snapshot,
    updated_at = EXCLUDED.updated_at
`, snap.ID, string(snap.State), txRef, kind, outcome, raw, snap.CreatedAt, snap.UpdatedAt)
	return err
}

// UnknownOutcomes lists attempts whose ledger outcome was never determined,
// newest first, so their transactions can be re-checked out of band.
func (p *PostgresStore) UnknownOutcomes(ctx context.Context, limit int) ([]mint.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT snapshot
FROM mint_attempts
WHERE failure_outcome = $1
ORDER BY updated_at DESC
LIMIT $2
`, string(mint.OutcomeUnknown), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mint.Snapshot
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var snap mint.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
