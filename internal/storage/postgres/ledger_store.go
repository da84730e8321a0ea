// Package postgres keeps the ingestion ledger in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
)

const defaultTable = "ingest_attempts"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerStoreConfig controls the Postgres connection pool used for ledger rows.
type LedgerStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// LedgerStore writes one row per resource attempt.
type LedgerStore struct {
	pool  pool
	table string
}

// NewLedgerStore creates a Postgres-backed LedgerStore using the provided config.
func NewLedgerStore(ctx context.Context, cfg LedgerStoreConfig) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LedgerStore{pool: p, table: table}, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLedgerStoreWithPool(p pool, table string) (*LedgerStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &LedgerStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the ledger table and its lookup index when missing.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id bigserial PRIMARY KEY,
	run_id text NOT NULL,
	source text NOT NULL,
	dataset text NOT NULL,
	resource_url text NOT NULL,
	saved_as text,
	ok boolean NOT NULL,
	message text NOT NULL,
	bytes bigint NOT NULL DEFAULT 0,
	content_hash text,
	attempted_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_dataset_idx ON %[1]s (dataset, attempted_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

// Record inserts one attempt row.
func (s *LedgerStore) Record(ctx context.Context, attempt pipeline.Attempt) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("ledger store is not configured")
	}
	if attempt.RunID == "" {
		return fmt.Errorf("attempt run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	source,
	dataset,
	resource_url,
	saved_as,
	ok,
	message,
	bytes,
	content_hash,
	attempted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		attempt.RunID,
		attempt.Source,
		attempt.Dataset,
		attempt.ResourceURL,
		nullable(attempt.SavedAs),
		attempt.OK,
		attempt.Message,
		attempt.Bytes,
		nullable(attempt.ContentHash),
		attempt.AttemptedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// RecentAttempts lists the newest attempts, optionally for one dataset.
func (s *LedgerStore) RecentAttempts(ctx context.Context, dataset string, limit int) ([]pipeline.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT run_id, source, dataset, resource_url, coalesce(saved_as, ''), ok, message, bytes,
	coalesce(content_hash, ''), attempted_at
FROM %s
WHERE ($1 = '' OR dataset = $1)
ORDER BY attempted_at DESC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, dataset, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []pipeline.Attempt{}
	for rows.Next() {
		var a pipeline.Attempt
		if err := rows.Scan(
			&a.RunID,
			&a.Source,
			&a.Dataset,
			&a.ResourceURL,
			&a.SavedAs,
			&a.OK,
			&a.Message,
			&a.Bytes,
			&a.ContentHash,
			&a.AttemptedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
