// Package postgres provides the Postgres-backed output store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OutputStoreConfig controls the Postgres connection pool used for output rows.
type OutputStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// OutputStore reads and writes collected item rows.
type OutputStore struct {
	pool  querier
	table string
}

// NewOutputStore creates a Postgres-backed OutputStore using the provided config.
func NewOutputStore(ctx context.Context, cfg OutputStoreConfig) (*OutputStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("output.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &OutputStore{pool: pool, table: table}, nil
}

// NewOutputStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOutputStoreWithPool(pool querier, table string) (*OutputStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &OutputStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "collected_items"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *OutputStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the output table when it does not exist.
func (s *OutputStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	run_id       TEXT        NOT NULL,
	task_type    TEXT        NOT NULL,
	item_key     TEXT        NOT NULL,
	uri          TEXT        NOT NULL DEFAULT '',
	collected_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[1]s_run_idx ON %[1]s (run_id, task_type)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure output schema: %w", err)
	}
	return nil
}

// RecordItem inserts one collected item.
func (s *OutputStore) RecordItem(ctx context.Context, item collector.OutputItem) error {
	if item.Key == "" {
		return errors.New("item key is required")
	}
	if item.CollectedAt.IsZero() {
		item.CollectedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, task_type, item_key, uri, collected_at)
VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		item.RunID,
		string(item.TaskType),
		item.Key,
		item.URI,
		item.CollectedAt,
	); err != nil {
		return fmt.Errorf("insert output item: %w", err)
	}
	return nil
}

// Empty filter values match every row.
const outputFilter = `($1 = '' OR run_id = $1)
  AND ($2 = '' OR task_type = $2)
  AND ($3::timestamptz IS NULL OR collected_at >= $3)`

func filterArgs(q collector.OutputQuery) []any {
	var since *time.Time
	if !q.Since.IsZero() {
		since = &q.Since
	}
	return []any{q.RunID, string(q.TaskType), since}
}

// CountItems counts distinct item keys matching q.
func (s *OutputStore) CountItems(ctx context.Context, q collector.OutputQuery) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(DISTINCT item_key) FROM %s WHERE %s`, s.table, outputFilter)
	var n int64
	if err := s.pool.QueryRow(ctx, query, filterArgs(q)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count output items: %w", err)
	}
	return n, nil
}

// DuplicateKeys returns keys stored more than once for q, ordered.
func (s *OutputStore) DuplicateKeys(ctx context.Context, q collector.OutputQuery) ([]string, error) {
	query := fmt.Sprintf(`SELECT item_key FROM %s WHERE %s GROUP BY item_key HAVING COUNT(*) > 1 ORDER BY item_key`,
		s.table, outputFilter)
	rows, err := s.pool.Query(ctx, query, filterArgs(q)...)
	if err != nil {
		return nil, fmt.Errorf("query duplicate keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan duplicate keys: %w", err)
	}
	return keys, nil
}
