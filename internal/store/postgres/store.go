// Package postgres persists item records in Postgres for deployments that
// share state across hosts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ItemStore implements archive.ItemStore on Postgres.
type ItemStore struct {
	pool  pool
	table string
}

// NewItemStore connects to Postgres and ensures the items table exists.
func NewItemStore(ctx context.Context, cfg Config) (*ItemStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewItemStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewItemStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewItemStoreWithPool(p pool, table string) (*ItemStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "archive_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ItemStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the items table if it does not exist.
func (s *ItemStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	item_name      TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	state          TEXT NOT NULL,
	failed_at      TEXT NOT NULL DEFAULT '',
	attempt        INTEGER NOT NULL DEFAULT 0,
	prefix_dir     TEXT NOT NULL DEFAULT '',
	item_dir       TEXT NOT NULL DEFAULT '',
	warc_file_base TEXT NOT NULL DEFAULT '',
	stats          JSONB,
	error          TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// SaveItem upserts rec keyed by item name.
func (s *ItemStore) SaveItem(ctx context.Context, rec archive.ItemRecord) error {
	if rec.ItemName == "" {
		return fmt.Errorf("item name is required")
	}
	var statsJSON []byte
	if rec.Stats != nil {
		data, err := json.Marshal(rec.Stats)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		statsJSON = data
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	item_name, run_id, state, failed_at, attempt, prefix_dir, item_dir,
	warc_file_base, stats, error, started_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (item_name) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	state = EXCLUDED.state,
	failed_at = EXCLUDED.failed_at,
	attempt = EXCLUDED.attempt,
	prefix_dir = EXCLUDED.prefix_dir,
	item_dir = EXCLUDED.item_dir,
	warc_file_base = EXCLUDED.warc_file_base,
	stats = EXCLUDED.stats,
	error = EXCLUDED.error,
	started_at = EXCLUDED.started_at,
	updated_at = EXCLUDED.updated_at`, s.table)

	_, err := s.pool.Exec(ctx, query,
		rec.ItemName,
		rec.RunID,
		string(rec.State),
		string(rec.FailedAt),
		rec.Attempt,
		rec.PrefixDir,
		rec.ItemDir,
		rec.WarcFileBase,
		statsJSON,
		rec.Error,
		rec.StartedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", rec.ItemName, err)
	}
	return nil
}

func (s *ItemStore) selectColumns() string {
	return fmt.Sprintf(`SELECT item_name, run_id, state, failed_at, attempt, prefix_dir, item_dir,
	warc_file_base, stats, error, started_at, updated_at FROM %s`, s.table)
}

// GetItem returns the record for name or archive.ErrNotFound.
func (s *ItemStore) GetItem(ctx context.Context, name string) (archive.ItemRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, s.selectColumns()+` WHERE item_name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return archive.ItemRecord{}, archive.ErrNotFound
		}
		return archive.ItemRecord{}, fmt.Errorf("get item %s: %w", name, err)
	}
	return rec, nil
}

// ListItems returns up to limit records, most recently updated first.
func (s *ItemStore) ListItems(ctx context.Context, limit int) ([]archive.ItemRecord, error) {
	query := s.selectColumns() + ` ORDER BY updated_at DESC, item_name ASC LIMIT $1`
	var arg any
	if limit > 0 {
		arg = limit
	}
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return collect(rows)
}

// PendingItems returns records left between relocation and cleanup.
func (s *ItemStore) PendingItems(ctx context.Context) ([]archive.ItemRecord, error) {
	query := s.selectColumns() + ` WHERE state = ANY($1) OR (state = $2 AND failed_at = ANY($1)) ORDER BY item_name`
	states := []string{
		string(archive.StateUploading),
		string(archive.StateReporting),
		string(archive.StateCleaningUp),
	}
	rows, err := s.pool.Query(ctx, query, states, string(archive.StateFailed))
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]archive.ItemRecord, error) {
	defer rows.Close()
	var out []archive.ItemRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (archive.ItemRecord, error) {
	var (
		rec       archive.ItemRecord
		state     string
		failedAt  string
		statsJSON []byte
	)
	err := row.Scan(
		&rec.ItemName,
		&rec.RunID,
		&state,
		&failedAt,
		&rec.Attempt,
		&rec.PrefixDir,
		&rec.ItemDir,
		&rec.WarcFileBase,
		&statsJSON,
		&rec.Error,
		&rec.StartedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return archive.ItemRecord{}, err
	}
	rec.State = archive.State(state)
	rec.FailedAt = archive.State(failedAt)
	if len(statsJSON) > 0 {
		var stats archive.Stats
		if err := json.Unmarshal(statsJSON, &stats); err != nil {
			return archive.ItemRecord{}, fmt.Errorf("unmarshal stats: %w", err)
		}
		rec.Stats = &stats
	}
	return rec, nil
}
