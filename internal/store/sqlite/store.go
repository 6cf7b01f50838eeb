// Package sqlite persists item records in a local SQLite database so a
// restarted worker can resume relocated containers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS items (
	item_name      TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	state          TEXT NOT NULL,
	failed_at      TEXT NOT NULL DEFAULT '',
	attempt        INTEGER NOT NULL DEFAULT 0,
	prefix_dir     TEXT NOT NULL DEFAULT '',
	item_dir       TEXT NOT NULL DEFAULT '',
	warc_file_base TEXT NOT NULL DEFAULT '',
	stats          TEXT,
	error          TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_updated_at ON items(updated_at);
CREATE INDEX IF NOT EXISTS idx_items_state ON items(state);
`

const upsertItem = `
INSERT INTO items (
	item_name, run_id, state, failed_at, attempt, prefix_dir, item_dir,
	warc_file_base, stats, error, started_at, updated_at
) VALUES (
	:item_name, :run_id, :state, :failed_at, :attempt, :prefix_dir, :item_dir,
	:warc_file_base, :stats, :error, :started_at, :updated_at
)
ON CONFLICT(item_name) DO UPDATE SET
	run_id = excluded.run_id,
	state = excluded.state,
	failed_at = excluded.failed_at,
	attempt = excluded.attempt,
	prefix_dir = excluded.prefix_dir,
	item_dir = excluded.item_dir,
	warc_file_base = excluded.warc_file_base,
	stats = excluded.stats,
	error = excluded.error,
	started_at = excluded.started_at,
	updated_at = excluded.updated_at`

const selectColumns = `SELECT item_name, run_id, state, failed_at, attempt, prefix_dir, item_dir,
	warc_file_base, stats, error, started_at, updated_at FROM items`

type itemRow struct {
	ItemName     string         `db:"item_name"`
	RunID        string         `db:"run_id"`
	State        string         `db:"state"`
	FailedAt     string         `db:"failed_at"`
	Attempt      int            `db:"attempt"`
	PrefixDir    string         `db:"prefix_dir"`
	ItemDir      string         `db:"item_dir"`
	WarcFileBase string         `db:"warc_file_base"`
	Stats        sql.NullString `db:"stats"`
	Error        string         `db:"error"`
	StartedAt    string         `db:"started_at"`
	UpdatedAt    string         `db:"updated_at"`
}

// ItemStore implements archive.ItemStore on SQLite.
type ItemStore struct {
	db *sqlx.DB
}

// Open creates (if needed) and migrates the database at path.
func Open(ctx context.Context, path string) (*ItemStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
	db, err := sqlx.ConnectContext(ctx, "sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &ItemStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle. The schema is not created.
func NewWithDB(db *sqlx.DB) *ItemStore {
	return &ItemStore{db: db}
}

func (s *ItemStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate items table: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *ItemStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *ItemStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveItem upserts rec keyed by item name.
func (s *ItemStore) SaveItem(ctx context.Context, rec archive.ItemRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, upsertItem, row); err != nil {
		return fmt.Errorf("upsert item %s: %w", rec.ItemName, err)
	}
	return nil
}

// GetItem returns the record for name or archive.ErrNotFound.
func (s *ItemStore) GetItem(ctx context.Context, name string) (archive.ItemRecord, error) {
	var row itemRow
	if err := s.db.GetContext(ctx, &row, selectColumns+` WHERE item_name = ?`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return archive.ItemRecord{}, archive.ErrNotFound
		}
		return archive.ItemRecord{}, fmt.Errorf("get item %s: %w", name, err)
	}
	return fromRow(row)
}

// ListItems returns up to limit records, most recently updated first.
func (s *ItemStore) ListItems(ctx context.Context, limit int) ([]archive.ItemRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []itemRow
	query := selectColumns + ` ORDER BY updated_at DESC, item_name ASC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return fromRows(rows)
}

// PendingItems returns records left between relocation and cleanup.
func (s *ItemStore) PendingItems(ctx context.Context) ([]archive.ItemRecord, error) {
	query, args, err := sqlx.In(
		selectColumns+` WHERE state IN (?) OR (state = ? AND failed_at IN (?)) ORDER BY item_name`,
		resumableStates(), string(archive.StateFailed), resumableStates(),
	)
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	return fromRows(rows)
}

func resumableStates() []string {
	return []string{
		string(archive.StateUploading),
		string(archive.StateReporting),
		string(archive.StateCleaningUp),
	}
}

func toRow(rec archive.ItemRecord) (itemRow, error) {
	row := itemRow{
		ItemName:     rec.ItemName,
		RunID:        rec.RunID,
		State:        string(rec.State),
		FailedAt:     string(rec.FailedAt),
		Attempt:      rec.Attempt,
		PrefixDir:    rec.PrefixDir,
		ItemDir:      rec.ItemDir,
		WarcFileBase: rec.WarcFileBase,
		Error:        rec.Error,
		StartedAt:    rec.StartedAt.UTC().Format(timeLayout),
		UpdatedAt:    rec.UpdatedAt.UTC().Format(timeLayout),
	}
	if rec.Stats != nil {
		data, err := json.Marshal(rec.Stats)
		if err != nil {
			return itemRow{}, fmt.Errorf("marshal stats: %w", err)
		}
		row.Stats = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func fromRow(row itemRow) (archive.ItemRecord, error) {
	rec := archive.ItemRecord{
		ItemName:     row.ItemName,
		RunID:        row.RunID,
		State:        archive.State(row.State),
		FailedAt:     archive.State(row.FailedAt),
		Attempt:      row.Attempt,
		PrefixDir:    row.PrefixDir,
		ItemDir:      row.ItemDir,
		WarcFileBase: row.WarcFileBase,
		Error:        row.Error,
	}
	var err error
	if rec.StartedAt, err = time.Parse(timeLayout, row.StartedAt); err != nil {
		return archive.ItemRecord{}, fmt.Errorf("parse started_at for %s: %w", row.ItemName, err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, row.UpdatedAt); err != nil {
		return archive.ItemRecord{}, fmt.Errorf("parse updated_at for %s: %w", row.ItemName, err)
	}
	if row.Stats.Valid {
		var stats archive.Stats
		if err := json.Unmarshal([]byte(row.Stats.String), &stats); err != nil {
			return archive.ItemRecord{}, fmt.Errorf("unmarshal stats for %s: %w", row.ItemName, err)
		}
		rec.Stats = &stats
	}
	return rec, nil
}

func fromRows(rows []itemRow) ([]archive.ItemRecord, error) {
	out := make([]archive.ItemRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
