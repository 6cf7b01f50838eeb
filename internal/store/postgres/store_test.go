package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

var itemColumns = []string{
	"item_name", "run_id", "state", "failed_at", "attempt", "prefix_dir", "item_dir",
	"warc_file_base", "stats", "error", "started_at", "updated_at",
}

func newMockStore(t *testing.T) (*ItemStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewItemStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestSaveItemUpsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1344474123, 0).UTC()
	rec := archive.ItemRecord{
		ItemName:     "example",
		RunID:        "run-1",
		State:        archive.StateFailed,
		FailedAt:     archive.StateUploading,
		Attempt:      3,
		PrefixDir:    "data/e/ex/exa",
		ItemDir:      "data/e/ex/exa/example",
		WarcFileBase: "tumblr-example-20120809-010203",
		Stats:        &archive.Stats{Item: "example", ID: "null"},
		Error:        "rsync exited with code 10",
		StartedAt:    now,
		UpdatedAt:    now,
	}

	mock.ExpectExec("INSERT INTO archive_items").
		WithArgs(
			"example", "run-1", "failed", "uploading", 3,
			"data/e/ex/exa", "data/e/ex/exa/example", "tumblr-example-20120809-010203",
			pgxmock.AnyArg(), "rsync exited with code 10", now, now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveItem(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveItemWrapsErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO archive_items").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := store.SaveItem(context.Background(), archive.ItemRecord{ItemName: "example"})
	require.ErrorContains(t, err, "upsert item example")
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, store.SaveItem(context.Background(), archive.ItemRecord{}))
}

func TestGetItemScansStats(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1344474123, 0).UTC()
	rows := pgxmock.NewRows(itemColumns).AddRow(
		"example", "run-1", "reporting", "", 1, "data/e/ex/exa", "data/e/ex/exa/example",
		"tumblr-example", []byte(`{"item":"example","id":"null","bytes":{"blog":42}}`), "", now, now,
	)
	mock.ExpectQuery("SELECT item_name").WithArgs("example").WillReturnRows(rows)

	rec, err := store.GetItem(context.Background(), "example")
	require.NoError(t, err)
	require.Equal(t, archive.StateReporting, rec.State)
	require.NotNil(t, rec.Stats)
	require.Equal(t, int64(42), rec.Stats.Bytes["blog"])
	require.True(t, rec.Pending())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetItemNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT item_name").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetItem(context.Background(), "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingItemsQueriesResumableStates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1344474123, 0).UTC()
	rows := pgxmock.NewRows(itemColumns).
		AddRow("alpha", "run-a", "uploading", "", 1, "p", "i", "b", []byte(nil), "", now, now).
		AddRow("bravo", "run-b", "failed", "cleaning_up", 3, "p", "i", "b", []byte(nil), "boom", now, now)
	mock.ExpectQuery("WHERE state = ANY").
		WithArgs([]string{"uploading", "reporting", "cleaning_up"}, "failed").
		WillReturnRows(rows)

	recs, err := store.PendingItems(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, archive.StateCleaningUp, recs[1].ResumeState())
	require.Nil(t, recs[0].Stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListItemsUnlimited(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("ORDER BY updated_at DESC").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(itemColumns))

	recs, err := store.ListItems(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, recs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAndValidation(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS archive_items").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	_, err := NewItemStoreWithPool(mock, "items; DROP TABLE x")
	require.Error(t, err)
	_, err = NewItemStoreWithPool(nil, "items")
	require.Error(t, err)
	_, err = NewItemStore(context.Background(), Config{})
	require.Error(t, err)
}
