package layout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

type fakeClock struct {
	now time.Time
}

func (f fakeClock) Now() time.Time {
	return f.now
}

func TestPrefixAndItemDir(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		wantPrefix string
	}{
		{"example", "data/e/ex/exa"},
		{"staff.tumblr.com", "data/s/st/sta"},
		{"ab", "data/a/ab/ab"},
		{"x", "data/x/x/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.wantPrefix, PrefixDir("data", tc.name))
			itemDir := ItemDir("data", tc.name)
			require.Equal(t, tc.wantPrefix, filepath.Dir(itemDir))
			require.Equal(t, tc.name, filepath.Base(itemDir))
		})
	}
}

func TestWarcFileBaseUsesUTC(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2012, 8, 9, 3, 4, 5, 0, loc)
	require.Equal(t, "tumblr-example-20120809-010405", WarcFileBase("tumblr", "example", now))
}

func TestPrepareSetsDerivedFields(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	p := New(Config{DataDir: dataDir, Project: "tumblr"}, fakeClock{now: time.Date(2012, 8, 9, 1, 2, 3, 0, time.UTC)}, zap.NewNop())

	item := archive.NewWorkItem("example", "run-1", time.Time{})
	require.NoError(t, p.Prepare(item))

	require.Equal(t, filepath.Join(dataDir, "e", "ex", "exa"), item.PrefixDir)
	require.Equal(t, filepath.Join(dataDir, "e", "ex", "exa", "example"), item.ItemDir)
	require.Equal(t, "tumblr-example-20120809-010203", item.WarcFileBase)

	info, err := os.Stat(filepath.Join(item.ItemDir, "files"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestPrepareIsIdempotent(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	p := New(Config{DataDir: dataDir, Project: "tumblr"}, fakeClock{now: time.Unix(0, 0)}, nil)

	item := archive.NewWorkItem("example", "run-1", time.Time{})
	require.NoError(t, p.Prepare(item))

	residue := filepath.Join(item.ItemDir, "files", "example", "post", "1")
	require.NoError(t, os.MkdirAll(filepath.Dir(residue), 0o750))
	require.NoError(t, os.WriteFile(residue, []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(item.ItemDir, "wget.log"), []byte("log"), 0o600))

	// Another item's container in the same shard directory must survive.
	sibling := filepath.Join(item.PrefixDir, "tumblr-exam-20120809-010203.warc.gz")
	require.NoError(t, os.WriteFile(sibling, []byte("warc"), 0o600))

	again := archive.NewWorkItem("example", "run-2", time.Time{})
	require.NoError(t, p.Prepare(again))

	entries, err := os.ReadDir(filepath.Join(again.ItemDir, "files"))
	require.NoError(t, err)
	require.Empty(t, entries)
	_, err = os.Stat(filepath.Join(again.ItemDir, "wget.log"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(sibling)
	require.NoError(t, err)
}

func TestPrepareRejectsEmptyName(t *testing.T) {
	t.Parallel()

	p := New(Config{DataDir: t.TempDir(), Project: "tumblr"}, fakeClock{}, nil)
	err := p.Prepare(archive.NewWorkItem("", "run", time.Time{}))
	require.ErrorIs(t, err, archive.ErrInvalidItem)
}

func TestPrepareRemovesAbandonedContainers(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	p := New(Config{DataDir: dataDir, Project: "tumblr"}, fakeClock{now: time.Date(2012, 8, 9, 2, 0, 0, 0, time.UTC)}, nil)
	prefixDir := PrefixDir(dataDir, "example")
	require.NoError(t, os.MkdirAll(prefixDir, 0o750))

	stale := filepath.Join(prefixDir, "tumblr-example-20120809-010203.warc.gz")
	others := []string{
		filepath.Join(prefixDir, "tumblr-example-2-20120809-010203.warc.gz"),
		filepath.Join(prefixDir, "tumblr-exam-20120809-010203.warc.gz"),
		filepath.Join(prefixDir, "tumblr-example-20120809-010203.warc.gz.part"),
	}
	for _, path := range append([]string{stale}, others...) {
		require.NoError(t, os.WriteFile(path, []byte("warc"), 0o600))
	}

	item := archive.NewWorkItem("example", "run-2", time.Time{})
	require.NoError(t, p.Prepare(item))

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err), "abandoned container of the same item must be removed")
	for _, path := range others {
		_, err := os.Stat(path)
		require.NoError(t, err, path)
	}
}
