package upload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

type fakeRunner struct {
	code  int
	calls []archive.Command
}

func (f *fakeRunner) Run(_ context.Context, cmd archive.Command) (archive.ExitStatus, error) {
	f.calls = append(f.calls, cmd)
	return archive.ExitStatus{Code: f.code}, nil
}

func newTestRsync(t *testing.T, r archive.Runner) *Rsync {
	t.Helper()
	u, err := NewRsync(RsyncConfig{Host: "fos.textfiles.com", Module: "tumblr", Downloader: "alice"}, r, nil)
	require.NoError(t, err)
	return u
}

func TestRsyncTargetAndArgs(t *testing.T) {
	t.Parallel()

	u := newTestRsync(t, &fakeRunner{})
	require.Equal(t, "fos.textfiles.com::tumblr/alice/", u.Target())

	item := &archive.WorkItem{PrefixDir: "data/e/ex/exa", WarcFileBase: "tumblr-example-20120809-010203"}
	require.Equal(t, []string{
		"-av", "--no-o", "--no-g", "--progress",
		"--partial-dir", ".rsync-tmp",
		"tumblr-example-20120809-010203.warc.gz",
		"fos.textfiles.com::tumblr/alice/",
	}, u.Args(item))
}

func TestRsyncUploadRunsFromShardDir(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	u := newTestRsync(t, r)
	item := &archive.WorkItem{PrefixDir: "data/e/ex/exa", WarcFileBase: "tumblr-example"}

	require.NoError(t, u.Upload(context.Background(), item))
	require.Len(t, r.calls, 1)
	require.Equal(t, "rsync", r.calls[0].Path)
	require.Equal(t, "data/e/ex/exa", r.calls[0].Dir)
}

func TestRsyncNonZeroExitFails(t *testing.T) {
	t.Parallel()

	u := newTestRsync(t, &fakeRunner{code: 10})
	err := u.Upload(context.Background(), &archive.WorkItem{WarcFileBase: "x"})
	require.EqualError(t, err, "rsync exited with code 10")
}

func TestNewRsyncValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRsync(RsyncConfig{Module: "tumblr", Downloader: "alice"}, &fakeRunner{}, nil)
	require.Error(t, err)
	_, err = NewRsync(RsyncConfig{Host: "h", Module: "m"}, &fakeRunner{}, nil)
	require.Error(t, err)
}
