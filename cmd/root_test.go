package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/config"
)

type fakeApp struct {
	runErr error
	ran    bool
	closed bool
	cfg    config.Config
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeApp) Close() error {
	f.closed = true
	return nil
}

func withFakeApp(t *testing.T, fake *fakeApp, buildErr error) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		if buildErr != nil {
			return nil, buildErr
		}
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ARCHIVER_DOWNLOADER", "alice")
	t.Setenv("ARCHIVER_TRACKER_URL", "http://tracker.example/tumblr")
	t.Setenv("ARCHIVER_STORE_BACKEND", "memory")
}

func TestRunBuildsAndClosesApp(t *testing.T) {
	setRequiredEnv(t)
	fake := &fakeApp{}
	withFakeApp(t, fake, nil)

	_, err := execute(t, "run")
	require.NoError(t, err)
	assert.True(t, fake.ran)
	assert.True(t, fake.closed)
	assert.Equal(t, "alice", fake.cfg.Downloader)
	assert.Equal(t, config.StoreMemory, fake.cfg.Store.Backend)
}

func TestRunIgnoresCancellation(t *testing.T) {
	setRequiredEnv(t)
	fake := &fakeApp{runErr: context.Canceled}
	withFakeApp(t, fake, nil)

	_, err := execute(t, "run")
	require.NoError(t, err)
	assert.True(t, fake.closed)
}

func TestRunReportsAppFailure(t *testing.T) {
	setRequiredEnv(t)
	fake := &fakeApp{runErr: errors.New("boom")}
	withFakeApp(t, fake, nil)

	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, fake.closed)
}

func TestRunReportsBuildFailure(t *testing.T) {
	setRequiredEnv(t)
	withFakeApp(t, &fakeApp{}, errors.New("no store"))

	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no store")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("ARCHIVER_DOWNLOADER", "")
	fake := &fakeApp{}
	withFakeApp(t, fake, nil)

	_, err := execute(t, "run")
	require.Error(t, err)
	assert.False(t, fake.ran)
}

func TestRunMissingConfigFile(t *testing.T) {
	setRequiredEnv(t)
	withFakeApp(t, &fakeApp{}, nil)

	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestPathsPrintsDirectories(t *testing.T) {
	out, err := execute(t, "paths", "example", "--data-dir", "data")
	require.NoError(t, err)
	assert.Contains(t, out, "prefix_dir="+filepath.Join("data", "e", "ex", "exa")+"\n")
	assert.Contains(t, out, "item_dir="+filepath.Join("data", "e", "ex", "exa", "example")+"\n")
}

func TestPathsShortName(t *testing.T) {
	out, err := execute(t, "paths", "ab")
	require.NoError(t, err)
	assert.Contains(t, out, "prefix_dir="+filepath.Join("data", "a", "ab", "ab"))
}

func TestPathsRejectsInvalidName(t *testing.T) {
	_, err := execute(t, "paths", "../etc")
	require.Error(t, err)
}
