package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
downloader: alice
data_dir: /srv/archive
workers:
  concurrency: 6
  max_item_attempts: 5
  retry_base_ms: 100
  retry_max_ms: 500
tracker:
  url: http://tracker.example/tumblr
  timeout_seconds: 45
fetch:
  binary: /usr/local/bin/wget-lua
  max_tries: 3
  accept_exit_codes: [0, 8]
  warc_headers: ["operator: alice"]
upload:
  backend: gcs
  gcs:
    bucket: warcs
    prefix: tumblr
store:
  backend: postgres
  dsn: postgres://localhost/archive
pubsub:
  project_id: proj
  topic: archived
logging:
  development: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "alice", cfg.Downloader)
	require.Equal(t, "/srv/archive", cfg.DataDir)
	require.Equal(t, "tumblr", cfg.Project.Name)
	require.Equal(t, "20120809.01", cfg.Project.Version)
	require.Equal(t, 6, cfg.Workers.Concurrency)
	require.Equal(t, 100*time.Millisecond, cfg.RetryBase())
	require.Equal(t, 500*time.Millisecond, cfg.RetryMax())
	require.Equal(t, 45*time.Second, cfg.TrackerTimeout())
	require.Equal(t, []int{0, 8}, cfg.Fetch.AcceptExitCodes)
	require.Equal(t, []string{"operator: alice"}, cfg.Fetch.WarcHeaders)
	require.Equal(t, "inf", cfg.Fetch.Level)
	require.Equal(t, UploadGCS, cfg.Upload.Backend)
	require.Equal(t, 1, cfg.Upload.Concurrency)
	require.Equal(t, "warcs", cfg.Upload.GCS.Bucket)
	require.Equal(t, StorePostgres, cfg.Store.Backend)
	require.Equal(t, "archived", cfg.PubSub.Topic)
	require.True(t, cfg.Logging.Development)
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("ARCHIVER_DOWNLOADER", "bob")
	t.Setenv("ARCHIVER_TRACKER_URL", "http://tracker.example/tumblr")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "bob", cfg.Downloader)
	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, 2, cfg.Workers.Concurrency)
	require.Equal(t, 2, cfg.Fetch.MaxTries)
	require.Equal(t, []int{0, 6, 8}, cfg.Fetch.AcceptExitCodes)
	require.Equal(t, "./wget", cfg.Fetch.Binary)
	require.Equal(t, UploadRsync, cfg.Upload.Backend)
	require.Equal(t, "fos.textfiles.com", cfg.Upload.Rsync.Host)
	require.Equal(t, ".rsync-tmp", cfg.Upload.Rsync.PartialDir)
	require.Equal(t, StoreSQLite, cfg.Store.Backend)
	require.Equal(t, 30*time.Second, cfg.IdleWait())
	require.Equal(t, 10*time.Second, cfg.FetchRetryDelay())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Project:    ProjectConfig{Name: "tumblr", Version: "20120809.01"},
		Downloader: "alice",
		DataDir:    "data",
		Workers:    WorkersConfig{Concurrency: 1, MaxItemAttempts: 1},
		Tracker:    TrackerConfig{URL: "http://tracker"},
		Fetch:      FetchConfig{MaxTries: 2, AcceptExitCodes: []int{0}},
		Upload:     UploadConfig{Backend: UploadRsync, Concurrency: 1, Rsync: RsyncConfig{Host: "h", Module: "m"}},
		Store:      StoreConfig{Backend: StoreMemory},
		Server:     ServerConfig{Enabled: true, Port: 8080},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing downloader", func(c *Config) { c.Downloader = "" }, "downloader"},
		{"missing tracker", func(c *Config) { c.Tracker.URL = "" }, "tracker.url"},
		{"zero workers", func(c *Config) { c.Workers.Concurrency = 0 }, "workers.concurrency"},
		{"zero attempts", func(c *Config) { c.Workers.MaxItemAttempts = 0 }, "workers.max_item_attempts"},
		{"zero fetch tries", func(c *Config) { c.Fetch.MaxTries = 0 }, "fetch.max_tries"},
		{"no exit codes", func(c *Config) { c.Fetch.AcceptExitCodes = nil }, "fetch.accept_exit_codes"},
		{"zero upload slots", func(c *Config) { c.Upload.Concurrency = 0 }, "upload.concurrency"},
		{"rsync without host", func(c *Config) { c.Upload.Rsync.Host = "" }, "upload.rsync.host"},
		{"gcs without bucket", func(c *Config) { c.Upload.Backend = UploadGCS }, "upload.gcs.bucket"},
		{"unknown upload", func(c *Config) { c.Upload.Backend = "ftp" }, "upload.backend"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = StoreSQLite }, "store.sqlite_path"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = StorePostgres }, "store.dsn"},
		{"unknown store", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"topic without project", func(c *Config) { c.PubSub.Topic = "archived" }, "pubsub.project_id"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tc.mutate(&c)
			require.ErrorContains(t, c.Validate(), tc.want)
		})
	}
}
