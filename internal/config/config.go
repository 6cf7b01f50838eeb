// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Upload backends.
const (
	UploadRsync = "rsync"
	UploadGCS   = "gcs"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Project    ProjectConfig `mapstructure:"project"`
	Downloader string        `mapstructure:"downloader"`
	DataDir    string        `mapstructure:"data_dir"`
	Workers    WorkersConfig `mapstructure:"workers"`
	Tracker    TrackerConfig `mapstructure:"tracker"`
	Fetch      FetchConfig   `mapstructure:"fetch"`
	Upload     UploadConfig  `mapstructure:"upload"`
	Store      StoreConfig   `mapstructure:"store"`
	PubSub     PubSubConfig  `mapstructure:"pubsub"`
	Server     ServerConfig  `mapstructure:"server"`
	Logging    LoggingConfig `mapstructure:"logging"`
}

// ProjectConfig names the archiving project and this script's version.
type ProjectConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// WorkersConfig governs fan-out and per-item retries.
type WorkersConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	MaxItemAttempts  int `mapstructure:"max_item_attempts"`
	RetryBaseMs      int `mapstructure:"retry_base_ms"`
	RetryMaxMs       int `mapstructure:"retry_max_ms"`
	IdleWaitSeconds  int `mapstructure:"idle_wait_seconds"`
	ErrorWaitSeconds int `mapstructure:"error_wait_seconds"`
}

// TrackerConfig addresses the coordination service.
type TrackerConfig struct {
	URL            string  `mapstructure:"url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	ClaimRPS       float64 `mapstructure:"claim_rps"`
	ClaimBurst     int     `mapstructure:"claim_burst"`
}

// FetchConfig is the fetch tool's argument template.
type FetchConfig struct {
	Binary             string   `mapstructure:"binary"`
	UserAgent          string   `mapstructure:"user_agent"`
	Level              string   `mapstructure:"level"`
	MaxTries           int      `mapstructure:"max_tries"`
	AcceptExitCodes    []int    `mapstructure:"accept_exit_codes"`
	AcceptHostsPattern string   `mapstructure:"accept_hosts_pattern"`
	WarcHeaders        []string `mapstructure:"warc_headers"`
	RetryDelaySeconds  int      `mapstructure:"retry_delay_seconds"`
	MaxOutputBytes     int      `mapstructure:"max_output_bytes"`
}

// UploadConfig selects and configures the transfer backend.
type UploadConfig struct {
	Backend     string      `mapstructure:"backend"`
	Concurrency int         `mapstructure:"concurrency"`
	Rsync       RsyncConfig `mapstructure:"rsync"`
	GCS         GCSConfig   `mapstructure:"gcs"`
}

// RsyncConfig addresses the rsync daemon module.
type RsyncConfig struct {
	Binary     string   `mapstructure:"binary"`
	Host       string   `mapstructure:"host"`
	Module     string   `mapstructure:"module"`
	PartialDir string   `mapstructure:"partial_dir"`
	ExtraArgs  []string `mapstructure:"extra_args"`
}

// GCSConfig addresses the object-storage bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// StoreConfig selects where item records are kept.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project.name", "tumblr")
	v.SetDefault("project.version", "20120809.01")
	v.SetDefault("downloader", "")
	v.SetDefault("data_dir", "data")
	v.SetDefault("workers.concurrency", 2)
	v.SetDefault("workers.max_item_attempts", 3)
	v.SetDefault("workers.retry_base_ms", 5000)
	v.SetDefault("workers.retry_max_ms", 300000)
	v.SetDefault("workers.idle_wait_seconds", 30)
	v.SetDefault("workers.error_wait_seconds", 60)
	v.SetDefault("tracker.url", "")
	v.SetDefault("tracker.timeout_seconds", 60)
	v.SetDefault("tracker.claim_rps", 1.0)
	v.SetDefault("tracker.claim_burst", 1)
	v.SetDefault("fetch.binary", "./wget")
	v.SetDefault("fetch.user_agent",
		"Mozilla/5.0 (Windows; U; Windows NT 6.1; en-US) AppleWebKit/533.20.25 (KHTML, like Gecko) Version/5.0.4 Safari/533.20.27")
	v.SetDefault("fetch.level", "inf")
	v.SetDefault("fetch.max_tries", 2)
	v.SetDefault("fetch.accept_exit_codes", []int{0, 6, 8})
	v.SetDefault("fetch.accept_hosts_pattern", "")
	v.SetDefault("fetch.retry_delay_seconds", 10)
	v.SetDefault("fetch.max_output_bytes", 64*1024)
	v.SetDefault("upload.backend", UploadRsync)
	v.SetDefault("upload.concurrency", 1)
	v.SetDefault("upload.rsync.binary", "rsync")
	v.SetDefault("upload.rsync.host", "fos.textfiles.com")
	v.SetDefault("upload.rsync.module", "tumblr")
	v.SetDefault("upload.rsync.partial_dir", ".rsync-tmp")
	v.SetDefault("upload.gcs.bucket", "")
	v.SetDefault("upload.gcs.prefix", "")
	v.SetDefault("store.backend", StoreSQLite)
	v.SetDefault("store.sqlite_path", "data/.state/items.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "archive_items")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Downloader == "" {
		return fmt.Errorf("downloader must be set")
	}
	if c.Project.Name == "" || c.Project.Version == "" {
		return fmt.Errorf("project.name and project.version must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Tracker.URL == "" {
		return fmt.Errorf("tracker.url must be set")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Workers.MaxItemAttempts <= 0 {
		return fmt.Errorf("workers.max_item_attempts must be > 0")
	}
	if c.Fetch.MaxTries <= 0 {
		return fmt.Errorf("fetch.max_tries must be > 0")
	}
	if len(c.Fetch.AcceptExitCodes) == 0 {
		return fmt.Errorf("fetch.accept_exit_codes must not be empty")
	}
	if c.Upload.Concurrency <= 0 {
		return fmt.Errorf("upload.concurrency must be > 0")
	}
	switch c.Upload.Backend {
	case UploadRsync:
		if c.Upload.Rsync.Host == "" || c.Upload.Rsync.Module == "" {
			return fmt.Errorf("upload.rsync.host and upload.rsync.module must be set")
		}
	case UploadGCS:
		if c.Upload.GCS.Bucket == "" {
			return fmt.Errorf("upload.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown upload.backend %q", c.Upload.Backend)
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite backend")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// RetryBase is the first backoff between item attempts.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Workers.RetryBaseMs) * time.Millisecond
}

// RetryMax caps the backoff between item attempts.
func (c Config) RetryMax() time.Duration {
	return time.Duration(c.Workers.RetryMaxMs) * time.Millisecond
}

// IdleWait is the pause after the tracker has no work.
func (c Config) IdleWait() time.Duration {
	return time.Duration(c.Workers.IdleWaitSeconds) * time.Second
}

// ErrorWait is the pause after an unexpected claim failure.
func (c Config) ErrorWait() time.Duration {
	return time.Duration(c.Workers.ErrorWaitSeconds) * time.Second
}

// TrackerTimeout bounds each tracker request.
func (c Config) TrackerTimeout() time.Duration {
	return time.Duration(c.Tracker.TimeoutSeconds) * time.Second
}

// FetchRetryDelay is the pause between fetch tool attempts.
func (c Config) FetchRetryDelay() time.Duration {
	return time.Duration(c.Fetch.RetryDelaySeconds) * time.Second
}
