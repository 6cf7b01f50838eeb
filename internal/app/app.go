// Package app builds the archiver's long-lived services from configuration and
// runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/api"
	"github.com/JakeFAU/blog-archiver/internal/archive"
	"github.com/JakeFAU/blog-archiver/internal/system"
	"github.com/JakeFAU/blog-archiver/internal/config"
	"github.com/JakeFAU/blog-archiver/internal/dispatcher"
	"github.com/JakeFAU/blog-archiver/internal/fetch"
	"github.com/JakeFAU/blog-archiver/internal/hash/sha256"
	"github.com/JakeFAU/blog-archiver/internal/layout"
	"github.com/JakeFAU/blog-archiver/internal/metrics"
	"github.com/JakeFAU/blog-archiver/internal/pipeline"
	"github.com/JakeFAU/blog-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/blog-archiver/internal/process"
	gcppublisher "github.com/JakeFAU/blog-archiver/internal/publisher/pubsub"
	"github.com/JakeFAU/blog-archiver/internal/relocate"
	"github.com/JakeFAU/blog-archiver/internal/stats"
	memorystore "github.com/JakeFAU/blog-archiver/internal/store/memory"
	pgstore "github.com/JakeFAU/blog-archiver/internal/store/postgres"
	sqlitestore "github.com/JakeFAU/blog-archiver/internal/store/sqlite"
	"github.com/JakeFAU/blog-archiver/internal/tracker"
	"github.com/JakeFAU/blog-archiver/internal/upload"
	"github.com/JakeFAU/blog-archiver/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired services for one archiver process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      archive.ItemStore
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	httpClient *http.Client

	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	closeStore   func()
}

// Build creates the application's dependencies. Everything opened here is
// released by Close, including on a partial failure.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	metrics.Init()

	a = &App{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.TrackerTimeout()},
	}
	defer func() {
		if err != nil {
			a.closeInfrastructure()
			a = nil
		}
	}()

	logger.Info("building application",
		zap.String("project", cfg.Project.Name),
		zap.String("version", cfg.Project.Version),
		zap.String("downloader", cfg.Downloader),
		zap.Int("workers", cfg.Workers.Concurrency),
		zap.String("store", cfg.Store.Backend),
		zap.String("upload", cfg.Upload.Backend),
	)

	if err = a.setupStore(ctx); err != nil {
		return a, err
	}
	uploader, err := a.setupUploader(ctx)
	if err != nil {
		return a, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return a, err
	}
	if err = a.setupDispatcher(uploader, publisher); err != nil {
		return a, err
	}
	a.apiServer = api.NewServer(a.store, a.dispatch, logger.Named("api"))
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.StoreSQLite:
		s, err := sqlitestore.Open(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = s
		a.closeStore = func() {
			if err := s.Close(); err != nil {
				a.logger.Warn("sqlite store close failed", zap.Error(err))
			}
		}
		a.logger.Info("using sqlite item store", zap.String("path", a.cfg.Store.SQLitePath))
	case config.StorePostgres:
		s, err := pgstore.NewItemStore(ctx, pgstore.Config{
			DSN:   a.cfg.Store.DSN,
			Table: a.cfg.Store.Table,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = s
		a.closeStore = s.Close
		a.logger.Info("using postgres item store", zap.String("table", a.cfg.Store.Table))
	default:
		a.logger.Warn("using in-memory item store; interrupted items will not resume after restart")
		a.store = memorystore.NewItemStore()
	}
	return nil
}

func (a *App) setupUploader(ctx context.Context) (archive.Uploader, error) {
	var inner archive.Uploader
	switch a.cfg.Upload.Backend {
	case config.UploadGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		g, err := upload.NewGCS(client, upload.GCSConfig{
			Bucket:     a.cfg.Upload.GCS.Bucket,
			Prefix:     a.cfg.Upload.GCS.Prefix,
			Downloader: a.cfg.Downloader,
		}, a.logger.Named("upload"))
		if err != nil {
			return nil, fmt.Errorf("gcs uploader init failed: %w", err)
		}
		inner = g
		a.logger.Info("using gcs upload backend", zap.String("bucket", a.cfg.Upload.GCS.Bucket))
	default:
		r, err := upload.NewRsync(upload.RsyncConfig{
			Binary:     a.cfg.Upload.Rsync.Binary,
			Host:       a.cfg.Upload.Rsync.Host,
			Module:     a.cfg.Upload.Rsync.Module,
			Downloader: a.cfg.Downloader,
			PartialDir: a.cfg.Upload.Rsync.PartialDir,
			ExtraArgs:  a.cfg.Upload.Rsync.ExtraArgs,
		}, a.runner(), a.logger.Named("upload"))
		if err != nil {
			return nil, fmt.Errorf("rsync uploader init failed: %w", err)
		}
		inner = r
		a.logger.Info("using rsync upload backend", zap.String("target", r.Target()))
	}
	gate := upload.NewGate(a.cfg.Upload.Concurrency)
	a.logger.Info("upload gate ready", zap.Int("capacity", gate.Capacity()))
	return upload.NewGated(gate, inner, a.logger.Named("upload")), nil
}

func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, error) {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("no pubsub topic configured, completion events disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	p, err := gcppublisher.New(client, map[string]string{
		"project":    a.cfg.Project.Name,
		"downloader": a.cfg.Downloader,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = p
	a.logger.Info("pubsub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return p, nil
}

func (a *App) runner() archive.Runner {
	return process.New(a.cfg.Fetch.MaxOutputBytes, a.logger.Named("process"))
}

func (a *App) setupDispatcher(uploader archive.Uploader, publisher archive.Publisher) error {
	env := system.New()

	trackerClient, err := tracker.New(tracker.Config{
		BaseURL:    a.cfg.Tracker.URL,
		Downloader: a.cfg.Downloader,
		Timeout:    a.cfg.TrackerTimeout(),
	}, a.httpClient, a.logger.Named("tracker"))
	if err != nil {
		return fmt.Errorf("tracker client init failed: %w", err)
	}

	stages := pipeline.Stages{
		Preparer: layout.New(layout.Config{
			DataDir: a.cfg.DataDir,
			Project: a.cfg.Project.Name,
		}, env, a.logger.Named("layout")),
		Fetcher: fetch.New(fetch.Config{
			Binary:             a.cfg.Fetch.Binary,
			UserAgent:          a.cfg.Fetch.UserAgent,
			Level:              a.cfg.Fetch.Level,
			Project:            a.cfg.Project.Name,
			Version:            a.cfg.Project.Version,
			AcceptHostsPattern: a.cfg.Fetch.AcceptHostsPattern,
			WarcHeaders:        a.cfg.Fetch.WarcHeaders,
			MaxTries:           a.cfg.Fetch.MaxTries,
			AcceptExitCodes:    a.cfg.Fetch.AcceptExitCodes,
			RetryDelay:         a.cfg.FetchRetryDelay(),
		}, a.runner(), a.logger.Named("fetch")),
		Collector: stats.New(stats.Config{
			Downloader: a.cfg.Downloader,
			Version:    a.cfg.Project.Version,
		}, sha256.New(), a.logger.Named("stats")),
		Relocator: relocate.New(a.logger.Named("relocate")),
		Uploader:  uploader,
		Tracker:   trackerClient,
	}

	retry := pipeline.NewExponentialRetryPolicy(a.cfg.Workers.MaxItemAttempts, a.cfg.RetryBase(), a.cfg.RetryMax())
	a.logger.Info("item retry policy",
		zap.Int("max_attempts", retry.MaxAttempts()),
		zap.Duration("base_delay", a.cfg.RetryBase()),
		zap.Duration("max_delay", a.cfg.RetryMax()),
	)
	pipe := pipeline.New(stages, a.store, publisher, env, retry, pipeline.Config{
		Downloader: a.cfg.Downloader,
		Topic:      a.cfg.PubSub.Topic,
	}, a.logger.Named("pipeline"))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Tracker.ClaimRPS,
		DefaultBurst: a.cfg.Tracker.ClaimBurst,
	})

	loops := make([]dispatcher.Loop, 0, a.cfg.Workers.Concurrency)
	for i := 0; i < a.cfg.Workers.Concurrency; i++ {
		loops = append(loops, worker.New(trackerClient, limiter, env, env, pipe, worker.Config{
			IdleWait:  a.cfg.IdleWait(),
			ErrorWait: a.cfg.ErrorWait(),
		}, a.logger.Named("worker").With(zap.Int("worker", i))))
	}

	resume := func(ctx context.Context) (int, error) {
		return worker.ResumePending(ctx, a.store, pipe, env, a.logger.Named("resume"))
	}
	a.dispatch = dispatcher.New(loops, resume, a.logger.Named("dispatcher"))
	return nil
}

// Handler exposes the status API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Store returns the configured item store.
func (a *App) Store() archive.ItemStore {
	return a.store
}

// Run starts the worker pool and the status server, then blocks until ctx is
// done and every in-flight item has stopped.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *http.Server
	serverErr := make(chan error, 1)
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				serverErr <- err
				cancel()
			}
		}()
	}

	a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
	runErr := a.dispatch.Run(ctx)
	a.logger.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	select {
	case err := <-serverErr:
		if runErr == nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	default:
	}
	return runErr
}

// Close releases every client opened by Build.
func (a *App) Close() error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Close()
		a.publisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.closeStore != nil {
		a.closeStore()
		a.closeStore = nil
	}
}
