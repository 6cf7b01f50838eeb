// Package worker implements the claim loop that feeds items to the pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
	"github.com/JakeFAU/blog-archiver/internal/metrics"
)

// ClaimKey is the limiter key shared by every tracker claim.
const ClaimKey = "tracker-claim"

// Runner executes an item's state machine.
type Runner interface {
	Run(ctx context.Context, item *archive.WorkItem) (archive.State, error)
	RunFrom(ctx context.Context, item *archive.WorkItem, state archive.State) (archive.State, error)
}

// Config controls Worker behavior.
type Config struct {
	// IdleWait is how long to pause when the tracker has nothing or asks us
	// to back off.
	IdleWait time.Duration
	// ErrorWait is the pause after an unexpected claim failure.
	ErrorWait time.Duration
}

// Worker claims one item at a time and runs it to completion.
type Worker struct {
	tracker archive.Tracker
	limiter archive.Limiter
	ids     archive.IDGenerator
	clock   archive.Clock
	runner  Runner
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. limiter may be nil.
func New(
	tracker archive.Tracker,
	limiter archive.Limiter,
	ids archive.IDGenerator,
	clock archive.Clock,
	runner Runner,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 30 * time.Second
	}
	if cfg.ErrorWait <= 0 {
		cfg.ErrorWait = cfg.IdleWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		tracker: tracker,
		limiter: limiter,
		ids:     ids,
		clock:   clock,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, claiming and processing items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		wait, err := w.processNext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && wait == 0 {
			w.logger.Warn("item did not complete", zap.Error(err))
		}
		if wait > 0 {
			if sleep(ctx, wait) != nil {
				return
			}
		}
	}
}

// processNext claims one item and runs it. The returned duration is how long
// the caller should idle before claiming again.
func (w *Worker) processNext(ctx context.Context) (time.Duration, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, ClaimKey); err != nil {
			return 0, fmt.Errorf("wait for claim slot: %w", err)
		}
	}

	name, err := w.tracker.Claim(ctx)
	switch {
	case err == nil:
	case errors.Is(err, archive.ErrNoItem):
		w.logger.Debug("no items available", zap.Duration("idle", w.cfg.IdleWait))
		return w.cfg.IdleWait, err
	case errors.Is(err, archive.ErrRateLimited):
		w.logger.Info("tracker rate limited claim", zap.Duration("idle", w.cfg.IdleWait))
		return w.cfg.IdleWait, err
	default:
		if ctx.Err() != nil {
			return 0, err
		}
		w.logger.Error("claim item failed", zap.Error(err))
		return w.cfg.ErrorWait, err
	}

	runID, err := w.ids.NewID()
	if err != nil {
		return w.cfg.ErrorWait, fmt.Errorf("generate run id: %w", err)
	}
	item := archive.NewWorkItem(name, runID, w.clock.Now())
	w.logger.Info("item claimed", zap.String("item_name", name), zap.String("run_id", runID))

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if _, err := w.runner.Run(ctx, item); err != nil {
		return 0, fmt.Errorf("process %s: %w", name, err)
	}
	return 0, nil
}

// ResumePending finishes items whose container was relocated but not yet
// acknowledged or cleaned up. Records whose container vanished are marked
// failed so they are not offered again.
func ResumePending(ctx context.Context, store archive.ItemStore, runner Runner, clock archive.Clock, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	records, err := store.PendingItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending items: %w", err)
	}

	resumed := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return resumed, fmt.Errorf("resume pending items: %w", ctx.Err())
		}
		item := rec.WorkItem()
		state := rec.ResumeState()
		log := logger.With(zap.String("item_name", rec.ItemName), zap.String("state", string(state)))

		if _, err := os.Stat(item.ShardWarcPath()); err != nil && state != archive.StateCleaningUp {
			log.Warn("container missing, abandoning record", zap.String("path", item.ShardWarcPath()))
			rec.State = archive.StateFailed
			rec.FailedAt = ""
			rec.Error = "container missing on resume"
			rec.UpdatedAt = clock.Now()
			if err := store.SaveItem(ctx, rec); err != nil {
				log.Error("abandon record failed", zap.Error(err))
			}
			continue
		}

		// A restart grants a fresh set of attempts.
		item.Attempt = 0
		log.Info("resuming item")
		metrics.IncActiveWorkers()
		_, runErr := runner.RunFrom(ctx, item, state)
		metrics.DecActiveWorkers()
		if runErr != nil {
			log.Warn("resumed item did not complete", zap.Error(runErr))
			continue
		}
		resumed++
	}
	return resumed, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("idle wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
