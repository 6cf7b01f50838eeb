// Package pipeline runs one work item through the archiving state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
	"github.com/JakeFAU/blog-archiver/internal/metrics"
)

// Preparer resets an item's scratch tree and derives its paths.
type Preparer interface {
	Prepare(item *archive.WorkItem) error
}

// Collector builds the completion report for a fetched item.
type Collector interface {
	Collect(item *archive.WorkItem) *archive.Stats
}

// Relocator moves containers into the shard directory and deletes them once
// acknowledged.
type Relocator interface {
	Move(item *archive.WorkItem) error
	Relocated(item *archive.WorkItem) bool
	Delete(item *archive.WorkItem) error
}

// Stages bundles the collaborators driven by the state machine.
type Stages struct {
	Preparer  Preparer
	Fetcher   archive.Fetcher
	Collector Collector
	Relocator Relocator
	Uploader  archive.Uploader
	Tracker   archive.Tracker
}

// Config controls optional pipeline behavior.
type Config struct {
	Downloader string
	Topic      string
}

// Pipeline sequences the stages for a single item.
type Pipeline struct {
	stages    Stages
	store     archive.ItemStore
	publisher archive.Publisher
	clock     archive.Clock
	retry     RetryPolicy
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pipeline. store and publisher may be nil.
func New(
	stages Stages,
	store archive.ItemStore,
	publisher archive.Publisher,
	clock archive.Clock,
	retry RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if retry == nil {
		retry = NewExponentialRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		stages:    stages,
		store:     store,
		publisher: publisher,
		clock:     clock,
		retry:     retry,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run takes a freshly claimed item from Preparing to a terminal state.
func (p *Pipeline) Run(ctx context.Context, item *archive.WorkItem) (archive.State, error) {
	p.save(ctx, item, archive.StateClaiming, "", nil)
	return p.RunFrom(ctx, item, archive.StatePreparing)
}

// RunFrom drives item starting at state. It returns the state the item ended
// in: Done, Failed, or the interrupted state when ctx was canceled.
func (p *Pipeline) RunFrom(ctx context.Context, item *archive.WorkItem, state archive.State) (archive.State, error) {
	if item.Attempt < 1 {
		item.Attempt = 1
	}
	logger := p.logger.With(zap.String("item_name", item.Name), zap.String("run_id", item.RunID))

	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			p.save(ctx, item, state, "", err)
			return state, fmt.Errorf("pipeline interrupted at %s: %w", state, err)
		}
		p.save(ctx, item, state, "", nil)
		logger.Debug("entering state", zap.String("state", string(state)), zap.Int("attempt", item.Attempt))

		start := time.Now()
		err := p.step(ctx, item, state)
		metrics.ObserveStage(string(state), err == nil, time.Since(start))
		if err == nil {
			state = state.Next()
			continue
		}

		if ctx.Err() != nil {
			logger.Warn("stage interrupted", zap.String("state", string(state)), zap.Error(err))
			p.save(ctx, item, state, "", err)
			return state, fmt.Errorf("pipeline interrupted at %s: %w", state, ctx.Err())
		}

		if !p.retry.ShouldRetry(err, item.Attempt) {
			logger.Error("item failed",
				zap.String("state", string(state)),
				zap.Int("attempt", item.Attempt),
				zap.Error(err),
			)
			p.save(ctx, item, archive.StateFailed, state, err)
			metrics.ObserveItem(string(archive.StateFailed))
			return archive.StateFailed, fmt.Errorf("%s: %w", state, err)
		}

		backoff := p.retry.Backoff(item.Attempt)
		resume := p.resumePoint(item, state)
		logger.Warn("stage failed, retrying",
			zap.String("state", string(state)),
			zap.String("resume_at", string(resume)),
			zap.Int("attempt", item.Attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		item.Attempt++
		state = resume
		if err := sleep(ctx, backoff); err != nil {
			p.save(ctx, item, state, "", err)
			return state, fmt.Errorf("pipeline interrupted at %s: %w", state, err)
		}
	}

	p.save(ctx, item, archive.StateDone, "", nil)
	metrics.ObserveItem(string(archive.StateDone))
	logger.Info("item archived", zap.Int("attempts", item.Attempt))
	p.publish(ctx, item)
	return archive.StateDone, nil
}

// resumePoint is where the retry after a failure in state starts. Once the
// container has reached the shard directory a failed relocation only reruns
// itself; starting over would name a new container and strand this one.
func (p *Pipeline) resumePoint(item *archive.WorkItem, state archive.State) archive.State {
	if state == archive.StateRelocating && p.stages.Relocator.Relocated(item) {
		return archive.StateRelocating
	}
	return state.ResumePoint()
}

func (p *Pipeline) step(ctx context.Context, item *archive.WorkItem, state archive.State) error {
	switch state {
	case archive.StateClaiming:
		return nil
	case archive.StatePreparing:
		return p.stages.Preparer.Prepare(item)
	case archive.StateFetching:
		return p.stages.Fetcher.Fetch(ctx, item)
	case archive.StateCollecting:
		p.stages.Collector.Collect(item)
		return nil
	case archive.StateRelocating:
		return p.stages.Relocator.Move(item)
	case archive.StateUploading:
		return p.stages.Uploader.Upload(ctx, item)
	case archive.StateReporting:
		if item.Stats == nil {
			return errors.New("report done: stats were never collected")
		}
		return p.stages.Tracker.Done(ctx, *item.Stats)
	case archive.StateCleaningUp:
		return p.stages.Relocator.Delete(item)
	default:
		return fmt.Errorf("no stage for state %q", state)
	}
}

// save upserts the item's record. Store failures are logged, not fatal.
func (p *Pipeline) save(ctx context.Context, item *archive.WorkItem, state, failedAt archive.State, cause error) {
	if p.store == nil {
		return
	}
	rec := archive.ItemRecord{
		ItemName:     item.Name,
		RunID:        item.RunID,
		State:        state,
		FailedAt:     failedAt,
		Attempt:      item.Attempt,
		PrefixDir:    item.PrefixDir,
		ItemDir:      item.ItemDir,
		WarcFileBase: item.WarcFileBase,
		Stats:        item.Stats,
		StartedAt:    item.ClaimedAt,
		UpdatedAt:    p.clock.Now(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	// The record must land even when the item's own context was canceled.
	saveCtx := context.WithoutCancel(ctx)
	if err := p.store.SaveItem(saveCtx, rec); err != nil {
		p.logger.Warn("save item record failed",
			zap.String("item_name", item.Name),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) publish(ctx context.Context, item *archive.WorkItem) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	event := archive.CompletionEvent{
		Item:         item.Name,
		WarcFileBase: item.WarcFileBase,
		Downloader:   p.cfg.Downloader,
		SHA256:       item.Digest,
		FinishedAt:   p.clock.Now().Format(time.RFC3339),
	}
	if item.Stats != nil {
		event.ID = item.Stats.ID
		event.Bytes = item.Stats.Bytes
	}
	id, err := p.publisher.Publish(ctx, p.cfg.Topic, event)
	if err != nil {
		p.logger.Warn("publish completion event failed", zap.String("item_name", item.Name), zap.Error(err))
		return
	}
	p.logger.Debug("completion event published", zap.String("item_name", item.Name), zap.String("message_id", id))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
