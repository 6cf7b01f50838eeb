// Package upload transfers relocated containers to remote storage behind a
// process-wide admission gate.
package upload

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
	"github.com/JakeFAU/blog-archiver/internal/metrics"
)

// Gate is a counting semaphore shared by every pipeline in the process.
type Gate struct {
	slots chan struct{}
}

// NewGate returns a gate admitting at most capacity holders. Capacities below
// one are raised to one.
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Capacity reports the gate's size.
func (g *Gate) Capacity() int {
	return cap(g.slots)
}

// Acquire blocks until a slot is free or ctx ends.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("upload slot wait canceled: %w", ctx.Err())
	}
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
	}
}

// Gated serializes an Uploader through a Gate.
type Gated struct {
	gate   *Gate
	inner  archive.Uploader
	logger *zap.Logger
}

// NewGated wraps inner so every Upload holds a slot of gate.
func NewGated(gate *Gate, inner archive.Uploader, logger *zap.Logger) *Gated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gated{gate: gate, inner: inner, logger: logger}
}

// Upload waits for a slot and then runs the wrapped uploader.
func (g *Gated) Upload(ctx context.Context, item *archive.WorkItem) error {
	start := time.Now()
	if err := g.gate.Acquire(ctx); err != nil {
		return err
	}
	defer g.gate.Release()
	waited := time.Since(start)
	metrics.ObserveUploadGateWait(waited)
	g.logger.Debug("upload slot acquired", zap.String("item_name", item.Name), zap.Duration("waited", waited))

	metrics.IncUploadsInFlight()
	defer metrics.DecUploadsInFlight()

	if err := g.inner.Upload(ctx, item); err != nil {
		return err
	}
	if info, err := os.Stat(item.ShardWarcPath()); err == nil {
		metrics.AddUploadedBytes(info.Size())
	}
	return nil
}
