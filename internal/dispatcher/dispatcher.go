// Package dispatcher fans tracker work out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Loop is a long-running claim loop, typically a *worker.Worker.
type Loop interface {
	Run(ctx context.Context)
}

// ResumeFunc finishes work left over from a previous process before new
// items are claimed.
type ResumeFunc func(ctx context.Context) (int, error)

// Dispatcher runs a fixed pool of workers.
type Dispatcher struct {
	workers []Loop
	resume  ResumeFunc
	logger  *zap.Logger
	ready   atomic.Bool
}

// New creates a Dispatcher. resume may be nil.
func New(workers []Loop, resume ResumeFunc, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		resume:  resume,
		logger:  logger,
	}
}

// Size is the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Ready reports whether the pool has started claiming.
func (d *Dispatcher) Ready() bool {
	return d.ready.Load()
}

// Run resumes leftover items, starts all workers and blocks until the
// context finishes and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher has no workers")
	}
	if d.resume != nil {
		n, err := d.resume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("resume interrupted: %w", ctx.Err())
			}
			d.logger.Error("resume pending items failed", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("resumed pending items", zap.Int("count", n))
		}
	}

	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(id int, wk Loop) {
			defer wg.Done()
			d.logger.Debug("worker started", zap.Int("worker", id))
			wk.Run(ctx)
			d.logger.Debug("worker stopped", zap.Int("worker", id))
		}(i, w)
	}
	d.ready.Store(true)
	d.logger.Info("dispatcher running", zap.Int("workers", len(d.workers)))

	<-ctx.Done()
	d.ready.Store(false)
	wg.Wait()
	return nil
}
