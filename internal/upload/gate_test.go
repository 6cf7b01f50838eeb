package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

type interval struct {
	start time.Time
	end   time.Time
}

type recordingUploader struct {
	mu        sync.Mutex
	intervals []interval
	err       error
}

func (r *recordingUploader) Upload(ctx context.Context, _ *archive.WorkItem) error {
	start := time.Now()
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	r.intervals = append(r.intervals, interval{start: start, end: time.Now()})
	r.mu.Unlock()
	return r.err
}

func shardItem(t *testing.T, name string) *archive.WorkItem {
	t.Helper()
	dir := t.TempDir()
	item := &archive.WorkItem{Name: name, PrefixDir: dir, WarcFileBase: "tumblr-" + name}
	require.NoError(t, os.WriteFile(filepath.Join(dir, item.WarcFileName()), []byte("warc"), 0o600))
	return item
}

func TestGateCapacityFloor(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, NewGate(0).Capacity())
	require.Equal(t, 3, NewGate(3).Capacity())
}

func TestGatedUploadsNeverOverlap(t *testing.T) {
	t.Parallel()

	inner := &recordingUploader{}
	gated := NewGated(NewGate(1), inner, zap.NewNop())

	const n = 4
	items := make([]*archive.WorkItem, n)
	for i := range items {
		items[i] = shardItem(t, string(rune('a'+i)))
	}
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item *archive.WorkItem) {
			defer wg.Done()
			errs <- gated.Upload(context.Background(), item)
		}(item)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, inner.intervals, n)
	for i := range inner.intervals {
		for j := range inner.intervals {
			if i == j {
				continue
			}
			a, b := inner.intervals[i], inner.intervals[j]
			overlap := a.start.Before(b.end) && b.start.Before(a.end)
			require.False(t, overlap, "uploads %d and %d overlapped", i, j)
		}
	}
}

func TestGateAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	gate := NewGate(1)
	require.NoError(t, gate.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gate.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	gate.Release()
	require.NoError(t, gate.Acquire(context.Background()))
	gate.Release()
}

func TestGatedReleasesSlotOnFailure(t *testing.T) {
	t.Parallel()

	gate := NewGate(1)
	inner := &recordingUploader{err: errors.New("connection reset")}
	gated := NewGated(gate, inner, nil)

	item := shardItem(t, "example")
	require.Error(t, gated.Upload(context.Background(), item))
	require.Error(t, gated.Upload(context.Background(), item))
	require.Len(t, inner.intervals, 2)
}
