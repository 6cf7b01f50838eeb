// Package relocate moves finished containers into the shard directory and
// removes them once the tracker has acknowledged the item.
package relocate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

// Relocator implements the move and delete stages.
type Relocator struct {
	logger *zap.Logger
	rename func(oldpath, newpath string) error
}

// New constructs a Relocator.
func New(logger *zap.Logger) *Relocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relocator{logger: logger, rename: os.Rename}
}

// Move relocates item_dir/<base>.warc.gz to prefix_dir/<base>.warc.gz and then
// removes item_dir. A container that already reached prefix_dir is not moved
// again, so a retry after a partial move only finishes the cleanup. A source
// missing from both places is an error.
func (r *Relocator) Move(item *archive.WorkItem) error {
	src := item.ScratchWarcPath()
	dst := item.ShardWarcPath()
	if _, err := os.Stat(src); err != nil {
		if !errors.Is(err, os.ErrNotExist) || !r.Relocated(item) {
			return fmt.Errorf("stat container %s: %w", src, err)
		}
		r.logger.Info("container already relocated", zap.String("item_name", item.Name), zap.String("path", dst))
	} else if err := r.rename(src, dst); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return fmt.Errorf("move container to %s: %w", dst, err)
		}
		r.logger.Info("rename crosses filesystems, copying", zap.String("item_name", item.Name))
		if err := copyThenRemove(src, dst); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(item.ItemDir); err != nil {
		return fmt.Errorf("remove item dir %s: %w", item.ItemDir, err)
	}
	r.logger.Debug("container relocated", zap.String("item_name", item.Name), zap.String("path", dst))
	return nil
}

// Relocated reports whether the item's container is in the shard directory.
func (r *Relocator) Relocated(item *archive.WorkItem) bool {
	if item.PrefixDir == "" || item.WarcFileBase == "" {
		return false
	}
	info, err := os.Stat(item.ShardWarcPath())
	return err == nil && info.Mode().IsRegular()
}

// Delete removes the uploaded container from the shard directory. An already
// absent file counts as deleted so a resumed cleanup is idempotent.
func (r *Relocator) Delete(item *archive.WorkItem) error {
	path := item.ShardWarcPath()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Debug("container already removed", zap.String("item_name", item.Name))
			return nil
		}
		return fmt.Errorf("delete container %s: %w", path, err)
	}
	return nil
}

func copyThenRemove(src, dst string) error {
	// #nosec G304 -- src is the item's own container.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open container %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only handle

	tmp := dst + ".part"
	// #nosec G304 -- tmp lives in the item's shard directory.
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy container to %s: %w", tmp, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("finalize %s: %w", dst, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source container %s: %w", filepath.Base(src), err)
	}
	return nil
}
