// Package layout derives the sharded on-disk paths for an item and resets its
// scratch directory before a fetch.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

const timestampLayout = "20060102-150405"

// Config controls where items are laid out and how container files are named.
type Config struct {
	DataDir string
	Project string
}

// Preparer resets per-item scratch directories.
type Preparer struct {
	cfg    Config
	clock  archive.Clock
	logger *zap.Logger
}

// New constructs a Preparer.
func New(cfg Config, clock archive.Clock, logger *zap.Logger) *Preparer {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preparer{cfg: cfg, clock: clock, logger: logger}
}

// PrefixDir returns DATA_DIR/c1/c12/c123 for the item name. Names shorter than
// three characters reuse the whole name for the deeper levels.
func PrefixDir(dataDir, name string) string {
	return filepath.Join(dataDir, prefix(name, 1), prefix(name, 2), prefix(name, 3))
}

// ItemDir returns the per-item scratch directory, a direct child of PrefixDir.
func ItemDir(dataDir, name string) string {
	return filepath.Join(PrefixDir(dataDir, name), name)
}

// WarcFileBase returns "<project>-<name>-<YYYYMMDD-HHMMSS>" in UTC.
func WarcFileBase(project, name string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", project, name, now.UTC().Format(timestampLayout))
}

// removeStaleContainers deletes containers a previous, abandoned run of the
// same item left in the shard directory. A fresh preparation names a new
// container, so nothing would ever upload or delete the old ones.
func (p *Preparer) removeStaleContainers(prefixDir, name string) error {
	entries, err := os.ReadDir(prefixDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("list shard dir %s: %w", prefixDir, err)
	}
	own := regexp.MustCompile(`^` + regexp.QuoteMeta(p.cfg.Project+"-"+name+"-") + `\d{8}-\d{6}\.warc\.gz$`)
	for _, e := range entries {
		if !e.Type().IsRegular() || !own.MatchString(e.Name()) {
			continue
		}
		path := filepath.Join(prefixDir, e.Name())
		p.logger.Warn("removing stale container", zap.String("item_name", name), zap.String("path", path))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale container %s: %w", path, err)
		}
	}
	return nil
}

func prefix(name string, n int) string {
	r := []rune(name)
	if len(r) < n {
		return string(r)
	}
	return string(r[:n])
}

// Prepare derives the item's paths, wipes any scratch tree left by a crashed
// attempt, and creates item_dir/files. The shard directory itself is never
// removed.
func (p *Preparer) Prepare(item *archive.WorkItem) error {
	if item.Name == "" {
		return fmt.Errorf("prepare directories: %w", archive.ErrInvalidItem)
	}
	prefixDir := PrefixDir(p.cfg.DataDir, item.Name)
	itemDir := ItemDir(p.cfg.DataDir, item.Name)

	if info, err := os.Stat(itemDir); err == nil && info.IsDir() {
		p.logger.Info("removing stale item directory", zap.String("item_name", item.Name), zap.String("item_dir", itemDir))
		if err := os.RemoveAll(itemDir); err != nil {
			return fmt.Errorf("remove stale item dir %s: %w", itemDir, err)
		}
	}
	if err := p.removeStaleContainers(prefixDir, item.Name); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(itemDir, "files"), 0o750); err != nil {
		return fmt.Errorf("create item dir %s: %w", itemDir, err)
	}

	item.PrefixDir = prefixDir
	item.ItemDir = itemDir
	item.WarcFileBase = WarcFileBase(p.cfg.Project, item.Name, p.clock.Now())
	return nil
}
