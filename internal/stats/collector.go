// Package stats builds the completion report sent to the tracker.
package stats

import (
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

// NullID is reported when the fetch produced no post pages.
const NullID = "null"

// BlogGroup is the single file group every item reports.
const BlogGroup = "blog"

// Config identifies this worker in the report.
type Config struct {
	Downloader string
	Version    string
}

// Collector assembles archive.Stats for fetched items.
type Collector struct {
	cfg    Config
	hasher archive.Hasher
	logger *zap.Logger
}

// New constructs a Collector. hasher may be nil to skip container digests.
func New(cfg Config, hasher archive.Hasher, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{cfg: cfg, hasher: hasher, logger: logger}
}

// PostFiles lists item_dir/files/<item_name>/post/* in lexicographic order.
func PostFiles(item *archive.WorkItem) []string {
	pattern := filepath.Join(item.ItemDir, "files", item.Name, "post", "*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// ItemID returns "<first>-<last>" over the sorted post files, or NullID.
func ItemID(files []string) string {
	if len(files) == 0 {
		return NullID
	}
	return files[0] + "-" + files[len(files)-1]
}

// Collect sets item.Stats (and item.Digest when a hasher is configured). It
// never fails: a missing container is reported with zero bytes.
func (c *Collector) Collect(item *archive.WorkItem) *archive.Stats {
	warcPath := item.ScratchWarcPath()
	var size int64
	if info, err := os.Stat(warcPath); err == nil {
		size = info.Size()
	} else {
		c.logger.Warn("container missing during stats collection", zap.String("item_name", item.Name), zap.Error(err))
	}

	s := &archive.Stats{
		Downloader: c.cfg.Downloader,
		Version:    c.cfg.Version,
		Item:       item.Name,
		ID:         ItemID(PostFiles(item)),
		FileGroups: map[string][]string{BlogGroup: {warcPath}},
		Bytes:      map[string]int64{BlogGroup: size},
	}
	item.Stats = s

	if c.hasher != nil && size > 0 {
		digest, err := c.hasher.HashFile(warcPath)
		if err != nil {
			c.logger.Warn("hash container failed", zap.String("item_name", item.Name), zap.Error(err))
		} else {
			item.Digest = digest
		}
	}

	c.logger.Debug("stats collected",
		zap.String("item_name", item.Name),
		zap.String("id", s.ID),
		zap.Int64("bytes", size),
	)
	return s
}
