package upload

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

// RsyncConfig addresses the rsync daemon module receiving containers.
type RsyncConfig struct {
	Binary     string
	Host       string
	Module     string
	Downloader string
	PartialDir string
	ExtraArgs  []string
}

// Rsync uploads containers with the external rsync tool.
type Rsync struct {
	cfg    RsyncConfig
	runner archive.Runner
	logger *zap.Logger
}

// NewRsync constructs an rsync uploader.
func NewRsync(cfg RsyncConfig, runner archive.Runner, logger *zap.Logger) (*Rsync, error) {
	if cfg.Host == "" || cfg.Module == "" {
		return nil, fmt.Errorf("rsync host and module are required")
	}
	if cfg.Downloader == "" {
		return nil, fmt.Errorf("downloader is required for the rsync target")
	}
	if cfg.Binary == "" {
		cfg.Binary = "rsync"
	}
	if cfg.PartialDir == "" {
		cfg.PartialDir = ".rsync-tmp"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rsync{cfg: cfg, runner: runner, logger: logger}, nil
}

// Target is the host::module/downloader/ destination string.
func (r *Rsync) Target() string {
	return fmt.Sprintf("%s::%s/%s/", r.cfg.Host, strings.Trim(r.cfg.Module, "/"), r.cfg.Downloader)
}

// Args builds the rsync argument list. Sources are relative to prefix_dir.
func (r *Rsync) Args(item *archive.WorkItem) []string {
	args := []string{"-av", "--no-o", "--no-g", "--progress", "--partial-dir", r.cfg.PartialDir}
	args = append(args, r.cfg.ExtraArgs...)
	return append(args, item.WarcFileName(), r.Target())
}

// Upload runs rsync from the shard directory. Any non-zero exit fails.
func (r *Rsync) Upload(ctx context.Context, item *archive.WorkItem) error {
	status, err := r.runner.Run(ctx, archive.Command{
		Path: r.cfg.Binary,
		Args: r.Args(item),
		Dir:  item.PrefixDir,
	})
	if err != nil {
		return fmt.Errorf("run rsync: %w", err)
	}
	if !status.Success() {
		return fmt.Errorf("rsync exited with code %d", status.Code)
	}
	r.logger.Info("container uploaded",
		zap.String("item_name", item.Name),
		zap.String("target", r.Target()),
		zap.Duration("duration", status.Duration),
	)
	return nil
}
