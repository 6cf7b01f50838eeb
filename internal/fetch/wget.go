// Package fetch drives the external recursive downloader that produces an
// item's WARC container.
package fetch

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
	"github.com/JakeFAU/blog-archiver/internal/metrics"
)

// DefaultAcceptHostsPattern matches the asset CDN and object-storage hosts
// captured alongside the blog itself.
const DefaultAcceptHostsPattern = `([0-9]+\.media|assets|media)\.tumblr\.com|s3\.amazonaws\.com`

// Config is the fixed argument template for the fetch tool.
type Config struct {
	Binary             string
	UserAgent          string
	Level              string
	Project            string
	Version            string
	AcceptHostsPattern string
	WarcHeaders        []string
	MaxTries           int
	AcceptExitCodes    []int
	RetryDelay         time.Duration
}

// ExitError reports that every attempt ended with an unacceptable exit code.
type ExitError struct {
	Code     int
	Attempts int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("fetch tool exited with code %d after %d attempt(s)", e.Code, e.Attempts)
}

// Invoker implements archive.Fetcher on top of an archive.Runner.
type Invoker struct {
	cfg    Config
	runner archive.Runner
	logger *zap.Logger
}

// New constructs an Invoker, filling unset knobs with the stock template.
func New(cfg Config, runner archive.Runner, logger *zap.Logger) *Invoker {
	if cfg.Binary == "" {
		cfg.Binary = "./wget"
	}
	if cfg.Level == "" {
		cfg.Level = "inf"
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 2
	}
	if len(cfg.AcceptExitCodes) == 0 {
		cfg.AcceptExitCodes = []int{0, 6, 8}
	}
	if cfg.AcceptHostsPattern == "" {
		cfg.AcceptHostsPattern = DefaultAcceptHostsPattern
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{cfg: cfg, runner: runner, logger: logger}
}

// AcceptRegex restricts captured resources to the configured hosts plus the
// item's own host. The item name is embedded verbatim; the tracker client
// only admits hostname-safe names.
func AcceptRegex(hostsPattern, itemName string) string {
	return fmt.Sprintf(`^https?://(%s|%s)`, hostsPattern, itemName)
}

// Args builds the fetch tool's argument list for item.
func (f *Invoker) Args(item *archive.WorkItem) []string {
	args := []string{
		"-U", f.cfg.UserAgent,
		"-nv",
		"-o", filepath.Join(item.ItemDir, "wget.log"),
		"--directory-prefix", filepath.Join(item.ItemDir, "files"),
		"--force-directories",
		"-e", "robots=off",
		"--recursive", "--level", f.cfg.Level,
		"--page-requisites", "--span-hosts",
		"--adjust-extension",
		"--accept-regex", AcceptRegex(f.cfg.AcceptHostsPattern, item.Name),
		"--warc-file", filepath.Join(item.ItemDir, item.WarcFileBase),
	}
	for _, h := range f.cfg.WarcHeaders {
		args = append(args, "--warc-header", h)
	}
	args = append(args,
		"--warc-header", fmt.Sprintf("%s-dld-script-version: %s", f.cfg.Project, f.cfg.Version),
		"--warc-header", fmt.Sprintf("%s-user: %s", f.cfg.Project, item.Name),
		fmt.Sprintf("http://%s/", item.Name),
	)
	return args
}

// Acceptable reports whether code counts as a successful attempt.
func (f *Invoker) Acceptable(code int) bool {
	return slices.Contains(f.cfg.AcceptExitCodes, code)
}

// Fetch runs the tool up to MaxTries times until an attempt exits with an
// acceptable code.
func (f *Invoker) Fetch(ctx context.Context, item *archive.WorkItem) error {
	cmd := archive.Command{Path: f.cfg.Binary, Args: f.Args(item)}
	var lastCode int
	for attempt := 1; attempt <= f.cfg.MaxTries; attempt++ {
		status, err := f.runner.Run(ctx, cmd)
		if err != nil {
			return fmt.Errorf("run fetch tool: %w", err)
		}
		metrics.ObserveFetchExit(strconv.Itoa(status.Code))
		if f.Acceptable(status.Code) {
			f.logger.Info("fetch finished",
				zap.String("item_name", item.Name),
				zap.Int("exit_code", status.Code),
				zap.Int("attempt", attempt),
				zap.Duration("duration", status.Duration),
			)
			return nil
		}
		lastCode = status.Code
		f.logger.Warn("fetch attempt failed",
			zap.String("item_name", item.Name),
			zap.Int("exit_code", status.Code),
			zap.Int("attempt", attempt),
			zap.Int("max_tries", f.cfg.MaxTries),
		)
		if attempt < f.cfg.MaxTries {
			if err := sleep(ctx, f.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}
	return &ExitError{Code: lastCode, Attempts: f.cfg.MaxTries}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
