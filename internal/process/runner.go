// Package process runs the external fetch and transfer tools.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

const defaultMaxOutput = 64 * 1024

// Runner implements archive.Runner with os/exec.
type Runner struct {
	maxOutput int
	logger    *zap.Logger
}

// New returns a Runner that keeps at most maxOutput trailing bytes of
// combined stdout/stderr per invocation.
func New(maxOutput int, logger *zap.Logger) *Runner {
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{maxOutput: maxOutput, logger: logger}
}

// Run starts the command and waits for it. A non-zero exit is reported in the
// ExitStatus, not as an error.
func (r *Runner) Run(ctx context.Context, cmd archive.Command) (archive.ExitStatus, error) {
	if cmd.Path == "" {
		return archive.ExitStatus{}, errors.New("command path is required")
	}
	execCmd := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	execCmd.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Env...)
	}
	out := &tailBuffer{limit: r.maxOutput}
	execCmd.Stdout = out
	execCmd.Stderr = out

	r.logger.Debug("starting process", zap.String("path", cmd.Path), zap.Strings("args", cmd.Args), zap.String("dir", cmd.Dir))
	start := time.Now()
	err := execCmd.Run()
	status := archive.ExitStatus{
		Output:   out.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return status, fmt.Errorf("run %s: %w", cmd.Path, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return status, fmt.Errorf("run %s: %w", cmd.Path, ctxErr)
		}
		status.Code = exitErr.ExitCode()
	}
	r.logger.Debug("process exited",
		zap.String("path", cmd.Path),
		zap.Int("exit_code", status.Code),
		zap.Duration("duration", status.Duration),
		zap.String("output", strings.TrimSpace(status.Output)),
	)
	return status, nil
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		return n, nil
	}
	if overflow := t.buf.Len() + len(p) - t.limit; overflow > 0 {
		t.buf.Next(overflow)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
