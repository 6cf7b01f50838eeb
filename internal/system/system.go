// Package system binds the archive's clock and run-ID ports to the host.
package system

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Env implements archive.Clock and archive.IDGenerator.
type Env struct {
	now func() time.Time
}

// New returns an Env backed by the wall clock.
func New() *Env {
	return &Env{now: time.Now}
}

// Now returns the current UTC time truncated to whole seconds, the resolution
// of WARC basenames and tracker timestamps.
func (e *Env) Now() time.Time {
	return e.now().UTC().Truncate(time.Second)
}

// NewID returns a UUIDv7 string identifying one pass over an item. Run IDs
// sort by creation time, so item records order the same way.
func (e *Env) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}
