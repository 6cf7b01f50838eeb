package archive

import (
	"context"
	"time"
)

// Tracker hands out items and records completions.
type Tracker interface {
	Claim(ctx context.Context) (string, error)
	Done(ctx context.Context, stats Stats) error
}

// Runner executes an external process and reports its exit status. A non-nil
// error means the process could not be run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (ExitStatus, error)
}

// Fetcher downloads an item's content into its scratch directory.
type Fetcher interface {
	Fetch(ctx context.Context, item *WorkItem) error
}

// Uploader transfers the relocated container to remote storage.
type Uploader interface {
	Upload(ctx context.Context, item *WorkItem) error
}

// ItemStore persists item progress records.
type ItemStore interface {
	SaveItem(ctx context.Context, rec ItemRecord) error
	GetItem(ctx context.Context, name string) (ItemRecord, error)
	ListItems(ctx context.Context, limit int) ([]ItemRecord, error)
	PendingItems(ctx context.Context) ([]ItemRecord, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests of container files.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Limiter throttles calls keyed by an arbitrary string.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}
