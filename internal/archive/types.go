package archive

import (
	"errors"
	"path/filepath"
	"time"
)

// Sentinel errors shared across stages.
var (
	// ErrNoItem means the tracker had no work to hand out.
	ErrNoItem = errors.New("tracker has no items available")
	// ErrRateLimited means the tracker asked the worker to back off.
	ErrRateLimited = errors.New("tracker rate limited the request")
	// ErrInvalidItem marks an item name that is not hostname-safe.
	ErrInvalidItem = errors.New("invalid item name")
	// ErrNotFound is returned by item stores for unknown items.
	ErrNotFound = errors.New("item not found")
)

// WarcExt is the suffix of every container file.
const WarcExt = ".warc.gz"

// WorkItem is one blog moving through the pipeline. Stages mutate it in place.
type WorkItem struct {
	Name         string
	RunID        string
	ItemDir      string
	PrefixDir    string
	WarcFileBase string
	Stats        *Stats
	Digest       string
	Attempt      int
	ClaimedAt    time.Time
}

// NewWorkItem returns an item freshly claimed from the tracker.
func NewWorkItem(name, runID string, claimedAt time.Time) *WorkItem {
	return &WorkItem{Name: name, RunID: runID, ClaimedAt: claimedAt}
}

// ScratchWarcPath is where the fetch tool writes the container.
func (w *WorkItem) ScratchWarcPath() string {
	return filepath.Join(w.ItemDir, w.WarcFileName())
}

// ShardWarcPath is where the container lives after relocation.
func (w *WorkItem) ShardWarcPath() string {
	return filepath.Join(w.PrefixDir, w.WarcFileName())
}

// WarcFileName is the container's basename.
func (w *WorkItem) WarcFileName() string {
	return w.WarcFileBase + WarcExt
}

// Stats is the completion report sent to the tracker.
type Stats struct {
	Downloader string              `json:"downloader"`
	Version    string              `json:"version"`
	Item       string              `json:"item"`
	ID         string              `json:"id"`
	FileGroups map[string][]string `json:"file_groups"`
	Bytes      map[string]int64    `json:"bytes"`
}

// State is a step of the per-item state machine.
type State string

// Pipeline states in execution order.
const (
	StateClaiming   State = "claiming"
	StatePreparing  State = "preparing"
	StateFetching   State = "fetching"
	StateCollecting State = "collecting"
	StateRelocating State = "relocating"
	StateUploading  State = "uploading"
	StateReporting  State = "reporting"
	StateCleaningUp State = "cleaning_up"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

var nextState = map[State]State{
	StateClaiming:   StatePreparing,
	StatePreparing:  StateFetching,
	StateFetching:   StateCollecting,
	StateCollecting: StateRelocating,
	StateRelocating: StateUploading,
	StateUploading:  StateReporting,
	StateReporting:  StateCleaningUp,
	StateCleaningUp: StateDone,
}

// Next returns the state that follows s. Terminal states return themselves.
func (s State) Next() State {
	if n, ok := nextState[s]; ok {
		return n
	}
	return s
}

// Terminal reports whether s ends the item's lifecycle.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ResumePoint is where a retry starts after a failure in s. Before relocation
// the scratch tree may be partial so the item starts over; afterwards the
// container is safe in the shard directory and only the failed step reruns.
func (s State) ResumePoint() State {
	switch s {
	case StateUploading, StateReporting, StateCleaningUp:
		return s
	default:
		return StatePreparing
	}
}

// Resumable reports whether a record left in s can be picked up after a restart.
func (s State) Resumable() bool {
	switch s {
	case StateUploading, StateReporting, StateCleaningUp:
		return true
	default:
		return false
	}
}

// ItemRecord is the persisted view of an item's progress.
type ItemRecord struct {
	ItemName     string    `json:"item_name"`
	RunID        string    `json:"run_id"`
	State        State     `json:"state"`
	FailedAt     State     `json:"failed_at,omitempty"`
	Attempt      int       `json:"attempt"`
	PrefixDir    string    `json:"prefix_dir"`
	ItemDir      string    `json:"item_dir"`
	WarcFileBase string    `json:"warc_file_base"`
	Stats        *Stats    `json:"stats,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Pending reports whether the record describes a relocated container that
// never reached the tracker's acknowledgement or local cleanup.
func (r ItemRecord) Pending() bool {
	if r.State.Resumable() {
		return true
	}
	return r.State == StateFailed && r.FailedAt.Resumable()
}

// ResumeState is the state a pending record restarts at.
func (r ItemRecord) ResumeState() State {
	if r.State == StateFailed {
		return r.FailedAt
	}
	return r.State
}

// WorkItem rebuilds the in-flight item from a record.
func (r ItemRecord) WorkItem() *WorkItem {
	return &WorkItem{
		Name:         r.ItemName,
		RunID:        r.RunID,
		ItemDir:      r.ItemDir,
		PrefixDir:    r.PrefixDir,
		WarcFileBase: r.WarcFileBase,
		Stats:        r.Stats,
		Attempt:      r.Attempt,
		ClaimedAt:    r.StartedAt,
	}
}

// ExitStatus is what an external process returns.
type ExitStatus struct {
	Code     int
	Output   string
	Duration time.Duration
}

// Success reports whether the process exited with code 0.
func (e ExitStatus) Success() bool {
	return e.Code == 0
}

// Command describes one external process invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// CompletionEvent is published once an item is fully archived.
type CompletionEvent struct {
	Item         string           `json:"item"`
	WarcFileBase string           `json:"warc_file_base"`
	ID           string           `json:"id"`
	Downloader   string           `json:"downloader"`
	Bytes        map[string]int64 `json:"bytes"`
	SHA256       string           `json:"sha256,omitempty"`
	FinishedAt   string           `json:"finished_at"`
}
