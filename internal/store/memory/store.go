// Package memory provides an in-process ItemStore for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/blog-archiver/internal/archive"
)

// ItemStore keeps the latest record per item name.
type ItemStore struct {
	mu    sync.RWMutex
	items map[string]archive.ItemRecord
}

// NewItemStore constructs an empty ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{items: make(map[string]archive.ItemRecord)}
}

// SaveItem upserts rec, keeping the first StartedAt seen for the item's run.
func (s *ItemStore) SaveItem(_ context.Context, rec archive.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[rec.ItemName]; ok && prev.RunID == rec.RunID && rec.StartedAt.IsZero() {
		rec.StartedAt = prev.StartedAt
	}
	s.items[rec.ItemName] = cloneRecord(rec)
	return nil
}

// GetItem returns the record for name or archive.ErrNotFound.
func (s *ItemStore) GetItem(_ context.Context, name string) (archive.ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[name]
	if !ok {
		return archive.ItemRecord{}, archive.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListItems returns up to limit records, most recently updated first. A
// non-positive limit returns everything.
func (s *ItemStore) ListItems(_ context.Context, limit int) ([]archive.ItemRecord, error) {
	s.mu.RLock()
	out := make([]archive.ItemRecord, 0, len(s.items))
	for _, rec := range s.items {
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ItemName < out[j].ItemName
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingItems returns records whose container was relocated but never fully
// acknowledged and cleaned up.
func (s *ItemStore) PendingItems(_ context.Context) ([]archive.ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []archive.ItemRecord
	for _, rec := range s.items {
		if rec.Pending() {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemName < out[j].ItemName })
	return out, nil
}

func cloneRecord(rec archive.ItemRecord) archive.ItemRecord {
	if rec.Stats == nil {
		return rec
	}
	stats := *rec.Stats
	stats.FileGroups = make(map[string][]string, len(rec.Stats.FileGroups))
	for k, v := range rec.Stats.FileGroups {
		stats.FileGroups[k] = append([]string(nil), v...)
	}
	stats.Bytes = make(map[string]int64, len(rec.Stats.Bytes))
	for k, v := range rec.Stats.Bytes {
		stats.Bytes[k] = v
	}
	rec.Stats = &stats
	return rec
}
