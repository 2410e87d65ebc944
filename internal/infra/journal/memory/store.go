// Package memory provides a volatile step journal used by tests and by
// sessions that need no durability across restarts.
package memory

import (
	"context"
	"sync"

	"voxelcurate/internal/journal/core"
)

// Store keeps records in a map.
type Store struct {
	mu      sync.RWMutex
	records map[int]core.Record
}

// New returns an empty journal.
func New() *Store {
	return &Store{records: make(map[int]core.Record)}
}

// Driver returns the backend identifier.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Load returns clones of every record ordered by index.
func (s *Store) Load(ctx context.Context) ([]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	core.SortRecords(out)
	return out, nil
}

// Put stores a clone of rec.
func (s *Store) Put(ctx context.Context, rec core.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Index] = rec.Clone()
	return nil
}

// Delete removes the record at index.
func (s *Store) Delete(ctx context.Context, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, index)
	return nil
}

// Close is a no-op; records stay readable for inspection.
func (s *Store) Close() error { return nil }

var _ core.Journal = (*Store)(nil)
