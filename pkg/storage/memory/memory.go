package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/searchsampler/pkg/sample"
	"github.com/nicktill/searchsampler/pkg/storage"
)

// Storage keeps datasets in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	datasets map[storage.Dataset]*sample.Table
	saves    int
	mu       sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		datasets: make(map[storage.Dataset]*sample.Table),
	}
}

// Save stores table under ds
func (s *Storage) Save(ctx context.Context, ds storage.Dataset, table *sample.Table, mode storage.Mode) (*storage.SaveResult, error) {
	if err := ds.Validate(); err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged, added, skipped, err := storage.Merge(s.datasets[ds], table, mode)
	if err != nil {
		return nil, &storage.Error{Op: "save", Dataset: ds, Err: err}
	}
	s.datasets[ds] = merged
	s.saves++

	return &storage.SaveResult{
		Dataset:   ds,
		Mode:      mode,
		Location:  "memory://" + ds.String(),
		Added:     added,
		Skipped:   skipped,
		TotalRows: merged.Len(),
		SavedAt:   time.Now(),
	}, nil
}

// Load returns a copy of the stored table
func (s *Storage) Load(ctx context.Context, ds storage.Dataset) (*sample.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.datasets[ds]
	if !ok {
		return nil, &storage.Error{Op: "load", Dataset: ds, Err: storage.ErrNotFound}
	}
	return t.Clone(), nil
}

// Saves returns how many successful saves were made
func (s *Storage) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}
