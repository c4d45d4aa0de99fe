// Package memory provides an in-process session store.
package memory

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/gameroom/internal/storage"
)

// Store keeps snapshots in a map. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]storage.Snapshot
}

// New returns an empty Store.
func New() *Store {
	return &Store{snapshots: make(map[uuid.UUID]storage.Snapshot)}
}

// Save upserts a copy of s.
func (m *Store) Save(ctx context.Context, s storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.ID] = s.Clone()
	return nil
}

// Get returns the stored snapshot for id.
func (m *Store) Get(id uuid.UUID) (storage.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return storage.Snapshot{}, false
	}
	return s.Clone(), true
}

// Len returns the number of stored snapshots.
func (m *Store) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

// FindOpen yields copies of the unfinished snapshots present when iteration
// starts, oldest first.
func (m *Store) FindOpen(ctx context.Context) iter.Seq2[storage.Snapshot, error] {
	return func(yield func(storage.Snapshot, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(storage.Snapshot{}, err)
			return
		}
		m.mu.RLock()
		open := make([]storage.Snapshot, 0, len(m.snapshots))
		for _, s := range m.snapshots {
			if !s.Finished {
				open = append(open, s.Clone())
			}
		}
		m.mu.RUnlock()

		slices.SortFunc(open, func(a, b storage.Snapshot) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
		for _, s := range open {
			if !yield(s, nil) {
				return
			}
		}
	}
}
