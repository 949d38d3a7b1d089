package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultDeferredKey is the stable key the deferred rating list lives under.
const DefaultDeferredKey = "ntuber_skipped_ratings"

// DeferredStore persists the ride ids whose rating step the local user skipped.
// Entries are never removed.
type DeferredStore interface {
	Load(ctx context.Context) ([]uint64, error)
	Add(ctx context.Context, id uint64) error
}

// DeferredSet is the in-memory view of a DeferredStore. Reads never touch
// the backend, so reconciliation can consult it synchronously.
type DeferredSet struct {
	mu      sync.RWMutex
	ids     map[uint64]struct{}
	unsaved map[uint64]struct{}
	backend DeferredStore
}

// NewDeferredSet loads the persisted ids from backend.
func NewDeferredSet(ctx context.Context, backend DeferredStore) (*DeferredSet, error) {
	s := &DeferredSet{ids: make(map[uint64]struct{}), unsaved: make(map[uint64]struct{}), backend: backend}
	if backend == nil {
		return s, nil
	}
	ids, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s, nil
}

func (s *DeferredSet) IsDeferred(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Defer adds id to the set. The id is deferred locally even when the backend
// write fails; it stays unsaved and every later Defer retries it.
func (s *DeferredSet) Defer(ctx context.Context, id uint64) error {
	s.mu.Lock()
	if _, seen := s.ids[id]; !seen {
		s.ids[id] = struct{}{}
		if s.backend != nil {
			s.unsaved[id] = struct{}{}
		}
	}
	pending := make([]uint64, 0, len(s.unsaved))
	for u := range s.unsaved {
		pending = append(pending, u)
	}
	s.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	var errs []error
	for _, u := range pending {
		if err := s.backend.Add(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("persist deferred ride %d: %w", u, err))
			continue
		}
		s.mu.Lock()
		delete(s.unsaved, u)
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Unsaved returns the ids the backend has not accepted yet.
func (s *DeferredSet) Unsaved() []uint64 {
	s.mu.RLock()
	out := make([]uint64, 0, len(s.unsaved))
	for id := range s.unsaved {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IDs returns the deferred ids in ascending order.
func (s *DeferredSet) IDs() []uint64 {
	s.mu.RLock()
	out := make([]uint64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MemoryStore keeps deferred ids for the lifetime of the process only.
type MemoryStore struct {
	mu  sync.RWMutex
	ids []uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint64(nil), m.ids...), nil
}

func (m *MemoryStore) Add(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.ids {
		if v == id {
			return nil
		}
	}
	m.ids = append(m.ids, id)
	return nil
}
