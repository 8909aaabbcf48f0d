// Package memory provides an in-process allocation journal.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/mpi-allocator/internal/models"
	"github.com/narvanalabs/mpi-allocator/internal/store"
)

// Store keeps allocations in a map.
type Store struct {
	mu          sync.RWMutex
	allocations map[string]*models.Allocation
}

// New returns an empty store.
func New() *Store {
	return &Store{allocations: make(map[string]*models.Allocation)}
}

// Load returns a store seeded with allocs.
func Load(allocs []*models.Allocation) *Store {
	s := New()
	for _, a := range allocs {
		s.allocations[a.ID] = clone(a)
	}
	return s
}

// Record stores a copy of alloc.
func (s *Store) Record(_ context.Context, alloc *models.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[alloc.ID] = clone(alloc)
	return nil
}

// MarkReleased sets ReleasedAt once.
func (s *Store) MarkReleased(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if a.ReleasedAt == nil {
		t := at
		a.ReleasedAt = &t
	}
	return nil
}

// Get returns a copy of one allocation.
func (s *Store) Get(_ context.Context, id string) (*models.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.allocations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return clone(a), nil
}

// List returns all allocations for allocator, newest first.
func (s *Store) List(_ context.Context, allocator string) ([]*models.Allocation, error) {
	return s.filter(allocator, false), nil
}

// ListActive returns unreleased allocations for allocator, newest first.
func (s *Store) ListActive(_ context.Context, allocator string) ([]*models.Allocation, error) {
	return s.filter(allocator, true), nil
}

// All returns every allocation regardless of allocator, newest first.
func (s *Store) All() []*models.Allocation {
	return s.filter("", false)
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) filter(allocator string, activeOnly bool) []*models.Allocation {
	s.mu.RLock()
	out := make([]*models.Allocation, 0, len(s.allocations))
	for _, a := range s.allocations {
		if allocator != "" && a.Allocator != allocator {
			continue
		}
		if activeOnly && !a.Active() {
			continue
		}
		out = append(out, clone(a))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func clone(a *models.Allocation) *models.Allocation {
	c := *a
	c.Hosts = append([]string(nil), a.Hosts...)
	if a.ReleasedAt != nil {
		t := *a.ReleasedAt
		c.ReleasedAt = &t
	}
	return &c
}
