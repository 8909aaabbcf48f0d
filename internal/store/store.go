// Package store provides allocation journal interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

// ErrNotFound is returned when an allocation does not exist.
var ErrNotFound = errors.New("allocation not found")

// AllocationStore persists the deploy/release history of an allocator.
// It satisfies allocator.Journal.
type AllocationStore interface {
	// Record stores a new allocation. Recording an existing ID overwrites it.
	Record(ctx context.Context, alloc *models.Allocation) error
	// MarkReleased sets the release time of an allocation. Marking an
	// already released allocation keeps the first release time.
	MarkReleased(ctx context.Context, id string, at time.Time) error
	// Get retrieves an allocation by ID.
	Get(ctx context.Context, id string) (*models.Allocation, error)
	// List returns every allocation for an allocator, newest first.
	List(ctx context.Context, allocator string) ([]*models.Allocation, error)
	// ListActive returns unreleased allocations for an allocator, newest first.
	ListActive(ctx context.Context, allocator string) ([]*models.Allocation, error)
	// Close releases underlying resources.
	Close() error
}
