package allocator

import (
	"errors"
	"fmt"

	"github.com/narvanalabs/mpi-allocator/internal/nodepool"
)

// Allocator errors. ErrUnavailable and ErrConflict share identity with the
// pool's errors so callers can match either layer.
var (
	// ErrIncompatible is returned when a request cannot be served by this allocator.
	ErrIncompatible = errors.New("request incompatible with allocator")
	// ErrUnavailable is returned when too few nodes are free right now.
	ErrUnavailable = nodepool.ErrUnavailable
	// ErrConflict is returned when proposed nodes were taken by a concurrent deploy.
	ErrConflict = nodepool.ErrConflict
	// ErrProvisioning is returned when the server could not be started on reserved nodes.
	ErrProvisioning = errors.New("server provisioning failed")
	// ErrHandleNotFound is returned when a handle ID is not registered.
	ErrHandleNotFound = errors.New("server handle not found")
	// ErrTeardown is returned by release when the nodes were freed but the
	// server could not be stopped.
	ErrTeardown = errors.New("server teardown failed")
)

// IncompatibleError names the offending request key.
// Transient is set when the request could be served once nodes free up.
type IncompatibleError struct {
	Key       string
	Reason    string
	Transient bool
}

func (e *IncompatibleError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s", ErrIncompatible, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrIncompatible, e.Key, e.Reason)
}

// Is makes errors.Is(err, ErrIncompatible) hold for an IncompatibleError.
func (e *IncompatibleError) Is(target error) bool {
	return target == ErrIncompatible
}

// CapacityError reports a request for more nodes than the pool holds in
// total. It matches ErrUnavailable, but freeing nodes never satisfies it.
type CapacityError struct {
	Want     int
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: want %d, pool has %d nodes in total", ErrUnavailable, e.Want, e.Capacity)
}

// Is makes errors.Is(err, ErrUnavailable) hold for a CapacityError.
func (e *CapacityError) Is(target error) bool {
	return target == ErrUnavailable
}

// IsTransient reports whether err only reflects the current free-node count.
func IsTransient(err error) bool {
	var ie *IncompatibleError
	if errors.As(err, &ie) {
		return ie.Transient
	}
	var ce *CapacityError
	if errors.As(err, &ce) {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict)
}
