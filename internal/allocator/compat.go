package allocator

import (
	"fmt"
	"sort"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

// checkStatic validates everything about a request that does not depend on
// current node state.
func checkStatic(req *models.ResourceRequest) error {
	if req == nil {
		return &IncompatibleError{Reason: "empty request"}
	}

	if len(req.Invalid) > 0 {
		keys := make([]string, 0, len(req.Invalid))
		for k := range req.Invalid {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return &IncompatibleError{Key: keys[0], Reason: req.Invalid[keys[0]]}
	}

	if len(req.Unrecognized) > 0 {
		return &IncompatibleError{Key: req.Unrecognized[0], Reason: "unrecognized key"}
	}

	if req.Localhost {
		return &IncompatibleError{Key: models.KeyLocalhost, Reason: "local-only requests are not served"}
	}

	if req.HasMinCPUs() && req.CPUs() < 1 {
		return &IncompatibleError{Key: models.KeyMinCPUs, Reason: fmt.Sprintf("must be at least 1, got %d", req.CPUs())}
	}

	return nil
}

// CheckCompatibility reports whether the request could be served right now.
// min_cpus is compared with the current free-node count; max_cpus is accepted
// and ignored. The returned error is nil or an *IncompatibleError. It never
// reserves nodes.
func (a *Allocator) CheckCompatibility(req *models.ResourceRequest) error {
	if err := checkStatic(req); err != nil {
		return err
	}
	if !req.HasMinCPUs() {
		return nil
	}

	want := req.CPUs()
	free := a.pool.FreeCount()
	if free >= want {
		return nil
	}

	capacity := a.pool.Capacity()
	return &IncompatibleError{
		Key:       models.KeyMinCPUs,
		Reason:    fmt.Sprintf("%d nodes requested, %d free of %d", want, free, capacity),
		Transient: want <= capacity,
	}
}
