package provision

import (
	"context"
	"sync"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

// Backend is one way of starting servers.
type Backend interface {
	Provision(ctx context.Context, req models.ProvisionRequest) (models.ServerInfo, error)
	Teardown(ctx context.Context, server models.ServerInfo) error
}

// Router sends MPI requests to Remote and everything else to Local.
// Teardown goes to whichever backend started the server.
type Router struct {
	Remote Backend
	Local  Backend

	mu      sync.Mutex
	started map[string]Backend
}

// NewRouter builds a Router. Either backend may be nil when that mode is unused.
func NewRouter(remote, local Backend) *Router {
	return &Router{Remote: remote, Local: local, started: make(map[string]Backend)}
}

func (r *Router) pick(mpi bool) Backend {
	if mpi && r.Remote != nil {
		return r.Remote
	}
	if r.Local != nil {
		return r.Local
	}
	return r.Remote
}

// Provision dispatches on req.MPI.
func (r *Router) Provision(ctx context.Context, req models.ProvisionRequest) (models.ServerInfo, error) {
	b := r.pick(req.MPI)
	if b == nil {
		return models.ServerInfo{}, ErrNoCommand
	}
	info, err := b.Provision(ctx, req)
	if err != nil {
		return info, err
	}
	r.mu.Lock()
	r.started[info.ID] = b
	r.mu.Unlock()
	return info, nil
}

// Teardown dispatches to the backend that started server.
func (r *Router) Teardown(ctx context.Context, server models.ServerInfo) error {
	r.mu.Lock()
	b, ok := r.started[server.ID]
	delete(r.started, server.ID)
	r.mu.Unlock()

	if !ok {
		return ErrUnknownServer
	}
	return b.Teardown(ctx, server)
}
