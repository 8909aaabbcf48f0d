package auth

import (
	"context"
	"log/slog"

	"github.com/narvanalabs/mpi-allocator/internal/allocator"
	"github.com/narvanalabs/mpi-allocator/internal/models"
)

// Guard enforces role permissions in front of an allocator. Every remote
// surface calls the allocator through a Guard.
type Guard struct {
	alloc  *allocator.Allocator
	logger *slog.Logger
}

// NewGuard wraps alloc.
func NewGuard(alloc *allocator.Allocator, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		alloc:  alloc,
		logger: logger,
	}
}

// Allocator returns the wrapped allocator.
func (g *Guard) Allocator() *allocator.Allocator {
	return g.alloc
}

// authorize returns the caller if it holds permission.
func (g *Guard) authorize(ctx context.Context, permission Permission) (*Principal, error) {
	p := PrincipalFromContext(ctx)
	if p == nil {
		return nil, ErrUnauthenticated
	}
	if err := CheckRolePermission(p.Role, permission); err != nil {
		g.logger.Debug("permission denied",
			"principal_id", p.ID,
			"role", p.Role,
			"permission", permission,
		)
		return nil, err
	}
	return p, nil
}

// CheckCompatibility requires PermissionQuery.
func (g *Guard) CheckCompatibility(ctx context.Context, req *models.ResourceRequest) error {
	if _, err := g.authorize(ctx, PermissionQuery); err != nil {
		return err
	}
	return g.alloc.CheckCompatibility(req)
}

// Estimate requires PermissionQuery.
func (g *Guard) Estimate(ctx context.Context, req *models.ResourceRequest) (int, *models.Criteria, error) {
	if _, err := g.authorize(ctx, PermissionQuery); err != nil {
		return 0, nil, err
	}
	score, criteria := g.alloc.Estimate(req)
	return score, criteria, nil
}

// MaxServers requires PermissionQuery.
func (g *Guard) MaxServers(ctx context.Context, req *models.ResourceRequest) (int, error) {
	if _, err := g.authorize(ctx, PermissionQuery); err != nil {
		return 0, err
	}
	return g.alloc.MaxServers(req)
}

// Status requires PermissionQuery.
func (g *Guard) Status(ctx context.Context) (models.PoolStatus, error) {
	if _, err := g.authorize(ctx, PermissionQuery); err != nil {
		return models.PoolStatus{}, err
	}
	return g.alloc.Status(), nil
}

// Handles requires PermissionQuery.
func (g *Guard) Handles(ctx context.Context) ([]*models.ServerHandle, error) {
	if _, err := g.authorize(ctx, PermissionQuery); err != nil {
		return nil, err
	}
	return g.alloc.Handles(), nil
}

// Handle requires PermissionQuery.
func (g *Guard) Handle(ctx context.Context, id string) (*models.ServerHandle, error) {
	if _, err := g.authorize(ctx, PermissionQuery); err != nil {
		return nil, err
	}
	return g.alloc.Handle(id)
}

// Deploy requires PermissionDeploy.
func (g *Guard) Deploy(ctx context.Context, name string, req *models.ResourceRequest, criteria *models.Criteria) (*models.ServerHandle, error) {
	if _, err := g.authorize(ctx, PermissionDeploy); err != nil {
		return nil, err
	}
	return g.alloc.Deploy(ctx, name, req, criteria)
}

// Release requires PermissionRelease, and PermissionReleaseAny for handles
// the caller does not own.
func (g *Guard) Release(ctx context.Context, id string) error {
	p, err := g.authorize(ctx, PermissionRelease)
	if err != nil {
		return err
	}

	h, err := g.alloc.Handle(id)
	if err != nil {
		return err
	}
	if h.Owner != p.ID {
		if err := CheckRolePermission(p.Role, PermissionReleaseAny); err != nil {
			g.logger.Debug("release of foreign handle denied",
				"principal_id", p.ID,
				"handle_id", id,
				"owner", h.Owner,
			)
			return err
		}
	}

	return g.alloc.ReleaseByID(ctx, id)
}

// Configure requires PermissionConfigure.
func (g *Guard) Configure(ctx context.Context, update allocator.ConfigUpdate) error {
	if _, err := g.authorize(ctx, PermissionConfigure); err != nil {
		return err
	}
	g.alloc.Configure(update)
	return nil
}
