package auth

import (
	"context"

	"github.com/narvanalabs/mpi-allocator/internal/models"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is an authenticated caller.
type Principal struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	PublicKey string `json:"public_key,omitempty"`
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller attached by WithPrincipal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}

// PrincipalCredentials hands the caller's identity to the provisioner so a
// deployed server is reachable by whoever deployed it.
type PrincipalCredentials struct{}

// Credentials returns the principal in ctx as server credentials.
func (PrincipalCredentials) Credentials(ctx context.Context) (models.Credentials, error) {
	p := PrincipalFromContext(ctx)
	if p == nil {
		return models.Credentials{}, ErrUnauthenticated
	}
	return models.Credentials{
		User:      p.ID,
		PublicKey: p.PublicKey,
	}, nil
}
