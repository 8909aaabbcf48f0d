package auth

import "errors"

// RBAC errors.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRole      = errors.New("invalid role")
	ErrUnauthenticated  = errors.New("authentication required")
)

// Role is a caller's access level.
type Role string

const (
	// RoleOwner may do everything, including reconfiguring the allocator.
	RoleOwner Role = "owner"
	// RoleMember may query the allocator and manage servers.
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// ParseRole converts a string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", ErrInvalidRole
	}
	return r, nil
}

// Permission represents an action that can be performed.
type Permission string

const (
	// PermissionQuery allows compatibility checks, estimates, and status reads.
	PermissionQuery Permission = "query"
	// PermissionDeploy allows reserving nodes and starting servers.
	PermissionDeploy Permission = "deploy"
	// PermissionRelease allows releasing servers.
	PermissionRelease Permission = "release"
	// PermissionReleaseAny allows releasing servers deployed by someone else.
	PermissionReleaseAny Permission = "release_any"
	// PermissionConfigure allows changing descriptive allocator settings.
	PermissionConfigure Permission = "configure"
)

// rolePermissions defines which permissions each role has.
var rolePermissions = map[Role][]Permission{
	RoleOwner: {
		PermissionQuery,
		PermissionDeploy,
		PermissionRelease,
		PermissionReleaseAny,
		PermissionConfigure,
	},
	RoleMember: {
		PermissionQuery,
		PermissionDeploy,
		PermissionRelease,
	},
}

// CheckRolePermission checks if a role has a specific permission.
func CheckRolePermission(role Role, permission Permission) error {
	permissions, ok := rolePermissions[role]
	if !ok {
		return ErrPermissionDenied
	}
	for _, p := range permissions {
		if p == permission {
			return nil
		}
	}
	return ErrPermissionDenied
}
