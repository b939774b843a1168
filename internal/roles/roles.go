package roles

import "github.com/ImThienz/BlockChain/internal/models"

// Registry maps identities to their provisioned role. It is built once at
// startup and never mutated, so lookups need no locking.
type Registry struct {
	assignments map[string]models.Role
}

// NewRegistry copies the given assignments into an immutable registry.
func NewRegistry(assignments map[string]models.Role) *Registry {
	m := make(map[string]models.Role, len(assignments))
	for identity, role := range assignments {
		m[identity] = role
	}
	return &Registry{assignments: m}
}

// RoleOf returns the role assigned to identity, or RoleUnset for unknown
// identities.
func (r *Registry) RoleOf(identity string) models.Role {
	return r.assignments[identity]
}

// IsAdmin reports whether identity holds the ADMIN role.
func (r *Registry) IsAdmin(identity string) bool {
	return r.assignments[identity] == models.RoleAdmin
}

// Known reports whether identity has any role at all. Identities without a
// role cannot authenticate.
func (r *Registry) Known(identity string) bool {
	return r.assignments[identity] != models.RoleUnset
}
