package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultHierarchy is the builtin role chain. Each entry names its
// parent; a role is at least as privileged as everything on its parent
// chain, so super_admin subsumes admin, moderator, and user.
var DefaultHierarchy = []Role{
	{Name: "user"},
	{Name: "moderator", Parent: "user"},
	{Name: "admin", Parent: "moderator"},
	{Name: "super_admin", Parent: "admin"},
}

// NormalizeRole canonicalizes a role name for lookups.
func NormalizeRole(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolver answers privilege questions over the role forest.
type Resolver struct {
	store RoleStore
}

// NewResolver builds a Resolver over store.
func NewResolver(store RoleStore) *Resolver {
	return &Resolver{store: store}
}

// AncestryChain returns role names starting at name and walking parent
// references to a root. Unknown roles yield ErrRoleNotFound. A
// corrupted hierarchy that revisits a role yields ErrRoleCycle rather
// than looping; the data model forbids cycles, this is the guard for
// corrupted state.
func (r *Resolver) AncestryChain(ctx context.Context, name string) ([]string, error) {
	cur := NormalizeRole(name)
	if cur == "" {
		return nil, fmt.Errorf("%w: empty role name", ErrRoleNotFound)
	}
	visited := make(map[string]struct{})
	var chain []string
	for cur != "" {
		if _, seen := visited[cur]; seen {
			return nil, fmt.Errorf("%w: at %q", ErrRoleCycle, cur)
		}
		visited[cur] = struct{}{}
		role, err := r.store.Role(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, NormalizeRole(role.Name))
		cur = NormalizeRole(role.Parent)
	}
	return chain, nil
}

// IsAtLeast reports whether candidate is at least as privileged as
// floor, i.e. floor appears on candidate's ancestry chain. A floor
// outside candidate's lineage is simply insufficient (false), not an
// error.
func (r *Resolver) IsAtLeast(ctx context.Context, candidate, floor string) (bool, error) {
	chain, err := r.AncestryChain(ctx, candidate)
	if err != nil {
		return false, err
	}
	floor = NormalizeRole(floor)
	for _, name := range chain {
		if name == floor {
			return true, nil
		}
	}
	return false, nil
}

// IsExactMember is the strict-mode check: plain set membership, the
// hierarchy is bypassed entirely.
func IsExactMember(candidate string, allowed []string) bool {
	candidate = NormalizeRole(candidate)
	if candidate == "" {
		return false
	}
	for _, name := range allowed {
		if NormalizeRole(name) == candidate {
			return true
		}
	}
	return false
}

// StaticRoles is an in-memory RoleStore. It seeds the builtin
// hierarchy in tests and single-process deployments.
type StaticRoles struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewStaticRoles builds a StaticRoles holding the given definitions.
func NewStaticRoles(roles ...Role) *StaticRoles {
	s := &StaticRoles{roles: make(map[string]Role, len(roles))}
	for _, role := range roles {
		s.roles[NormalizeRole(role.Name)] = role
	}
	return s
}

// Role implements RoleStore.
func (s *StaticRoles) Role(_ context.Context, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[NormalizeRole(name)]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", ErrRoleNotFound, name)
	}
	return role, nil
}

// EnsureRoles implements RoleStore.
func (s *StaticRoles) EnsureRoles(_ context.Context, roles []Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range roles {
		key := NormalizeRole(role.Name)
		if _, ok := s.roles[key]; !ok {
			s.roles[key] = role
		}
	}
	return nil
}
