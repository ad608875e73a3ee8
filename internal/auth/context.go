// ABOUTME: Authenticated principal carried through control plane operations
// ABOUTME: Provides WithPrincipal/FromContext for propagating identity via context

package auth

import (
	"context"
	"slices"
)

// Role names with administrative rights.
const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// Principal is an already-authenticated caller.
type Principal struct {
	ID    string   // user id, keys grants and usage rows
	Type  string   // "user" | "service"
	Roles []string // roles matched against role access rules
}

// IsAdmin returns true if the principal has admin or owner role.
func (p *Principal) IsAdmin() bool {
	if p == nil {
		return false
	}
	return p.HasRole(RoleAdmin) || p.HasRole(RoleOwner)
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

type principalKey struct{}

// WithPrincipal returns a new context with p attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the Principal from the context, returning nil if not present.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
