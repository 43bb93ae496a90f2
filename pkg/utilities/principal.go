package utilities

import "context"

// SystemActor is recorded in audit fields when no principal is attached to the context.
const SystemActor = "System"

// Principal is the authenticated caller, attached by the bearer middleware.
type Principal struct {
	ID    int64
	Name  string
	Roles []string
}

// HasRole reports whether the principal carries the role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Actor returns the name written to created_by / last_modified_by.
func Actor(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok && p.Name != "" {
		return p.Name
	}
	return SystemActor
}
