package auth

import "context"

// Scopes granted to manual-trigger callers.
const (
	ScopeTrigger = "gdr:trigger"
	ScopeLock    = "gdr:lock"
	ScopeEvents  = "gdr:events"
)

// RoleAdmin bypasses scope checks.
const RoleAdmin = "gdr_admin"

type ctxKey struct{}

// Principal is the authenticated caller of a manual trigger.
type Principal struct {
	Sub      string          `json:"sub"`
	Scopes   map[string]bool `json:"scopes"`
	Roles    map[string]bool `json:"roles"`
	ClientID string          `json:"client_id"`
	Issuer   string          `json:"issuer"`
	Email    string          `json:"email"`
}

// WithPrincipal stores a Principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom extracts the Principal from the context.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok
}

func (p *Principal) HasScope(s string) bool {
	return p.Scopes[s]
}

func (p *Principal) HasAnyScope(scopes ...string) bool {
	for _, s := range scopes {
		if p.Scopes[s] {
			return true
		}
	}
	return false
}

func (p *Principal) IsAdmin() bool {
	return p.Roles[RoleAdmin]
}

func (p *Principal) HasRole(r string) bool {
	return p.Roles[r]
}

// Actor names the principal in logs and audit fields.
func (p *Principal) Actor() string {
	if p.Email != "" {
		return p.Email
	}
	return p.Sub
}
