// ABOUTME: Carries the authenticated agent through request handlers
// ABOUTME: Provides WithAgent/AgentFromContext for propagating identity via context

package auth

import "context"

// AgentIdentity is the authenticated caller of an HTTP request.
type AgentIdentity struct {
	Name        string
	Permissions []string
}

// Has reports whether the identity carries perm.
func (a *AgentIdentity) Has(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type agentContextKey struct{}

// WithAgent returns a context carrying identity.
func WithAgent(ctx context.Context, identity *AgentIdentity) context.Context {
	return context.WithValue(ctx, agentContextKey{}, identity)
}

// AgentFromContext returns the identity stored in ctx, or nil.
func AgentFromContext(ctx context.Context) *AgentIdentity {
	identity, _ := ctx.Value(agentContextKey{}).(*AgentIdentity)
	return identity
}
