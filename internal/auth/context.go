package auth

import (
	"context"

	"collabsphere.org/internal/authz"
)

type identityContextKey struct{}
type gateTokenContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id authz.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (authz.Identity, bool) {
	if ctx == nil {
		return authz.Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*authz.Identity)
	if !ok || v == nil {
		return authz.Identity{}, false
	}
	return *v, true
}

// ContextWithGateToken stores the raw gate token inside the context so the
// session touch and organisation switch can reference the caller's session.
func ContextWithGateToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, gateTokenContextKey{}, token)
}

// GateTokenFromContext returns the raw gate token if previously attached.
func GateTokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(gateTokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
