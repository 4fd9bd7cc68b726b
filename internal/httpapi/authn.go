package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"collabsphere.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/logout",
	"/v1/invites/preview",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withAuth is the guard on every protected route: extract the gate token,
// verify it, require a live session, touch it, and attach the identity to
// the request context. Every failure reads the same to the caller.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractGateToken(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		identity, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		a.auth.Touch(r.Context(), token)

		ctx := auth.ContextWithIdentity(r.Context(), identity)
		ctx = auth.ContextWithGateToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractGateToken reads the bearer header first and falls back to the
// same-named cookie.
func extractGateToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
			return "", errors.New("invalid authorization scheme")
		}
		token := strings.TrimSpace(header[len(bearer):])
		if token == "" {
			return "", errors.New("missing bearer token")
		}
		return token, nil
	}
	if c, err := r.Cookie(authHeader); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", errors.New("missing bearer token")
}
