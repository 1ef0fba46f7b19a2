// Package auth resolves API keys to acting identities and makes them
// available on the request context.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/strandhq/toolbind/pkg/types"
)

type contextKey string

const identityKey contextKey = "identity"

// IdentityFromContext extracts the authenticated identity from the context.
// The second return is false on unauthenticated contexts (health probes).
func IdentityFromContext(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(identityKey).(types.Identity)
	return id, ok
}

// WithIdentity attaches an identity to a context. Intended for tests and
// internal callers that bypass the HTTP surface.
func WithIdentity(ctx context.Context, id types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Middleware returns an http middleware that validates API keys and sets the
// identity on the request context.
func Middleware(keys *KeyStore) func(http.Handler) http.Handler {
	skipPaths := map[string]bool{
		"/healthz": true,
		"/readyz":  true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
					apiKey = strings.TrimPrefix(bearer, "Bearer ")
				}
			}

			if apiKey == "" {
				writeUnauthorized(w, "missing API key")
				return
			}
			identity, ok := keys.Lookup(apiKey)
			if !ok {
				writeUnauthorized(w, "invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"kind": "unauthorized", "message": msg})
}
