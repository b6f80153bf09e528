package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/contextkeys"
	"github.com/platinummonkey/tally/pkg/httputil"
)

// KeyValidator checks a presented API key. *auth.PostgresKeyStore
// satisfies this.
type KeyValidator interface {
	ValidateKey(ctx context.Context, key string) (*auth.APIKey, error)
}

// AuthMiddleware authenticates requests with bearer API keys
type AuthMiddleware struct {
	keys     KeyValidator
	optional bool
}

// NewAuthMiddleware creates an authentication middleware. When optional is
// true, requests without an Authorization header pass through
// unauthenticated; protected routes still fail at RequireScope.
func NewAuthMiddleware(keys KeyValidator, optional bool) *AuthMiddleware {
	return &AuthMiddleware{keys: keys, optional: optional}
}

// Handler wraps an HTTP handler with API key authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		apiKey, err := m.keys.ValidateKey(r.Context(), parts[1])
		if err != nil {
			if errors.Is(err, auth.ErrKeyRevoked) {
				httputil.WriteUnauthorized(w, "api key revoked")
				return
			}
			httputil.WriteUnauthorized(w, "invalid api key")
			return
		}

		authCtx := &auth.AuthContext{Key: apiKey, Scopes: apiKey.Scopes}
		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = audit.WithActor(ctx, apiKey.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts the auth context from a request, nil when
// unauthenticated.
func GetAuthContext(r *http.Request) *auth.AuthContext {
	v := r.Context().Value(contextkeys.AuthKey)
	if v == nil {
		return nil
	}
	authCtx, ok := v.(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// RequireScope creates middleware that checks for a specific scope
func RequireScope(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			if !authCtx.HasScope(scope) {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
