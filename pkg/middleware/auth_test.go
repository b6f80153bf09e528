package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
)

type fakeValidator struct {
	key *auth.APIKey
	err error
}

func (f *fakeValidator) ValidateKey(ctx context.Context, key string) (*auth.APIKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.key, nil
}

func billingKey(scopes ...auth.Scope) *auth.APIKey {
	return &auth.APIKey{ID: 7, Name: "ops-key", Scopes: scopes}
}

func TestAuthMiddlewareSetsContext(t *testing.T) {
	m := NewAuthMiddleware(&fakeValidator{key: billingKey(auth.ScopeAll)}, false)

	var gotAuth *auth.AuthContext
	var gotActor string
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = GetAuthContext(r)
		gotActor = audit.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/v1/customers", nil)
	req.Header.Set("Authorization", "Bearer tally_abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotAuth)
	assert.Equal(t, int64(7), gotAuth.Key.ID)
	assert.Equal(t, "ops-key", gotActor)
}

func TestAuthMiddlewareMissingHeader(t *testing.T) {
	m := NewAuthMiddleware(&fakeValidator{key: billingKey()}, false)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/customers", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareOptionalPassesThrough(t *testing.T) {
	m := NewAuthMiddleware(&fakeValidator{key: billingKey()}, true)

	called := false
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, GetAuthContext(r))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareBadFormat(t *testing.T) {
	m := NewAuthMiddleware(&fakeValidator{key: billingKey()}, false)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/v1/customers", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareRevokedKey(t *testing.T) {
	m := NewAuthMiddleware(&fakeValidator{err: auth.ErrKeyRevoked}, false)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/v1/customers", nil)
	req.Header.Set("Authorization", "Bearer tally_revoked")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "revoked")
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []auth.Scope
		want   int
	}{
		{"exact scope", []auth.Scope{auth.ScopeInvoicesWrite}, http.StatusOK},
		{"wildcard", []auth.Scope{auth.ScopeAll}, http.StatusOK},
		{"wrong scope", []auth.Scope{auth.ScopeUsageWrite}, http.StatusForbidden},
		{"no scopes", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewAuthMiddleware(&fakeValidator{key: billingKey(tt.scopes...)}, false)
			handler := m.Handler(RequireScope(auth.ScopeInvoicesWrite)(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

			req := httptest.NewRequest("POST", "/v1/invoices/inv_1/finalize", nil)
			req.Header.Set("Authorization", "Bearer tally_abc123")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireScopeUnauthenticated(t *testing.T) {
	handler := RequireScope(auth.ScopeInvoicesRead)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/invoices", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
