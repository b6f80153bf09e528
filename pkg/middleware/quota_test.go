package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/tally/pkg/auth"
)

func authedRequest(t *testing.T, m *AuthMiddleware, inner http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer tally_abc123")
	rec := httptest.NewRecorder()
	m.Handler(inner).ServeHTTP(rec, req)
	return rec
}

func TestEnforceUsageQuota(t *testing.T) {
	client := newRedisClient(t)
	quota := NewQuotaMiddleware(client, &QuotaConfig{DailyUsageRecords: 2})
	authMW := NewAuthMiddleware(&fakeValidator{key: billingKey(auth.ScopeUsageWrite)}, false)

	handler := quota.EnforceUsageQuota(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	assert.Equal(t, http.StatusOK, authedRequest(t, authMW, handler).Code)
	assert.Equal(t, http.StatusOK, authedRequest(t, authMW, handler).Code)
	assert.Equal(t, http.StatusForbidden, authedRequest(t, authMW, handler).Code)
}

func TestEnforceUsageQuotaUnauthenticatedPassesThrough(t *testing.T) {
	client := newRedisClient(t)
	quota := NewQuotaMiddleware(client, &QuotaConfig{DailyUsageRecords: 1})

	handler := quota.EnforceUsageQuota(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/usage", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnforceUsageQuotaDisabled(t *testing.T) {
	client := newRedisClient(t)
	quota := NewQuotaMiddleware(client, &QuotaConfig{DailyUsageRecords: 0})
	authMW := NewAuthMiddleware(&fakeValidator{key: billingKey(auth.ScopeUsageWrite)}, false)

	handler := quota.EnforceUsageQuota(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, authedRequest(t, authMW, handler).Code)
	}
}

func TestEnforceUsageQuotaFailsOpen(t *testing.T) {
	client := newRedisClient(t)
	quota := NewQuotaMiddleware(client, &QuotaConfig{DailyUsageRecords: 1})
	authMW := NewAuthMiddleware(&fakeValidator{key: billingKey(auth.ScopeUsageWrite)}, false)
	client.Close()

	handler := quota.EnforceUsageQuota(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	assert.Equal(t, http.StatusOK, authedRequest(t, authMW, handler).Code)
	assert.Equal(t, http.StatusOK, authedRequest(t, authMW, handler).Code)
}
