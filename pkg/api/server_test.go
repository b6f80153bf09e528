package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

// validKeyService accepts any presented key with the wildcard scope.
type validKeyService struct {
	fakeKeyService
}

func (v *validKeyService) ValidateKey(ctx context.Context, key string) (*auth.APIKey, error) {
	return &auth.APIKey{ID: 1, Name: "test-key", Scopes: []auth.Scope{auth.ScopeAll}}, nil
}

func newTestServer(keys KeyService) *Server {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         "0",
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			IdleTimeout:  time.Second,
		},
		Limits: config.LimitsConfig{DailyUsageRecords: 1000},
	}
	deps := &Dependencies{
		Customers:     &fakeCustomerService{},
		Catalog:       &fakeCatalogService{},
		Subscriptions: &fakeSubscriptionService{},
		Usage:         &fakeUsageService{},
		Invoices:      &fakeInvoiceService{},
		Payments:      &fakePaymentService{},
		Checkout:      &fakeCheckoutService{},
		Endpoints:     &fakeEndpointService{},
		Ingestor:      &fakeIngestor{event: &webhooks.Event{ID: "wh_1", Type: "charge.succeeded"}},
		Keys:          keys,
		Audit:         &fakeAuditReader{},
		Recorder:      &recordingAudit{},
	}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewServer(cfg, deps, logger, nil)
}

func TestServerRejectsUnauthenticated(t *testing.T) {
	server := newTestServer(&fakeKeyService{})

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/plans", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerServesAuthenticatedRequest(t *testing.T) {
	server := newTestServer(&validKeyService{})

	req := httptest.NewRequest("GET", "/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer tally_abc123")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerGatewayRouteSkipsAuth(t *testing.T) {
	server := newTestServer(&fakeKeyService{})

	resp := postGatewayEvent(server.Router(), "t=1,v1=sig")

	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestServerRejectsNonJSONContentType(t *testing.T) {
	server := newTestServer(&validKeyService{})

	req := httptest.NewRequest("POST", "/v1/plans", strings.NewReader(`{"name":"Pro"}`))
	req.Header.Set("Authorization", "Bearer tally_abc123")
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerUnknownRoute(t *testing.T) {
	server := newTestServer(&validKeyService{})

	req := httptest.NewRequest("GET", "/v1/nope", nil)
	req.Header.Set("Authorization", "Bearer tally_abc123")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
