package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

type fakeEndpointService struct {
	getErr   error
	statuses map[string]bool
}

func (f *fakeEndpointService) CreateEndpoint(ctx context.Context, req *webhooks.CreateEndpointRequest) (*webhooks.Endpoint, error) {
	return &webhooks.Endpoint{ID: "we_1", URL: req.URL, Secret: "whsec_abc",
		EventTypes: req.EventTypes, Active: true}, nil
}

func (f *fakeEndpointService) GetEndpoint(ctx context.Context, id string) (*webhooks.Endpoint, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &webhooks.Endpoint{ID: id, URL: "https://example.com/hooks", Active: true}, nil
}

func (f *fakeEndpointService) ListEndpoints(ctx context.Context) ([]*webhooks.Endpoint, error) {
	return []*webhooks.Endpoint{{ID: "we_1"}}, nil
}

func (f *fakeEndpointService) SetEndpointActive(ctx context.Context, id string, active bool) error {
	if f.statuses == nil {
		f.statuses = make(map[string]bool)
	}
	f.statuses[id] = active
	return nil
}

func (f *fakeEndpointService) DeleteEndpoint(ctx context.Context, id string) error {
	return nil
}

func endpointRouter(svc EndpointService, rec audit.Recorder) *mux.Router {
	return newTestRouter(func(r *mux.Router) {
		NewWebhookHandlers(svc, rec).RegisterRoutes(r)
	})
}

func TestCreateWebhookEndpoint(t *testing.T) {
	rec := &recordingAudit{}
	router := endpointRouter(&fakeEndpointService{}, rec)

	resp := doRequest(router, "POST", "/v1/webhook_endpoints",
		map[string]interface{}{"url": "https://example.com/hooks",
			"event_types": []string{"invoice.finalized"}},
		auth.ScopeWebhooksManage)

	require.Equal(t, http.StatusCreated, resp.Code)
	var endpoint webhooks.Endpoint
	decodeBody(t, resp, &endpoint)
	assert.Equal(t, "whsec_abc", endpoint.Secret)
	assert.Equal(t, []audit.EventType{audit.EventEndpointCreated}, rec.recorded())
}

func TestCreateWebhookEndpointRejectsBadURL(t *testing.T) {
	router := endpointRouter(&fakeEndpointService{}, nil)

	resp := doRequest(router, "POST", "/v1/webhook_endpoints",
		map[string]string{"url": "not a url"}, auth.ScopeWebhooksManage)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestDisableWebhookEndpoint(t *testing.T) {
	svc := &fakeEndpointService{}
	rec := &recordingAudit{}
	router := endpointRouter(svc, rec)

	resp := doRequest(router, "POST", "/v1/webhook_endpoints/we_1/disable",
		nil, auth.ScopeWebhooksManage)

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.False(t, svc.statuses["we_1"])
	assert.Equal(t, []audit.EventType{audit.EventEndpointDisabled}, rec.recorded())
}

func TestEnableWebhookEndpointNotAudited(t *testing.T) {
	svc := &fakeEndpointService{}
	rec := &recordingAudit{}
	router := endpointRouter(svc, rec)

	resp := doRequest(router, "POST", "/v1/webhook_endpoints/we_1/enable",
		nil, auth.ScopeWebhooksManage)

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.True(t, svc.statuses["we_1"])
	assert.Empty(t, rec.recorded())
}

func TestGetWebhookEndpointNotFound(t *testing.T) {
	router := endpointRouter(&fakeEndpointService{getErr: webhooks.ErrEndpointNotFound}, nil)

	resp := doRequest(router, "GET", "/v1/webhook_endpoints/we_missing",
		nil, auth.ScopeWebhooksManage)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestWebhookEndpointsNeedManageScope(t *testing.T) {
	router := endpointRouter(&fakeEndpointService{}, nil)

	resp := doRequest(router, "GET", "/v1/webhook_endpoints", nil, auth.ScopeInvoicesRead)

	assert.Equal(t, http.StatusForbidden, resp.Code)
}
