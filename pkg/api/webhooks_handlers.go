package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

// EndpointService is the slice of the webhook endpoint store the API needs.
type EndpointService interface {
	CreateEndpoint(ctx context.Context, req *webhooks.CreateEndpointRequest) (*webhooks.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (*webhooks.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*webhooks.Endpoint, error)
	SetEndpointActive(ctx context.Context, id string, active bool) error
	DeleteEndpoint(ctx context.Context, id string) error
}

var _ EndpointService = (*webhooks.EndpointStore)(nil)

// WebhookHandlers serves outbound webhook endpoint management.
type WebhookHandlers struct {
	endpoints EndpointService
	recorder  audit.Recorder
}

// NewWebhookHandlers creates webhook endpoint handlers.
func NewWebhookHandlers(store EndpointService, rec audit.Recorder) *WebhookHandlers {
	return &WebhookHandlers{endpoints: store, recorder: rec}
}

// RegisterRoutes registers webhook endpoint routes on the router.
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/webhook_endpoints", scoped(auth.ScopeWebhooksManage, h.CreateEndpoint)).Methods("POST")
	router.Handle("/webhook_endpoints", scoped(auth.ScopeWebhooksManage, h.ListEndpoints)).Methods("GET")
	router.Handle("/webhook_endpoints/{endpointID}",
		scoped(auth.ScopeWebhooksManage, h.GetEndpoint)).Methods("GET")
	router.Handle("/webhook_endpoints/{endpointID}/enable",
		scoped(auth.ScopeWebhooksManage, h.EnableEndpoint)).Methods("POST")
	router.Handle("/webhook_endpoints/{endpointID}/disable",
		scoped(auth.ScopeWebhooksManage, h.DisableEndpoint)).Methods("POST")
	router.Handle("/webhook_endpoints/{endpointID}",
		scoped(auth.ScopeWebhooksManage, h.DeleteEndpoint)).Methods("DELETE")
}

// CreateEndpoint handles POST /v1/webhook_endpoints. The signing secret is
// returned only in this response; store it.
func (h *WebhookHandlers) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req webhooks.CreateEndpointRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	endpoint, err := h.endpoints.CreateEndpoint(r.Context(), &req)
	if err != nil {
		writeEndpointError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventEndpointCreated,
		audit.ObjectWebhookEndpoint, endpoint.ID, map[string]string{"url": endpoint.URL})
	httputil.WriteCreated(w, endpoint)
}

// GetEndpoint handles GET /v1/webhook_endpoints/{endpointID}
func (h *WebhookHandlers) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "endpointID")
	if !ok {
		return
	}

	endpoint, err := h.endpoints.GetEndpoint(r.Context(), id)
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	httputil.WriteSuccess(w, endpoint)
}

// ListEndpoints handles GET /v1/webhook_endpoints
func (h *WebhookHandlers) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.endpoints.ListEndpoints(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteList(w, endpoints, false, int64(len(endpoints)))
}

// EnableEndpoint handles POST /v1/webhook_endpoints/{endpointID}/enable
func (h *WebhookHandlers) EnableEndpoint(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DisableEndpoint handles POST /v1/webhook_endpoints/{endpointID}/disable
func (h *WebhookHandlers) DisableEndpoint(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *WebhookHandlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := httputil.ParsePathStringOrError(w, r, "endpointID")
	if !ok {
		return
	}

	if err := h.endpoints.SetEndpointActive(r.Context(), id, active); err != nil {
		writeEndpointError(w, err)
		return
	}

	if !active {
		recordAudit(r.Context(), h.recorder, audit.EventEndpointDisabled,
			audit.ObjectWebhookEndpoint, id, nil)
	}
	httputil.WriteNoContent(w)
}

// DeleteEndpoint handles DELETE /v1/webhook_endpoints/{endpointID}
func (h *WebhookHandlers) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "endpointID")
	if !ok {
		return
	}

	if err := h.endpoints.DeleteEndpoint(r.Context(), id); err != nil {
		writeEndpointError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func writeEndpointError(w http.ResponseWriter, err error) {
	if errors.Is(err, webhooks.ErrEndpointNotFound) {
		httputil.WriteNotFound(w, "webhook endpoint not found")
		return
	}
	httputil.WriteInternalError(w, err)
}
