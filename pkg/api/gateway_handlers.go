package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

// GatewayIngestor is the slice of the webhook ingestor the receiver needs.
type GatewayIngestor interface {
	Ingest(ctx context.Context, payload []byte, sigHeader string) (*webhooks.Event, bool, error)
	Process(ctx context.Context, event *webhooks.Event) error
}

var _ GatewayIngestor = (*webhooks.Ingestor)(nil)

// GatewayHandlers receives signed events from the payment gateway. This is
// the one route outside /v1; it authenticates by payload signature.
type GatewayHandlers struct {
	ingestor GatewayIngestor
	logger   *observability.Logger
}

// NewGatewayHandlers creates the gateway receiver.
func NewGatewayHandlers(ingestor GatewayIngestor, logger *observability.Logger) *GatewayHandlers {
	return &GatewayHandlers{ingestor: ingestor, logger: logger}
}

// RegisterRoutes registers the receiver route on the router.
func (h *GatewayHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/gateway", h.ReceiveEvent).Methods("POST")
}

// gatewayAck is the receiver response body.
type gatewayAck struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventID   string `json:"event_id,omitempty"`
}

// ReceiveEvent handles POST /webhooks/gateway. The event is durably stored
// before the 200 goes out; handler failures are retried by the biller's
// reprocess loop, not by making the gateway redeliver.
func (h *GatewayHandlers) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	event, duplicate, err := h.ingestor.Ingest(r.Context(), payload,
		r.Header.Get(webhooks.SignatureHeader))
	if err != nil {
		writeIngestError(w, err)
		return
	}

	if !duplicate {
		if err := h.ingestor.Process(r.Context(), event); err != nil {
			h.logger.WithError(err).WithField("event_id", event.ID).
				Warn("gateway event stored but processing failed")
		}
	}

	httputil.WriteSuccess(w, &gatewayAck{Received: true, Duplicate: duplicate, EventID: event.ID})
}

func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhooks.ErrSignatureMalformed),
		errors.Is(err, webhooks.ErrSignatureMismatch),
		errors.Is(err, webhooks.ErrSignatureExpired):
		httputil.WriteUnauthorized(w, "invalid signature")
	case errors.Is(err, webhooks.ErrInvalidPayload):
		httputil.WriteBadRequest(w, "invalid event payload")
	default:
		httputil.WriteInternalError(w, err)
	}
}
