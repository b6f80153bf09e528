package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/httputil"
)

// AuditReader is the query side of the audit store.
type AuditReader interface {
	List(ctx context.Context, filter *audit.Filter) ([]*audit.Event, int, error)
	Trail(ctx context.Context, objectType audit.ObjectType, objectID string) ([]*audit.Event, error)
}

var _ AuditReader = (*audit.Store)(nil)

// AuditHandlers serves the audit trail, read-only.
type AuditHandlers struct {
	audit AuditReader
}

// NewAuditHandlers creates audit handlers.
func NewAuditHandlers(reader AuditReader) *AuditHandlers {
	return &AuditHandlers{audit: reader}
}

// RegisterRoutes registers audit routes on the router.
func (h *AuditHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/audit/events", scoped(auth.ScopeAuditRead, h.ListEvents)).Methods("GET")
	router.Handle("/audit/objects/{objectType}/{objectID}",
		scoped(auth.ScopeAuditRead, h.GetTrail)).Methods("GET")
}

// ListEvents handles GET /v1/audit/events
func (h *AuditHandlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	page, ok := httputil.ParsePaginationOrError(w, r)
	if !ok {
		return
	}

	filter := &audit.Filter{
		EventType:  audit.EventType(httputil.ParseQueryString(r, "event_type", "")),
		ObjectType: audit.ObjectType(httputil.ParseQueryString(r, "object_type", "")),
		ObjectID:   httputil.ParseQueryString(r, "object_id", ""),
		Actor:      httputil.ParseQueryString(r, "actor", ""),
		Limit:      page.Limit,
		Offset:     page.Offset,
	}
	if from, err := httputil.ParseQueryTime(r, "from", time.Time{}); err != nil {
		httputil.WriteValidationError(w, "from", "must be RFC3339 or unix seconds")
		return
	} else if !from.IsZero() {
		filter.From = &from
	}
	if to, err := httputil.ParseQueryTime(r, "to", time.Time{}); err != nil {
		httputil.WriteValidationError(w, "to", "must be RFC3339 or unix seconds")
		return
	} else if !to.IsZero() {
		filter.To = &to
	}

	events, total, err := h.audit.List(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteList(w, events, page.Offset+len(events) < total, int64(total))
}

// GetTrail handles GET /v1/audit/objects/{objectType}/{objectID}. Events
// come back oldest first so the trail reads as a history.
func (h *AuditHandlers) GetTrail(w http.ResponseWriter, r *http.Request) {
	objectType, ok := httputil.ParsePathStringOrError(w, r, "objectType")
	if !ok {
		return
	}
	objectID, ok := httputil.ParsePathStringOrError(w, r, "objectID")
	if !ok {
		return
	}

	events, err := h.audit.Trail(r.Context(), audit.ObjectType(objectType), objectID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteList(w, events, false, int64(len(events)))
}
