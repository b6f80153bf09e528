package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/usage"
)

// UsageHandlers serves usage-record ingestion and querying.
type UsageHandlers struct {
	usage usage.Service
	quota *middleware.QuotaMiddleware
}

// NewUsageHandlers creates usage handlers. quota may be nil when no Redis
// is configured; ingestion then runs unmetered.
func NewUsageHandlers(svc usage.Service, quota *middleware.QuotaMiddleware) *UsageHandlers {
	return &UsageHandlers{usage: svc, quota: quota}
}

// RegisterRoutes registers usage routes on the router. The ingest quota
// applies only to the write path.
func (h *UsageHandlers) RegisterRoutes(router *mux.Router) {
	record := scoped(auth.ScopeUsageWrite, h.RecordUsage)
	if h.quota != nil {
		record = middleware.RequireScope(auth.ScopeUsageWrite)(
			h.quota.EnforceUsageQuota(http.HandlerFunc(h.RecordUsage)))
	}
	router.Handle("/usage", record).Methods("POST")
	router.Handle("/usage", scoped(auth.ScopeUsageRead, h.ListUsage)).Methods("GET")
	router.Handle("/usage/summary", scoped(auth.ScopeUsageRead, h.SummarizeUsage)).Methods("GET")
}

// RecordUsage handles POST /v1/usage. Replays of an idempotency key return
// the original record with 200 instead of 201.
func (h *UsageHandlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usage.RecordRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	record, duplicate, err := h.usage.Record(r.Context(), &req)
	if err != nil {
		writeUsageError(w, err)
		return
	}

	if duplicate {
		httputil.WriteSuccess(w, record)
		return
	}
	httputil.WriteCreated(w, record)
}

// ListUsage handles GET /v1/usage
func (h *UsageHandlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	subscriptionID := httputil.ParseQueryString(r, "subscription_id", "")
	if !httputil.RequireNonEmpty(w, subscriptionID, "subscription_id") {
		return
	}
	metric := httputil.ParseQueryString(r, "metric", "")
	from, to, ok := parseUsageWindow(w, r)
	if !ok {
		return
	}
	page, ok := httputil.ParsePaginationOrError(w, r)
	if !ok {
		return
	}

	records, err := h.usage.ListRecords(r.Context(), subscriptionID, metric,
		from, to, page.Limit, page.Offset)
	if err != nil {
		writeUsageError(w, err)
		return
	}
	httputil.WriteList(w, records, len(records) == page.Limit, int64(page.Offset+len(records)))
}

// SummarizeUsage handles GET /v1/usage/summary
func (h *UsageHandlers) SummarizeUsage(w http.ResponseWriter, r *http.Request) {
	subscriptionID := httputil.ParseQueryString(r, "subscription_id", "")
	if !httputil.RequireNonEmpty(w, subscriptionID, "subscription_id") {
		return
	}
	from, to, ok := parseUsageWindow(w, r)
	if !ok {
		return
	}

	summary, err := h.usage.Summarize(r.Context(), subscriptionID, from, to)
	if err != nil {
		writeUsageError(w, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}

// parseUsageWindow reads from/to query bounds. from defaults to 30 days
// back, to defaults to now.
func parseUsageWindow(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now().UTC()
	from, err := httputil.ParseQueryTime(r, "from", now.AddDate(0, 0, -30))
	if err != nil {
		httputil.WriteValidationError(w, "from", "must be RFC3339 or unix seconds")
		return time.Time{}, time.Time{}, false
	}
	to, err := httputil.ParseQueryTime(r, "to", now)
	if err != nil {
		httputil.WriteValidationError(w, "to", "must be RFC3339 or unix seconds")
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		httputil.WriteValidationError(w, "to", "must not be before from")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func writeUsageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscriptions.ErrNotFound):
		httputil.WriteNotFound(w, "subscription not found")
	case errors.Is(err, usage.ErrNotFound):
		httputil.WriteNotFound(w, "usage record not found")
	case errors.Is(err, usage.ErrOutsidePeriod):
		httputil.WriteValidationError(w, "timestamp", "must fall within the subscription's current billing period")
	default:
		httputil.WriteInternalError(w, err)
	}
}
