package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// SubscriptionHandlers serves the subscription lifecycle: create, plan
// changes (immediate and scheduled), cancel and reactivate.
type SubscriptionHandlers struct {
	subscriptions subscriptions.Service
	recorder      audit.Recorder
}

// NewSubscriptionHandlers creates subscription handlers.
func NewSubscriptionHandlers(subs subscriptions.Service, rec audit.Recorder) *SubscriptionHandlers {
	return &SubscriptionHandlers{subscriptions: subs, recorder: rec}
}

// RegisterRoutes registers subscription routes on the router.
func (h *SubscriptionHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/subscriptions", scoped(auth.ScopeSubscriptionsWrite, h.CreateSubscription)).Methods("POST")
	router.Handle("/subscriptions/{subscriptionID}", scoped(auth.ScopeSubscriptionsRead, h.GetSubscription)).Methods("GET")
	router.Handle("/subscriptions/{subscriptionID}/preview_change",
		scoped(auth.ScopeSubscriptionsRead, h.PreviewChange)).Methods("GET")
	router.Handle("/subscriptions/{subscriptionID}/change",
		scoped(auth.ScopeSubscriptionsWrite, h.ChangePlan)).Methods("POST")
	router.Handle("/subscriptions/{subscriptionID}/schedule_change",
		scoped(auth.ScopeSubscriptionsWrite, h.ScheduleChange)).Methods("POST")
	router.Handle("/subscriptions/{subscriptionID}/pending_change",
		scoped(auth.ScopeSubscriptionsRead, h.GetPendingChange)).Methods("GET")
	router.Handle("/subscriptions/{subscriptionID}/pending_change",
		scoped(auth.ScopeSubscriptionsWrite, h.CancelPendingChange)).Methods("DELETE")
	router.Handle("/subscriptions/{subscriptionID}/cancel",
		scoped(auth.ScopeSubscriptionsWrite, h.CancelSubscription)).Methods("POST")
	router.Handle("/subscriptions/{subscriptionID}/reactivate",
		scoped(auth.ScopeSubscriptionsWrite, h.ReactivateSubscription)).Methods("POST")
}

// CreateSubscription handles POST /v1/subscriptions
func (h *SubscriptionHandlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptions.CreateSubscriptionRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	sub, err := h.subscriptions.Create(r.Context(), &req)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventSubscriptionCreated,
		audit.ObjectSubscription, sub.ID, map[string]string{
			"customer_id": sub.CustomerID,
			"price_id":    sub.PriceID,
		})
	httputil.WriteCreated(w, sub)
}

// GetSubscription handles GET /v1/subscriptions/{subscriptionID}
func (h *SubscriptionHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	sub, err := h.subscriptions.Get(r.Context(), id)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// PreviewChange handles GET /v1/subscriptions/{subscriptionID}/preview_change.
// It is a dry run of ChangePlan: same proration math, no writes.
func (h *SubscriptionHandlers) PreviewChange(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}
	priceID := httputil.ParseQueryString(r, "price_id", "")
	if !httputil.RequireNonEmpty(w, priceID, "price_id") {
		return
	}
	at, err := httputil.ParseQueryTime(r, "at", time.Now().UTC())
	if err != nil {
		httputil.WriteValidationError(w, "at", "must be RFC3339 or unix seconds")
		return
	}

	preview, err := h.subscriptions.PreviewProration(r.Context(), id, priceID, at)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}
	httputil.WriteSuccess(w, preview)
}

// ChangePlan handles POST /v1/subscriptions/{subscriptionID}/change
func (h *SubscriptionHandlers) ChangePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	var req subscriptions.ChangePlanRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	sub, err := h.subscriptions.ChangePlan(r.Context(), id, &req)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventSubscriptionChanged,
		audit.ObjectSubscription, sub.ID, map[string]string{"price_id": sub.PriceID})
	httputil.WriteSuccess(w, sub)
}

// ScheduleChange handles POST /v1/subscriptions/{subscriptionID}/schedule_change
func (h *SubscriptionHandlers) ScheduleChange(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	var req subscriptions.ScheduleChangeRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	change, err := h.subscriptions.ScheduleChange(r.Context(), id, &req)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}
	httputil.WriteCreated(w, change)
}

// GetPendingChange handles GET /v1/subscriptions/{subscriptionID}/pending_change
func (h *SubscriptionHandlers) GetPendingChange(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	change, err := h.subscriptions.GetOpenChange(r.Context(), id)
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			httputil.WriteNotFound(w, "no pending change")
			return
		}
		writeSubscriptionError(w, err)
		return
	}
	httputil.WriteSuccess(w, change)
}

// CancelPendingChange handles DELETE /v1/subscriptions/{subscriptionID}/pending_change
func (h *SubscriptionHandlers) CancelPendingChange(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	if err := h.subscriptions.CancelOpenChange(r.Context(), id); err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			httputil.WriteNotFound(w, "no pending change")
			return
		}
		writeSubscriptionError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CancelSubscription handles POST /v1/subscriptions/{subscriptionID}/cancel
func (h *SubscriptionHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	var req subscriptions.CancelRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	sub, err := h.subscriptions.Cancel(r.Context(), id, req.AtPeriodEnd)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventSubscriptionCanceled,
		audit.ObjectSubscription, sub.ID, map[string]bool{"at_period_end": req.AtPeriodEnd})
	httputil.WriteSuccess(w, sub)
}

// ReactivateSubscription handles POST /v1/subscriptions/{subscriptionID}/reactivate.
// It only clears a pending at-period-end cancellation; a subscription that
// already ended stays canceled.
func (h *SubscriptionHandlers) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "subscriptionID")
	if !ok {
		return
	}

	sub, err := h.subscriptions.Reactivate(r.Context(), id)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func writeSubscriptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscriptions.ErrNotFound):
		httputil.WriteNotFound(w, "subscription not found")
	case errors.Is(err, customers.ErrNotFound):
		httputil.WriteNotFound(w, "customer not found")
	case errors.Is(err, catalog.ErrPriceNotFound):
		httputil.WriteNotFound(w, "price not found")
	case errors.Is(err, subscriptions.ErrCanceled):
		httputil.WriteConflict(w, "subscription is canceled")
	case errors.Is(err, subscriptions.ErrAlreadySubscribed):
		httputil.WriteConflict(w, "customer already has a live subscription on this plan")
	case errors.Is(err, subscriptions.ErrPriceInactive):
		httputil.WriteValidationError(w, "price_id", "price is not active")
	case errors.Is(err, subscriptions.ErrSamePrice):
		httputil.WriteValidationError(w, "price_id", "subscription already uses this price")
	case errors.Is(err, subscriptions.ErrCurrencyMismatch):
		httputil.WriteValidationError(w, "price_id", "currency does not match subscription")
	default:
		httputil.WriteInternalError(w, err)
	}
}
