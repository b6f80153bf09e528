package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/checkout"
	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/httputil"
)

// CheckoutHandlers serves hosted checkout sessions.
type CheckoutHandlers struct {
	checkout checkout.Service
	recorder audit.Recorder
}

// NewCheckoutHandlers creates checkout handlers.
func NewCheckoutHandlers(svc checkout.Service, rec audit.Recorder) *CheckoutHandlers {
	return &CheckoutHandlers{checkout: svc, recorder: rec}
}

// RegisterRoutes registers checkout routes on the router.
func (h *CheckoutHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/checkout/sessions", scoped(auth.ScopeCheckoutWrite, h.CreateSession)).Methods("POST")
	router.Handle("/checkout/sessions/{token}", scoped(auth.ScopeCheckoutWrite, h.GetSession)).Methods("GET")
	router.Handle("/checkout/sessions/{token}/complete",
		scoped(auth.ScopeCheckoutWrite, h.CompleteSession)).Methods("POST")
}

// CreateSession handles POST /v1/checkout/sessions
func (h *CheckoutHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req checkout.CreateSessionRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	session, err := h.checkout.CreateSession(r.Context(), &req)
	if err != nil {
		writeCheckoutError(w, err)
		return
	}
	httputil.WriteCreated(w, session)
}

// GetSession handles GET /v1/checkout/sessions/{token}
func (h *CheckoutHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	session, err := h.checkout.GetByToken(r.Context(), token)
	if err != nil {
		writeCheckoutError(w, err)
		return
	}
	httputil.WriteSuccess(w, session)
}

// CompleteSession handles POST /v1/checkout/sessions/{token}/complete.
// Completing an already-completed session replays the original result.
func (h *CheckoutHandlers) CompleteSession(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	session, err := h.checkout.CompleteSession(r.Context(), token)
	if err != nil {
		writeCheckoutError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventCheckoutCompleted,
		audit.ObjectCheckoutSession, session.ID, map[string]interface{}{
			"customer_id":     session.CustomerID,
			"price_id":        session.PriceID,
			"subscription_id": session.SubscriptionID,
		})
	httputil.WriteSuccess(w, session)
}

func writeCheckoutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkout.ErrNotFound):
		httputil.WriteNotFound(w, "checkout session not found")
	case errors.Is(err, checkout.ErrSessionExpired):
		httputil.WriteErrorCode(w, http.StatusGone, "session_expired", "checkout session expired")
	case errors.Is(err, checkout.ErrPriceInactive):
		httputil.WriteValidationError(w, "price_id", "price is not active")
	case errors.Is(err, customers.ErrNotFound):
		httputil.WriteNotFound(w, "customer not found")
	case errors.Is(err, catalog.ErrPriceNotFound):
		httputil.WriteNotFound(w, "price not found")
	default:
		httputil.WriteInternalError(w, err)
	}
}
