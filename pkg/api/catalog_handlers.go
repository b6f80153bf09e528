package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/httputil"
)

// CatalogHandlers serves plans and prices.
type CatalogHandlers struct {
	catalog  catalog.Service
	recorder audit.Recorder
}

// NewCatalogHandlers creates catalog handlers.
func NewCatalogHandlers(cat catalog.Service, rec audit.Recorder) *CatalogHandlers {
	return &CatalogHandlers{catalog: cat, recorder: rec}
}

// RegisterRoutes registers catalog routes on the router.
func (h *CatalogHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/plans", scoped(auth.ScopeCatalogWrite, h.CreatePlan)).Methods("POST")
	router.Handle("/plans", scoped(auth.ScopeCatalogRead, h.ListPlans)).Methods("GET")
	router.Handle("/plans/{planID}", scoped(auth.ScopeCatalogRead, h.GetPlan)).Methods("GET")
	router.Handle("/plans/{planID}", scoped(auth.ScopeCatalogWrite, h.UpdatePlan)).Methods("PATCH")
	router.Handle("/plans/{planID}/prices", scoped(auth.ScopeCatalogRead, h.ListPrices)).Methods("GET")
	router.Handle("/prices", scoped(auth.ScopeCatalogWrite, h.CreatePrice)).Methods("POST")
	router.Handle("/prices/{priceID}", scoped(auth.ScopeCatalogRead, h.GetPrice)).Methods("GET")
	router.Handle("/prices/{priceID}", scoped(auth.ScopeCatalogWrite, h.DeactivatePrice)).Methods("DELETE")
}

// CreatePlan handles POST /v1/plans
func (h *CatalogHandlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreatePlanRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	plan, err := h.catalog.CreatePlan(r.Context(), &req)
	if err != nil {
		writeCatalogError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventPlanCreated,
		audit.ObjectPlan, plan.ID, map[string]string{"name": plan.Name})
	httputil.WriteCreated(w, plan)
}

// GetPlan handles GET /v1/plans/{planID}
func (h *CatalogHandlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "planID")
	if !ok {
		return
	}

	plan, err := h.catalog.GetPlan(r.Context(), id)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	httputil.WriteSuccess(w, plan)
}

// UpdatePlan handles PATCH /v1/plans/{planID}
func (h *CatalogHandlers) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "planID")
	if !ok {
		return
	}

	var req catalog.UpdatePlanRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	plan, err := h.catalog.UpdatePlan(r.Context(), id, &req)
	if err != nil {
		writeCatalogError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventPlanUpdated, audit.ObjectPlan, plan.ID, req)
	httputil.WriteSuccess(w, plan)
}

// ListPlans handles GET /v1/plans
func (h *CatalogHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := httputil.ParseQueryBool(r, "active", false)
	if err != nil {
		httputil.WriteValidationError(w, "active", "must be true or false")
		return
	}

	plans, err := h.catalog.ListPlans(r.Context(), activeOnly)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteList(w, plans, false, int64(len(plans)))
}

// CreatePrice handles POST /v1/prices
func (h *CatalogHandlers) CreatePrice(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreatePriceRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	price, err := h.catalog.CreatePrice(r.Context(), &req)
	if err != nil {
		writeCatalogError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventPriceCreated,
		audit.ObjectPrice, price.ID, map[string]interface{}{
			"plan_id":           price.PlanID,
			"unit_amount_cents": price.UnitAmountCents,
			"currency":          price.Currency,
		})
	httputil.WriteCreated(w, price)
}

// GetPrice handles GET /v1/prices/{priceID}
func (h *CatalogHandlers) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "priceID")
	if !ok {
		return
	}

	price, err := h.catalog.GetPrice(r.Context(), id)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	httputil.WriteSuccess(w, price)
}

// ListPrices handles GET /v1/plans/{planID}/prices
func (h *CatalogHandlers) ListPrices(w http.ResponseWriter, r *http.Request) {
	planID, ok := httputil.ParsePathStringOrError(w, r, "planID")
	if !ok {
		return
	}

	prices, err := h.catalog.ListPrices(r.Context(), planID)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	httputil.WriteList(w, prices, false, int64(len(prices)))
}

// DeactivatePrice handles DELETE /v1/prices/{priceID}. Prices are
// immutable so delete means deactivate; subscriptions keep billing on it.
func (h *CatalogHandlers) DeactivatePrice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "priceID")
	if !ok {
		return
	}

	if err := h.catalog.DeactivatePrice(r.Context(), id); err != nil {
		writeCatalogError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventPriceDeactivated, audit.ObjectPrice, id, nil)
	httputil.WriteNoContent(w)
}

func writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrPlanNotFound):
		httputil.WriteNotFound(w, "plan not found")
	case errors.Is(err, catalog.ErrPriceNotFound):
		httputil.WriteNotFound(w, "price not found")
	case errors.Is(err, catalog.ErrPlanNameTaken):
		httputil.WriteConflict(w, "plan name already in use")
	case errors.Is(err, catalog.ErrDuplicateActivePrice):
		httputil.WriteConflict(w, "plan already has an active price for this currency and interval")
	case errors.Is(err, catalog.ErrMeteredUnitRequired):
		httputil.WriteValidationError(w, "metered_unit", "metered prices require a metered_unit")
	default:
		httputil.WriteInternalError(w, err)
	}
}
