package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/invoices"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// CustomerHandlers serves the customer resource plus its nested
// subscription and invoice listings.
type CustomerHandlers struct {
	customers     customers.Service
	subscriptions subscriptions.Service
	invoices      invoices.Service
	recorder      audit.Recorder
}

// NewCustomerHandlers creates customer handlers.
func NewCustomerHandlers(cust customers.Service, subs subscriptions.Service,
	inv invoices.Service, rec audit.Recorder) *CustomerHandlers {
	return &CustomerHandlers{customers: cust, subscriptions: subs, invoices: inv, recorder: rec}
}

// RegisterRoutes registers customer routes on the router.
func (h *CustomerHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/customers", scoped(auth.ScopeCustomersWrite, h.CreateCustomer)).Methods("POST")
	router.Handle("/customers", scoped(auth.ScopeCustomersRead, h.ListCustomers)).Methods("GET")
	router.Handle("/customers/{customerID}", scoped(auth.ScopeCustomersRead, h.GetCustomer)).Methods("GET")
	router.Handle("/customers/{customerID}", scoped(auth.ScopeCustomersWrite, h.UpdateCustomer)).Methods("PATCH")
	router.Handle("/customers/{customerID}", scoped(auth.ScopeCustomersWrite, h.DeleteCustomer)).Methods("DELETE")
	router.Handle("/customers/{customerID}/subscriptions",
		scoped(auth.ScopeSubscriptionsRead, h.ListCustomerSubscriptions)).Methods("GET")
	router.Handle("/customers/{customerID}/invoices",
		scoped(auth.ScopeInvoicesRead, h.ListCustomerInvoices)).Methods("GET")
}

// scoped wraps a handler func with a scope check.
func scoped(scope auth.Scope, handler http.HandlerFunc) http.Handler {
	return middleware.RequireScope(scope)(handler)
}

// recordAudit appends an audit event, tolerating a nil recorder. Audit
// writes are best-effort; the store logs its own failures.
func recordAudit(ctx context.Context, rec audit.Recorder, eventType audit.EventType,
	objectType audit.ObjectType, objectID string, data interface{}) {
	if rec == nil {
		return
	}
	_ = rec.Record(ctx, eventType, objectType, objectID, data)
}

// CreateCustomer handles POST /v1/customers
func (h *CustomerHandlers) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req customers.CreateCustomerRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	customer, err := h.customers.CreateCustomer(r.Context(), &req)
	if err != nil {
		writeCustomerError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventCustomerCreated,
		audit.ObjectCustomer, customer.ID, map[string]string{"email": customer.Email})
	httputil.WriteCreated(w, customer)
}

// GetCustomer handles GET /v1/customers/{customerID}
func (h *CustomerHandlers) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "customerID")
	if !ok {
		return
	}

	customer, err := h.customers.GetCustomer(r.Context(), id)
	if err != nil {
		writeCustomerError(w, err)
		return
	}
	httputil.WriteSuccess(w, customer)
}

// UpdateCustomer handles PATCH /v1/customers/{customerID}
func (h *CustomerHandlers) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "customerID")
	if !ok {
		return
	}

	var req customers.UpdateCustomerRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	customer, err := h.customers.UpdateCustomer(r.Context(), id, &req)
	if err != nil {
		writeCustomerError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventCustomerUpdated,
		audit.ObjectCustomer, customer.ID, req)
	httputil.WriteSuccess(w, customer)
}

// DeleteCustomer handles DELETE /v1/customers/{customerID}
func (h *CustomerHandlers) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "customerID")
	if !ok {
		return
	}

	if err := h.customers.DeleteCustomer(r.Context(), id); err != nil {
		writeCustomerError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventCustomerDeleted,
		audit.ObjectCustomer, id, nil)
	httputil.WriteNoContent(w)
}

// ListCustomers handles GET /v1/customers
func (h *CustomerHandlers) ListCustomers(w http.ResponseWriter, r *http.Request) {
	page, ok := httputil.ParsePaginationOrError(w, r)
	if !ok {
		return
	}

	list, total, err := h.customers.ListCustomers(r.Context(), page.Limit, page.Offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteList(w, list, int64(page.Offset+len(list)) < total, total)
}

// ListCustomerSubscriptions handles GET /v1/customers/{customerID}/subscriptions
func (h *CustomerHandlers) ListCustomerSubscriptions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "customerID")
	if !ok {
		return
	}
	page, ok := httputil.ParsePaginationOrError(w, r)
	if !ok {
		return
	}

	list, total, err := h.subscriptions.List(r.Context(), id, page.Limit, page.Offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteList(w, list, page.Offset+len(list) < total, int64(total))
}

// ListCustomerInvoices handles GET /v1/customers/{customerID}/invoices
func (h *CustomerHandlers) ListCustomerInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "customerID")
	if !ok {
		return
	}
	page, ok := httputil.ParsePaginationOrError(w, r)
	if !ok {
		return
	}
	status := invoices.Status(httputil.ParseQueryString(r, "status", ""))

	list, total, err := h.invoices.List(r.Context(), id, status, page.Limit, page.Offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteList(w, list, page.Offset+len(list) < total, int64(total))
}

func writeCustomerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, customers.ErrNotFound):
		httputil.WriteNotFound(w, "customer not found")
	case errors.Is(err, customers.ErrEmailTaken):
		httputil.WriteConflict(w, "email already in use")
	case errors.Is(err, customers.ErrHasActiveSubscriptions):
		httputil.WriteConflict(w, "customer has non-canceled subscriptions")
	default:
		httputil.WriteInternalError(w, err)
	}
}
