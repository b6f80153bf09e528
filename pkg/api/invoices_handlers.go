package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/invoices"
	"github.com/platinummonkey/tally/pkg/payments"
)

// PaymentService is the slice of the payment collector the API needs.
type PaymentService interface {
	ChargeInvoice(ctx context.Context, invoiceID string) (*payments.Attempt, error)
	ListAttempts(ctx context.Context, invoiceID string) ([]*payments.Attempt, error)
}

var _ PaymentService = (*payments.Collector)(nil)

// InvoiceHandlers serves invoices and on-demand collection.
type InvoiceHandlers struct {
	invoices invoices.Service
	payments PaymentService
	recorder audit.Recorder
}

// NewInvoiceHandlers creates invoice handlers.
func NewInvoiceHandlers(inv invoices.Service, pay PaymentService, rec audit.Recorder) *InvoiceHandlers {
	return &InvoiceHandlers{invoices: inv, payments: pay, recorder: rec}
}

// RegisterRoutes registers invoice routes on the router.
func (h *InvoiceHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/invoices", scoped(auth.ScopeInvoicesRead, h.ListInvoices)).Methods("GET")
	router.Handle("/invoices/{invoiceID}", scoped(auth.ScopeInvoicesRead, h.GetInvoice)).Methods("GET")
	router.Handle("/invoices/{invoiceID}/finalize",
		scoped(auth.ScopeInvoicesWrite, h.FinalizeInvoice)).Methods("POST")
	router.Handle("/invoices/{invoiceID}/void",
		scoped(auth.ScopeInvoicesWrite, h.VoidInvoice)).Methods("POST")
	router.Handle("/invoices/{invoiceID}/pay",
		scoped(auth.ScopeInvoicesWrite, h.PayInvoice)).Methods("POST")
	router.Handle("/invoices/{invoiceID}/attempts",
		scoped(auth.ScopeInvoicesRead, h.ListAttempts)).Methods("GET")
}

// ListInvoices handles GET /v1/invoices
func (h *InvoiceHandlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	page, ok := httputil.ParsePaginationOrError(w, r)
	if !ok {
		return
	}
	customerID := httputil.ParseQueryString(r, "customer_id", "")
	status := invoices.Status(httputil.ParseQueryString(r, "status", ""))

	list, total, err := h.invoices.List(r.Context(), customerID, status, page.Limit, page.Offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteList(w, list, page.Offset+len(list) < total, int64(total))
}

// GetInvoice handles GET /v1/invoices/{invoiceID}
func (h *InvoiceHandlers) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "invoiceID")
	if !ok {
		return
	}

	invoice, err := h.invoices.Get(r.Context(), id)
	if err != nil {
		writeInvoiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, invoice)
}

// FinalizeInvoice handles POST /v1/invoices/{invoiceID}/finalize. It
// assigns the invoice number, snapshots totals and opens the invoice for
// collection. Finalizing twice is a conflict.
func (h *InvoiceHandlers) FinalizeInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "invoiceID")
	if !ok {
		return
	}

	invoice, err := h.invoices.Finalize(r.Context(), id)
	if err != nil {
		writeInvoiceError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventInvoiceFinalized,
		audit.ObjectInvoice, invoice.ID, map[string]interface{}{
			"number":      invoice.Number,
			"total_cents": invoice.TotalCents,
		})
	httputil.WriteSuccess(w, invoice)
}

// VoidInvoice handles POST /v1/invoices/{invoiceID}/void
func (h *InvoiceHandlers) VoidInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "invoiceID")
	if !ok {
		return
	}

	if err := h.invoices.Void(r.Context(), id); err != nil {
		writeInvoiceError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventInvoiceVoided, audit.ObjectInvoice, id, nil)
	httputil.WriteNoContent(w)
}

// PayInvoice handles POST /v1/invoices/{invoiceID}/pay. A declined charge
// is a recorded attempt, not a transport failure, so it comes back 402
// with the attempt body.
func (h *InvoiceHandlers) PayInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "invoiceID")
	if !ok {
		return
	}

	attempt, err := h.payments.ChargeInvoice(r.Context(), id)
	if err != nil {
		writePaymentError(w, err)
		return
	}

	if attempt.Status == payments.AttemptSucceeded {
		recordAudit(r.Context(), h.recorder, audit.EventPaymentCharged,
			audit.ObjectInvoice, id, map[string]interface{}{"amount_cents": attempt.AmountCents})
		httputil.WriteSuccess(w, attempt)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventPaymentDeclined,
		audit.ObjectInvoice, id, map[string]string{"failure_code": attempt.FailureCode})
	httputil.WriteJSON(w, http.StatusPaymentRequired, attempt)
}

// ListAttempts handles GET /v1/invoices/{invoiceID}/attempts
func (h *InvoiceHandlers) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "invoiceID")
	if !ok {
		return
	}

	attempts, err := h.payments.ListAttempts(r.Context(), id)
	if err != nil {
		writePaymentError(w, err)
		return
	}
	httputil.WriteList(w, attempts, false, int64(len(attempts)))
}

func writeInvoiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invoices.ErrNotFound):
		httputil.WriteNotFound(w, "invoice not found")
	case errors.Is(err, invoices.ErrInvalidTransition):
		httputil.WriteConflict(w, "invalid invoice status transition")
	default:
		httputil.WriteInternalError(w, err)
	}
}

func writePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invoices.ErrNotFound):
		httputil.WriteNotFound(w, "invoice not found")
	case errors.Is(err, invoices.ErrInvalidTransition):
		httputil.WriteConflict(w, "invoice is not open for collection")
	case errors.Is(err, payments.ErrNoPaymentMethod):
		httputil.WritePaymentRequired(w, "customer has no default payment method")
	case errors.Is(err, payments.ErrGatewayUnavailable):
		httputil.WriteServiceUnavailable(w, "payment gateway unavailable")
	default:
		httputil.WriteInternalError(w, err)
	}
}
