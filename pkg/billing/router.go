package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tally/pkg/dunning"
	"github.com/platinummonkey/tally/pkg/invoices"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

// DunningScheduler is the slice of the dunning runner the router needs.
// *dunning.Runner satisfies this.
type DunningScheduler interface {
	Schedule(ctx context.Context, invoiceID string, failedAt time.Time) error
	CancelSchedule(ctx context.Context, invoiceID string) error
}

var _ DunningScheduler = (*dunning.Runner)(nil)

// Publisher queues outbound webhook deliveries. *webhooks.EndpointStore
// satisfies this.
type Publisher interface {
	Enqueue(ctx context.Context, eventType string, data interface{}) (int, error)
}

// HandlerRegistry accepts event handlers. *webhooks.Ingestor satisfies this.
type HandlerRegistry interface {
	RegisterHandler(eventType string, handler webhooks.Handler)
}

// EventRouter reacts to asynchronous charge outcomes from the gateway.
type EventRouter struct {
	invoices      invoices.Service
	subscriptions subscriptions.Service
	dunning       DunningScheduler
	events        Publisher
	log           *logrus.Entry
}

// NewEventRouter creates the router. events may be nil when no merchant
// endpoints are configured.
func NewEventRouter(inv invoices.Service, subs subscriptions.Service,
	sched DunningScheduler, events Publisher) *EventRouter {
	return &EventRouter{
		invoices:      inv,
		subscriptions: subs,
		dunning:       sched,
		events:        events,
		log:           logrus.WithField("component", "billing_router"),
	}
}

// RegisterAll binds the charge handlers on the ingestor.
func (r *EventRouter) RegisterAll(registry HandlerRegistry) {
	registry.RegisterHandler("charge.succeeded", r.HandleChargeSucceeded)
	registry.RegisterHandler("charge.failed", r.HandleChargeFailed)
}

// chargeEventData is the data object inside gateway charge events.
type chargeEventData struct {
	ChargeID    string `json:"charge_id"`
	InvoiceID   string `json:"invoice_id"`
	AmountCents int64  `json:"amount_cents"`
	FailureCode string `json:"failure_code,omitempty"`
}

func parseChargeEvent(event *webhooks.Event) (*chargeEventData, error) {
	var envelope struct {
		Data chargeEventData `json:"data"`
	}
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse charge event: %w", err)
	}
	if envelope.Data.InvoiceID == "" {
		return nil, webhooks.ErrInvalidPayload
	}
	return &envelope.Data, nil
}

// HandleChargeSucceeded settles the invoice the charge was for. An invoice
// that is already paid is a redelivery; nothing to do.
func (r *EventRouter) HandleChargeSucceeded(ctx context.Context, event *webhooks.Event) error {
	data, err := parseChargeEvent(event)
	if err != nil {
		return err
	}

	inv, err := r.invoices.Get(ctx, data.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to load invoice %s: %w", data.InvoiceID, err)
	}
	if inv.Status == invoices.StatusPaid {
		return nil
	}

	if err := r.invoices.MarkPaid(ctx, inv.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, invoices.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	if err := r.dunning.CancelSchedule(ctx, inv.ID); err != nil {
		return err
	}

	if inv.SubscriptionID != nil {
		err := r.subscriptions.SetStatus(ctx, *inv.SubscriptionID, subscriptions.StatusActive)
		if err != nil && !errors.Is(err, subscriptions.ErrNotFound) {
			return err
		}
	}

	r.log.WithFields(logrus.Fields{
		"invoice_id": inv.ID,
		"charge_id":  data.ChargeID,
	}).Info("invoice settled by gateway event")
	r.publish(ctx, webhooks.EventInvoicePaid, inv, "paid")
	return nil
}

// HandleChargeFailed opens the dunning schedule for the invoice and flags
// the subscription past_due. Settled invoices ignore late failure events.
func (r *EventRouter) HandleChargeFailed(ctx context.Context, event *webhooks.Event) error {
	data, err := parseChargeEvent(event)
	if err != nil {
		return err
	}

	inv, err := r.invoices.Get(ctx, data.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to load invoice %s: %w", data.InvoiceID, err)
	}
	if inv.Status != invoices.StatusOpen {
		return nil
	}

	if err := r.dunning.Schedule(ctx, inv.ID, event.ReceivedAt); err != nil {
		return err
	}

	if inv.SubscriptionID != nil {
		err := r.subscriptions.SetStatus(ctx, *inv.SubscriptionID, subscriptions.StatusPastDue)
		if err != nil && !errors.Is(err, subscriptions.ErrNotFound) {
			return err
		}
	}

	r.log.WithFields(logrus.Fields{
		"invoice_id":   inv.ID,
		"charge_id":    data.ChargeID,
		"failure_code": data.FailureCode,
	}).Warn("charge failed, dunning scheduled")
	r.publish(ctx, webhooks.EventInvoicePaymentFailed, inv, "open")
	return nil
}

// publish queues an outbound event, best-effort.
func (r *EventRouter) publish(ctx context.Context, eventType string, inv *invoices.Invoice, status string) {
	if r.events == nil {
		return
	}
	customerID := inv.CustomerID
	if _, err := r.events.Enqueue(ctx, eventType,
		webhooks.InvoicePayload(inv.ID, inv.Number, customerID, inv.TotalCents, status)); err != nil {
		r.log.WithError(err).WithField("event_type", eventType).
			Warn("failed to enqueue outbound event")
	}
}
