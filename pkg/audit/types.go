package audit

import (
	"encoding/json"
	"time"
)

// EventType categorizes an audit event
type EventType string

const (
	EventCustomerCreated EventType = "customer.created"
	EventCustomerUpdated EventType = "customer.updated"
	EventCustomerDeleted EventType = "customer.deleted"

	EventPlanCreated      EventType = "plan.created"
	EventPlanUpdated      EventType = "plan.updated"
	EventPriceCreated     EventType = "price.created"
	EventPriceDeactivated EventType = "price.deactivated"

	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionChanged  EventType = "subscription.plan_changed"
	EventSubscriptionCanceled EventType = "subscription.canceled"

	EventInvoiceFinalized  EventType = "invoice.finalized"
	EventInvoiceVoided     EventType = "invoice.voided"
	EventInvoiceWrittenOff EventType = "invoice.written_off"

	EventPaymentCharged  EventType = "payment.charged"
	EventPaymentDeclined EventType = "payment.declined"

	EventEndpointCreated  EventType = "webhook_endpoint.created"
	EventEndpointDisabled EventType = "webhook_endpoint.disabled"

	EventCheckoutCompleted EventType = "checkout.completed"

	EventAPIKeyCreated EventType = "api_key.created"
	EventAPIKeyRevoked EventType = "api_key.revoked"
)

// ObjectType names the kind of billing object an event touched
type ObjectType string

const (
	ObjectCustomer        ObjectType = "customer"
	ObjectPlan            ObjectType = "plan"
	ObjectPrice           ObjectType = "price"
	ObjectSubscription    ObjectType = "subscription"
	ObjectInvoice         ObjectType = "invoice"
	ObjectPayment         ObjectType = "payment"
	ObjectWebhookEndpoint ObjectType = "webhook_endpoint"
	ObjectCheckoutSession ObjectType = "checkout_session"
	ObjectAPIKey          ObjectType = "api_key"
)

// Event is one append-only audit record
type Event struct {
	ID         int64           `json:"id"`
	EventType  EventType       `json:"event_type"`
	Actor      string          `json:"actor,omitempty"`
	ObjectType ObjectType      `json:"object_type"`
	ObjectID   string          `json:"object_id"`
	RequestID  string          `json:"request_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Filter narrows a trail listing
type Filter struct {
	EventType  EventType
	ObjectType ObjectType
	ObjectID   string
	Actor      string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}
