package subscriptions

import "time"

// Status is the lifecycle state of a subscription
type Status string

const (
	// StatusActive is a subscription in good standing.
	StatusActive Status = "active"
	// StatusPastDue is a subscription whose latest invoice failed to collect.
	StatusPastDue Status = "past_due"
	// StatusCanceled is terminal. Canceled subscriptions are never revived;
	// the customer subscribes again instead.
	StatusCanceled Status = "canceled"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusPastDue || s == StatusCanceled
}

// ProrationBehavior controls whether an immediate plan change stages
// credit/charge adjustments for the next invoice.
type ProrationBehavior string

const (
	ProrationCreate ProrationBehavior = "create_prorations"
	ProrationNone   ProrationBehavior = "none"
)

// Subscription ties a customer to a price for a rolling billing period
type Subscription struct {
	ID                 string     `json:"id"`
	CustomerID         string     `json:"customer_id"`
	PlanID             string     `json:"plan_id"`
	PriceID            string     `json:"price_id"`
	Status             Status     `json:"status"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// PendingChange is a plan change scheduled for a future instant, normally
// the period boundary. At most one open change exists per subscription.
type PendingChange struct {
	ID             int64      `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	TargetPriceID  string     `json:"target_price_id"`
	EffectiveAt    time.Time  `json:"effective_at"`
	AppliedAt      *time.Time `json:"applied_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RolledPeriod describes a billing period that just closed during rollover.
// The invoice run bills exactly these periods.
type RolledPeriod struct {
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id"`
	PriceID        string    `json:"price_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	Canceled       bool      `json:"canceled"`
}

// ProrationPreview is the dry-run result of an immediate plan change.
// Credit is what the customer gets back for unused time on the old price,
// charge is the cost of the remaining time on the new one.
type ProrationPreview struct {
	CurrentPriceID string    `json:"current_price_id"`
	NewPriceID     string    `json:"new_price_id"`
	EffectiveAt    time.Time `json:"effective_at"`
	PeriodEnd      time.Time `json:"period_end"`
	CreditCents    int64     `json:"credit_cents"`
	ChargeCents    int64     `json:"charge_cents"`
	NetCents       int64     `json:"net_cents"`
}

// CreateSubscriptionRequest is the payload for creating a subscription
type CreateSubscriptionRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	PriceID    string `json:"price_id" validate:"required"`
}

// ChangePlanRequest is the payload for an immediate plan change
type ChangePlanRequest struct {
	PriceID           string            `json:"price_id" validate:"required"`
	ProrationBehavior ProrationBehavior `json:"proration_behavior" validate:"omitempty,oneof=create_prorations none"`
}

// ScheduleChangeRequest is the payload for scheduling a plan change.
// EffectiveAt defaults to the current period end.
type ScheduleChangeRequest struct {
	PriceID     string     `json:"price_id" validate:"required"`
	EffectiveAt *time.Time `json:"effective_at"`
}

// CancelRequest is the payload for canceling a subscription
type CancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}
