package payments

import (
	"errors"
	"fmt"
	"time"
)

// ErrGatewayUnavailable is returned when the gateway cannot be reached,
// keeps failing after retries, or the circuit breaker is open.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// ErrNoPaymentMethod is returned when the customer has no default payment
// method on file.
var ErrNoPaymentMethod = errors.New("customer has no default payment method")

// DeclineError is a terminal card decline from the gateway. Declines are
// not retried; they go to dunning instead.
type DeclineError struct {
	Code string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("charge declined: %s", e.Code)
}

// AttemptStatus is the state of one recorded charge attempt
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt is one recorded charge against an invoice
type Attempt struct {
	ID              int64         `json:"id"`
	InvoiceID       string        `json:"invoice_id"`
	Status          AttemptStatus `json:"status"`
	GatewayChargeID string        `json:"gateway_charge_id,omitempty"`
	FailureCode     string        `json:"failure_code,omitempty"`
	IdempotencyKey  string        `json:"idempotency_key"`
	AmountCents     int64         `json:"amount_cents"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ChargeRequest is the payload sent to the gateway
type ChargeRequest struct {
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	CustomerID      string `json:"customer_id"`
	PaymentMethodID string `json:"payment_method_id"`
	Description     string `json:"description,omitempty"`
}

// Charge is the gateway's record of a successful charge
type Charge struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
}

// gatewayError is the gateway's error envelope
type gatewayError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
