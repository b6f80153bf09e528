package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/invoices"
	"github.com/platinummonkey/tally/pkg/observability"
)

// Collector charges open invoices and records every attempt.
type Collector struct {
	db        *sql.DB
	gateway   Gateway
	invoices  invoices.Service
	customers customers.Service
	metrics   *observability.Metrics
	log       *logrus.Entry
}

// NewCollector creates a collector. metrics may be nil.
func NewCollector(db *sql.DB, gateway Gateway, inv invoices.Service,
	cust customers.Service, metrics *observability.Metrics) *Collector {
	return &Collector{
		db:        db,
		gateway:   gateway,
		invoices:  inv,
		customers: cust,
		metrics:   metrics,
		log:       logrus.WithField("component", "payment_collector"),
	}
}

// ChargeInvoice attempts to collect an open invoice. Zero-total invoices
// are marked paid without touching the gateway. The attempt row is written
// before the gateway call under a unique idempotency key numbered from the
// attempts already recorded, so every dunning retry reaches the gateway
// with a fresh key while two concurrent calls racing for the same number
// collapse onto one attempt via the unique index.
func (c *Collector) ChargeInvoice(ctx context.Context, invoiceID string) (*Attempt, error) {
	inv, err := c.invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != invoices.StatusOpen {
		return nil, fmt.Errorf("invoice %s is %s, not open", inv.ID, inv.Status)
	}

	if inv.TotalCents == 0 {
		if err := c.invoices.MarkPaid(ctx, inv.ID, time.Now().UTC()); err != nil {
			return nil, err
		}
		return &Attempt{InvoiceID: inv.ID, Status: AttemptSucceeded}, nil
	}

	customer, err := c.customers.GetCustomer(ctx, inv.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer.DefaultPaymentMethod == nil || *customer.DefaultPaymentMethod == "" {
		return nil, ErrNoPaymentMethod
	}

	var attemptNo int
	err = c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) + 1 FROM payment_attempts WHERE invoice_id = $1", inv.ID).
		Scan(&attemptNo)
	if err != nil {
		return nil, fmt.Errorf("failed to number attempt: %w", err)
	}

	attempt := &Attempt{
		InvoiceID:      inv.ID,
		Status:         AttemptPending,
		IdempotencyKey: fmt.Sprintf("%s:%d", inv.ID, attemptNo),
		AmountCents:    inv.TotalCents,
	}

	err = c.db.QueryRowContext(ctx, `
		INSERT INTO payment_attempts (invoice_id, status, idempotency_key, amount_cents)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		attempt.InvoiceID, attempt.Status, attempt.IdempotencyKey, attempt.AmountCents).
		Scan(&attempt.ID, &attempt.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return c.getByKey(ctx, attempt.IdempotencyKey)
		}
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	if err := c.invoices.RecordAttempt(ctx, inv.ID, nil); err != nil {
		c.log.WithError(err).WithField("invoice_id", inv.ID).
			Warn("failed to bump invoice attempt counter")
	}

	charge, chargeErr := c.gateway.CreateCharge(ctx, attempt.IdempotencyKey, &ChargeRequest{
		AmountCents:     inv.TotalCents,
		Currency:        inv.Currency,
		CustomerID:      customer.ID,
		PaymentMethodID: *customer.DefaultPaymentMethod,
		Description:     fmt.Sprintf("Invoice %s", inv.Number),
	})

	switch {
	case chargeErr == nil:
		attempt.Status = AttemptSucceeded
		attempt.GatewayChargeID = charge.ID
		if err := c.finishAttempt(ctx, attempt); err != nil {
			return nil, err
		}
		if err := c.invoices.MarkPaid(ctx, inv.ID, time.Now().UTC()); err != nil {
			return nil, err
		}
		c.countAttempt("succeeded", "")
		return attempt, nil

	default:
		var decline *DeclineError
		if errors.As(chargeErr, &decline) {
			attempt.Status = AttemptFailed
			attempt.FailureCode = decline.Code
		} else {
			attempt.Status = AttemptFailed
			attempt.FailureCode = "gateway_error"
		}
		if err := c.finishAttempt(ctx, attempt); err != nil {
			c.log.WithError(err).Error("failed to record attempt outcome")
		}
		c.countAttempt("failed", attempt.FailureCode)
		return attempt, chargeErr
	}
}

func (c *Collector) finishAttempt(ctx context.Context, attempt *Attempt) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE payment_attempts
		SET status = $1, gateway_charge_id = $2, failure_code = $3
		WHERE id = $4`,
		attempt.Status, attempt.GatewayChargeID, attempt.FailureCode, attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}
	return nil
}

func (c *Collector) getByKey(ctx context.Context, key string) (*Attempt, error) {
	attempt := &Attempt{}
	err := c.db.QueryRowContext(ctx, `
		SELECT id, invoice_id, status, gateway_charge_id, failure_code, idempotency_key, amount_cents, created_at
		FROM payment_attempts
		WHERE idempotency_key = $1`, key).
		Scan(&attempt.ID, &attempt.InvoiceID, &attempt.Status, &attempt.GatewayChargeID,
			&attempt.FailureCode, &attempt.IdempotencyKey, &attempt.AmountCents, &attempt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return attempt, nil
}

// ListAttempts returns an invoice's attempts, newest first.
func (c *Collector) ListAttempts(ctx context.Context, invoiceID string) ([]*Attempt, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, invoice_id, status, gateway_charge_id, failure_code, idempotency_key, amount_cents, created_at
		FROM payment_attempts
		WHERE invoice_id = $1
		ORDER BY created_at DESC`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		attempt := &Attempt{}
		if err := rows.Scan(&attempt.ID, &attempt.InvoiceID, &attempt.Status,
			&attempt.GatewayChargeID, &attempt.FailureCode, &attempt.IdempotencyKey,
			&attempt.AmountCents, &attempt.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func (c *Collector) countAttempt(status, failureCode string) {
	if c.metrics != nil {
		c.metrics.ChargeAttemptsTotal.WithLabelValues(status, failureCode).Inc()
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
