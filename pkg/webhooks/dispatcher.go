package webhooks

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/tally/pkg/async"
	"github.com/platinummonkey/tally/pkg/observability"
)

// claimLease keeps a claimed delivery invisible to other dispatchers while
// the HTTP attempt is in flight.
const claimLease = 5 * time.Minute

// Dispatcher sends due deliveries to their endpoints.
type Dispatcher struct {
	db      *sql.DB
	client  *http.Client
	policy  *RetryPolicy
	limiter *endpointLimiter
	workers int
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(db *sql.DB, workers int, logger *observability.Logger,
	metrics *observability.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		db:      db,
		client:  &http.Client{Timeout: 10 * time.Second},
		policy:  DefaultRetryPolicy(),
		limiter: newEndpointLimiter(60, time.Second),
		workers: workers,
		logger:  logger,
		metrics: metrics,
	}
}

// claimedDelivery carries everything one attempt needs.
type claimedDelivery struct {
	id        string
	endpoint  string
	eventType string
	payload   []byte
	url       string
	secret    string
	attempt   int
}

// DeliverDue claims deliveries whose retry time has come and attempts each
// on a bounded worker pool. Returns how many were delivered.
func (d *Dispatcher) DeliverDue(ctx context.Context, now time.Time, limit int) (int, error) {
	claimed, err := d.claim(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		d.updateQueueDepth(ctx)
		return 0, nil
	}

	var delivered int64
	async.Batch(ctx, d.logger, claimed, d.workers, "webhook delivery",
		30*time.Second, func(ctx context.Context, c *claimedDelivery) error {
			if !d.limiter.allow(c.endpoint) {
				// The lease expires and the next pass picks it up.
				return nil
			}
			if d.attempt(ctx, c, now) {
				atomic.AddInt64(&delivered, 1)
			}
			return nil
		})

	d.updateQueueDepth(ctx)
	return int(atomic.LoadInt64(&delivered)), nil
}

// claim bumps attempt counters and pushes next_retry_at out a lease, all in
// one transaction, so concurrent dispatchers never double-send.
func (d *Dispatcher) claim(ctx context.Context, now time.Time, limit int) ([]*claimedDelivery, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT d.id, d.endpoint_id, d.event_type, d.payload, d.attempt_count, e.url, e.secret
		FROM webhook_deliveries d
		JOIN webhook_endpoints e ON e.id = d.endpoint_id
		WHERE d.status IN ($1, $2)
		  AND (d.next_retry_at IS NULL OR d.next_retry_at <= $3)
		  AND e.active
		ORDER BY d.created_at
		LIMIT $4
		FOR UPDATE OF d SKIP LOCKED`,
		DeliveryPending, DeliveryRetrying, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due deliveries: %w", err)
	}

	var claimed []*claimedDelivery
	for rows.Next() {
		c := &claimedDelivery{}
		if err := rows.Scan(&c.id, &c.endpoint, &c.eventType, &c.payload,
			&c.attempt, &c.url, &c.secret); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		claimed = append(claimed, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read due deliveries: %w", err)
	}

	for _, c := range claimed {
		c.attempt++
		_, err = tx.ExecContext(ctx, `
			UPDATE webhook_deliveries
			SET attempt_count = $1, status = $2, next_retry_at = $3
			WHERE id = $4`,
			c.attempt, DeliveryRetrying, now.Add(claimLease), c.id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim delivery: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// attempt posts one delivery and records the outcome. Reports success.
func (d *Dispatcher) attempt(ctx context.Context, c *claimedDelivery, now time.Time) bool {
	err := d.send(ctx, c)
	if err == nil {
		d.recordOutcome(ctx, c.id, DeliveryDelivered, nil, "")
		d.countDelivery(c.eventType, "delivered")
		return true
	}

	d.logger.WithError(err).WithFields(map[string]interface{}{
		"delivery_id": c.id,
		"endpoint_id": c.endpoint,
		"attempt":     c.attempt,
	}).Warn("webhook delivery failed")

	if next, ok := d.policy.NextRetry(c.attempt, now); ok {
		d.recordOutcome(ctx, c.id, DeliveryRetrying, &next, err.Error())
		d.countDelivery(c.eventType, "retrying")
	} else {
		d.recordOutcome(ctx, c.id, DeliveryFailed, nil, err.Error())
		d.countDelivery(c.eventType, "failed")
	}
	return false
}

func (d *Dispatcher) send(ctx context.Context, c *claimedDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(c.payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(c.secret, time.Now(), c.payload))
	req.Header.Set("Tally-Event-Type", c.eventType)
	req.Header.Set("Tally-Delivery-Id", c.id)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) recordOutcome(ctx context.Context, id string, status DeliveryStatus, nextRetryAt *time.Time, lastError string) {
	var deliveredAt interface{}
	if status == DeliveryDelivered {
		deliveredAt = time.Now().UTC()
	}

	_, err := d.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, next_retry_at = $2, delivered_at = $3, last_error = $4
		WHERE id = $5`,
		status, nextRetryAt, deliveredAt, lastError, id)
	if err != nil {
		d.logger.WithError(err).WithField("delivery_id", id).
			Error("failed to record delivery outcome")
	}
}

func (d *Dispatcher) updateQueueDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	var depth int64
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM webhook_deliveries WHERE status IN ($1, $2)",
		DeliveryPending, DeliveryRetrying).Scan(&depth)
	if err != nil {
		return
	}
	d.metrics.WebhookRetryQueueDepth.Set(float64(depth))
}

func (d *Dispatcher) countDelivery(eventType, status string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveriesTotal.WithLabelValues(eventType, status).Inc()
	}
}

// InvoicePayload trims an invoice to the fields consumers care about.
func InvoicePayload(invoiceID, number, customerID string, totalCents int64, status string) map[string]interface{} {
	return map[string]interface{}{
		"invoice_id":  invoiceID,
		"number":      number,
		"customer_id": customerID,
		"total_cents": totalCents,
		"status":      status,
	}
}
