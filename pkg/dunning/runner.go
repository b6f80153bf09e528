package dunning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/invoices"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/payments"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

// Step outcomes recorded in dunning_attempts.
const (
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
	OutcomeHalted    = "halted"
	OutcomeExhausted = "exhausted"
)

// DefaultSchedule retries on days 1, 3, 5 and 7 after the failed charge.
func DefaultSchedule() []time.Duration {
	return []time.Duration{
		24 * time.Hour,
		3 * 24 * time.Hour,
		5 * 24 * time.Hour,
		7 * 24 * time.Hour,
	}
}

// Charger re-attempts collection of an open invoice. *payments.Collector
// satisfies this.
type Charger interface {
	ChargeInvoice(ctx context.Context, invoiceID string) (*payments.Attempt, error)
}

// Enqueuer queues an outbound event for webhook delivery.
// *webhooks.EndpointStore satisfies this.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventType string, data interface{}) (int, error)
}

// Runner walks the dunning schedule for invoices with failed charges.
type Runner struct {
	db            *sql.DB
	schedule      []time.Duration
	charger       Charger
	invoices      invoices.Service
	subscriptions subscriptions.Service
	customers     customers.Service
	events        Enqueuer
	mailer        Mailer
	metrics       *observability.Metrics
	log           *logrus.Entry
}

// NewRunner creates a dunning runner. schedule nil means DefaultSchedule;
// events and metrics may be nil.
func NewRunner(db *sql.DB, schedule []time.Duration, charger Charger,
	inv invoices.Service, subs subscriptions.Service, cust customers.Service,
	events Enqueuer, mailer Mailer, metrics *observability.Metrics) *Runner {
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	if mailer == nil {
		mailer = NewNoopMailer()
	}
	return &Runner{
		db:            db,
		schedule:      schedule,
		charger:       charger,
		invoices:      inv,
		subscriptions: subs,
		customers:     cust,
		events:        events,
		mailer:        mailer,
		metrics:       metrics,
		log:           logrus.WithField("component", "dunning"),
	}
}

// Schedule opens the retry schedule for an invoice whose charge just failed.
// The unique (invoice_id, step) constraint makes scheduling idempotent, so a
// second failed charge for the same invoice does not restart the clock.
func (r *Runner) Schedule(ctx context.Context, invoiceID string, failedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, offset := range r.schedule {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dunning_attempts (invoice_id, step, scheduled_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (invoice_id, step) DO NOTHING`,
			invoiceID, i+1, failedAt.Add(offset))
		if err != nil {
			return fmt.Errorf("failed to schedule dunning step %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dunning schedule: %w", err)
	}
	return nil
}

// CancelSchedule drops the pending steps for an invoice. Called when a
// payment lands outside the dunning flow.
func (r *Runner) CancelSchedule(ctx context.Context, invoiceID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM dunning_attempts WHERE invoice_id = $1 AND executed_at IS NULL",
		invoiceID)
	if err != nil {
		return fmt.Errorf("failed to cancel dunning schedule: %w", err)
	}
	return nil
}

type dueStep struct {
	ID        int64
	InvoiceID string
	Step      int
}

// ProcessDue claims and executes every step due at now. Returns the number
// of invoices recovered.
func (r *Runner) ProcessDue(ctx context.Context, now time.Time, limit int) (int, error) {
	steps, err := r.claimDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, step := range steps {
		outcome, err := r.runStep(ctx, step)
		if errors.Is(err, payments.ErrGatewayUnavailable) {
			// Outage: put the claim back so the next pass retries the
			// same step instead of consuming it.
			if relErr := r.releaseStep(ctx, step.ID); relErr != nil {
				r.log.WithError(relErr).WithField("invoice_id", step.InvoiceID).
					Error("failed to release dunning step after outage")
			}
			r.log.WithFields(logrus.Fields{
				"invoice_id": step.InvoiceID,
				"step":       step.Step,
			}).Warn("gateway unavailable, dunning step deferred")
			continue
		}
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"invoice_id": step.InvoiceID,
				"step":       step.Step,
			}).Error("dunning step failed to execute")
			outcome = OutcomeFailed
		}
		if outcome == OutcomeRecovered {
			recovered++
		}

		if recErr := r.recordOutcome(ctx, step.ID, outcome); recErr != nil {
			r.log.WithError(recErr).Warn("failed to record dunning outcome")
		}
		if r.metrics != nil {
			r.metrics.DunningStepsTotal.WithLabelValues(
				fmt.Sprintf("%d", step.Step), outcome).Inc()
		}
	}
	return recovered, nil
}

// claimDue marks due steps executed inside one transaction so concurrent
// biller instances never run the same step twice.
func (r *Runner) claimDue(ctx context.Context, now time.Time, limit int) ([]*dueStep, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, invoice_id, step
		FROM dunning_attempts
		WHERE executed_at IS NULL AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim dunning steps: %w", err)
	}

	var steps []*dueStep
	for rows.Next() {
		step := &dueStep{}
		if err := rows.Scan(&step.ID, &step.InvoiceID, &step.Step); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dunning step: %w", err)
		}
		steps = append(steps, step)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dunning steps: %w", err)
	}

	for _, step := range steps {
		_, err = tx.ExecContext(ctx,
			"UPDATE dunning_attempts SET executed_at = $1 WHERE id = $2", now, step.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark dunning step executed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dunning claim: %w", err)
	}
	return steps, nil
}

func (r *Runner) runStep(ctx context.Context, step *dueStep) (string, error) {
	inv, err := r.invoices.Get(ctx, step.InvoiceID)
	if err != nil {
		return "", err
	}

	// Paid or voided since the schedule opened: halt the remaining steps.
	if inv.Status != invoices.StatusOpen {
		if err := r.CancelSchedule(ctx, step.InvoiceID); err != nil {
			return "", err
		}
		return OutcomeHalted, nil
	}

	attempt, chargeErr := r.charger.ChargeInvoice(ctx, inv.ID)
	if attempt != nil && attempt.Status == payments.AttemptSucceeded {
		if err := r.CancelSchedule(ctx, step.InvoiceID); err != nil {
			return "", err
		}
		return OutcomeRecovered, nil
	}

	// Gateway outage: leave the schedule alone, the next cron run retries.
	if errors.Is(chargeErr, payments.ErrGatewayUnavailable) {
		return "", chargeErr
	}

	final := step.Step >= len(r.schedule)
	if err := r.notifyFailure(ctx, inv, step.Step, final); err != nil {
		r.log.WithError(err).WithField("invoice_id", inv.ID).
			Warn("failed to send dunning notice")
	}

	if final {
		if err := r.exhaust(ctx, inv); err != nil {
			return "", err
		}
		return OutcomeExhausted, nil
	}
	return OutcomeFailed, nil
}

func (r *Runner) notifyFailure(ctx context.Context, inv *invoices.Invoice, step int, final bool) error {
	customer, err := r.customers.GetCustomer(ctx, inv.CustomerID)
	if err != nil {
		return err
	}
	return r.mailer.SendPaymentFailed(ctx, &PaymentFailedEmail{
		To:            customer.Email,
		CustomerName:  customer.Name,
		InvoiceNumber: inv.Number,
		AmountCents:   inv.TotalCents,
		Currency:      inv.Currency,
		Step:          step,
		TotalSteps:    len(r.schedule),
		FinalNotice:   final,
	})
}

// exhaust writes the invoice off and cancels the subscription after the
// last step fails.
func (r *Runner) exhaust(ctx context.Context, inv *invoices.Invoice) error {
	if err := r.invoices.MarkUncollectible(ctx, inv.ID); err != nil {
		return fmt.Errorf("failed to write off invoice %s: %w", inv.ID, err)
	}

	if inv.SubscriptionID != nil {
		err := r.subscriptions.SetStatus(ctx, *inv.SubscriptionID, subscriptions.StatusCanceled)
		if err != nil && !errors.Is(err, subscriptions.ErrNotFound) {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}
	}

	if r.events != nil {
		_, err := r.events.Enqueue(ctx, webhooks.EventDunningExhausted,
			webhooks.InvoicePayload(inv.ID, inv.Number, inv.CustomerID,
				inv.TotalCents, string(invoices.StatusUncollectible)))
		if err != nil {
			r.log.WithError(err).WithField("invoice_id", inv.ID).
				Warn("failed to queue dunning.exhausted event")
		}
	}

	r.log.WithFields(logrus.Fields{
		"invoice_id":  inv.ID,
		"customer_id": inv.CustomerID,
	}).Info("dunning exhausted, invoice written off")
	return nil
}

// releaseStep clears the execution claim on a step whose charge never
// reached a verdict, making it due again.
func (r *Runner) releaseStep(ctx context.Context, stepID int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE dunning_attempts SET executed_at = NULL WHERE id = $1", stepID)
	if err != nil {
		return fmt.Errorf("failed to release step: %w", err)
	}
	return nil
}

func (r *Runner) recordOutcome(ctx context.Context, stepID int64, outcome string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE dunning_attempts SET outcome = $1 WHERE id = $2", outcome, stepID)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// PendingSteps returns the not-yet-executed schedule for an invoice.
func (r *Runner) PendingSteps(ctx context.Context, invoiceID string) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scheduled_at
		FROM dunning_attempts
		WHERE invoice_id = $1 AND executed_at IS NULL
		ORDER BY step`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dunning steps: %w", err)
	}
	defer rows.Close()

	var scheduled []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("failed to scan dunning step: %w", err)
		}
		scheduled = append(scheduled, at)
	}
	return scheduled, rows.Err()
}
