package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/tally/pkg/catalog"
)

var (
	// ErrNotFound is returned when a subscription does not exist.
	ErrNotFound = errors.New("subscription not found")
	// ErrPriceInactive is returned when the requested price is deactivated.
	ErrPriceInactive = errors.New("price is not active")
	// ErrCanceled is returned for operations on a canceled subscription.
	ErrCanceled = errors.New("subscription is canceled")
	// ErrCurrencyMismatch is returned when a plan change crosses currencies.
	ErrCurrencyMismatch = errors.New("new price currency does not match subscription currency")
	// ErrSamePrice is returned when a change targets the current price.
	ErrSamePrice = errors.New("subscription already uses this price")
	// ErrAlreadySubscribed is returned when the customer already has a
	// non-canceled subscription on the plan.
	ErrAlreadySubscribed = errors.New("customer already has a live subscription on this plan")
)

// Service manages subscription lifecycle and plan changes
type Service interface {
	Create(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error)
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context, customerID string, limit, offset int) ([]*Subscription, int, error)

	PreviewProration(ctx context.Context, id, newPriceID string, at time.Time) (*ProrationPreview, error)
	ChangePlan(ctx context.Context, id string, req *ChangePlanRequest) (*Subscription, error)
	ScheduleChange(ctx context.Context, id string, req *ScheduleChangeRequest) (*PendingChange, error)
	GetOpenChange(ctx context.Context, id string) (*PendingChange, error)
	CancelOpenChange(ctx context.Context, id string) error

	Cancel(ctx context.Context, id string, atPeriodEnd bool) (*Subscription, error)
	Reactivate(ctx context.Context, id string) (*Subscription, error)
	SetStatus(ctx context.Context, id string, status Status) error

	RolloverDue(ctx context.Context, now time.Time) ([]*RolledPeriod, error)
	ApplyDueChanges(ctx context.Context, now time.Time) (int, error)
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db      *sql.DB
	catalog catalog.Service
}

// NewPostgresService creates a subscription service backed by PostgreSQL.
func NewPostgresService(db *sql.DB, cat catalog.Service) *PostgresService {
	return &PostgresService{db: db, catalog: cat}
}

func newSubscriptionID() string {
	return "sub_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

const subscriptionColumns = `id, customer_id, plan_id, price_id, status,
	current_period_start, current_period_end, cancel_at_period_end,
	canceled_at, created_at, updated_at`

// Create starts a subscription on the given price. The billing period opens
// now and runs one interval.
func (s *PostgresService) Create(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error) {
	price, err := s.catalog.GetPrice(ctx, req.PriceID)
	if err != nil {
		return nil, err
	}
	if !price.Active {
		return nil, ErrPriceInactive
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:                 newSubscriptionID(),
		CustomerID:         req.CustomerID,
		PlanID:             price.PlanID,
		PriceID:            price.ID,
		Status:             StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   price.NextPeriodStart(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	query := `
		INSERT INTO subscriptions (id, customer_id, plan_id, price_id, status,
			current_period_start, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.db.ExecContext(ctx, query,
		sub.ID, sub.CustomerID, sub.PlanID, sub.PriceID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		// The partial unique index on (customer_id, plan_id) arbitrates
		// concurrent creates.
		if isUniqueViolation(err) {
			return nil, ErrAlreadySubscribed
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	return sub, nil
}

// Get retrieves a subscription by ID.
func (s *PostgresService) Get(ctx context.Context, id string) (*Subscription, error) {
	query := fmt.Sprintf("SELECT %s FROM subscriptions WHERE id = $1", subscriptionColumns)
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// List returns a customer's subscriptions, newest first, with the total count.
func (s *PostgresService) List(ctx context.Context, customerID string, limit, offset int) ([]*Subscription, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subscriptions WHERE customer_id = $1", customerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM subscriptions
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, subscriptionColumns)

	rows, err := s.db.QueryContext(ctx, query, customerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, total, rows.Err()
}

// PreviewProration computes the credit and charge an immediate change to
// newPriceID would stage at the given instant, without changing anything.
func (s *PostgresService) PreviewProration(ctx context.Context, id, newPriceID string, at time.Time) (*ProrationPreview, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, ErrCanceled
	}

	oldPrice, err := s.catalog.GetPrice(ctx, sub.PriceID)
	if err != nil {
		return nil, err
	}
	newPrice, err := s.catalog.GetPrice(ctx, newPriceID)
	if err != nil {
		return nil, err
	}
	if err := checkChangeTarget(oldPrice, newPrice); err != nil {
		return nil, err
	}

	credit, charge := prorate(oldPrice.UnitAmountCents, newPrice.UnitAmountCents,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, at)

	return &ProrationPreview{
		CurrentPriceID: sub.PriceID,
		NewPriceID:     newPrice.ID,
		EffectiveAt:    at,
		PeriodEnd:      sub.CurrentPeriodEnd,
		CreditCents:    credit,
		ChargeCents:    charge,
		NetCents:       charge - credit,
	}, nil
}

// ChangePlan switches the subscription to a new price immediately. With
// create_prorations (the default) the unused-time credit and remaining-time
// charge are staged as pending invoice items for the next invoice. Any open
// scheduled change is superseded and removed.
func (s *PostgresService) ChangePlan(ctx context.Context, id string, req *ChangePlanRequest) (*Subscription, error) {
	behavior := req.ProrationBehavior
	if behavior == "" {
		behavior = ProrationCreate
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("SELECT %s FROM subscriptions WHERE id = $1 FOR UPDATE", subscriptionColumns)
	sub, err := scanSubscription(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	if sub.Status == StatusCanceled {
		return nil, ErrCanceled
	}

	oldPrice, err := s.catalog.GetPrice(ctx, sub.PriceID)
	if err != nil {
		return nil, err
	}
	newPrice, err := s.catalog.GetPrice(ctx, req.PriceID)
	if err != nil {
		return nil, err
	}
	if err := checkChangeTarget(oldPrice, newPrice); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if behavior == ProrationCreate {
		credit, charge := prorate(oldPrice.UnitAmountCents, newPrice.UnitAmountCents,
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
		if credit > 0 {
			if err := stagePendingItem(ctx, tx, sub, -credit,
				fmt.Sprintf("Unused time on %s", oldPrice.PlanID)); err != nil {
				return nil, err
			}
		}
		if charge > 0 {
			if err := stagePendingItem(ctx, tx, sub, charge,
				fmt.Sprintf("Remaining time on %s", newPrice.PlanID)); err != nil {
				return nil, err
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE subscriptions SET plan_id = $1, price_id = $2, updated_at = $3 WHERE id = $4",
		newPrice.PlanID, newPrice.ID, now, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	// The immediate change supersedes any scheduled one.
	_, err = tx.ExecContext(ctx,
		"DELETE FROM pending_changes WHERE subscription_id = $1 AND applied_at IS NULL", sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to clear pending change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit plan change: %w", err)
	}

	sub.PlanID = newPrice.PlanID
	sub.PriceID = newPrice.ID
	sub.UpdatedAt = now
	return sub, nil
}

func stagePendingItem(ctx context.Context, tx *sql.Tx, sub *Subscription, amountCents int64, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_invoice_items (customer_id, subscription_id, description, amount_cents, proration)
		VALUES ($1, $2, $3, $4, TRUE)`,
		sub.CustomerID, sub.ID, description, amountCents)
	if err != nil {
		return fmt.Errorf("failed to stage proration item: %w", err)
	}
	return nil
}

func checkChangeTarget(oldPrice, newPrice *catalog.Price) error {
	if !newPrice.Active {
		return ErrPriceInactive
	}
	if newPrice.ID == oldPrice.ID {
		return ErrSamePrice
	}
	if newPrice.Currency != oldPrice.Currency {
		return ErrCurrencyMismatch
	}
	return nil
}

// ScheduleChange records a plan change to apply at a future instant,
// defaulting to the current period end. A subscription carries at most one
// open change; scheduling again replaces it.
func (s *PostgresService) ScheduleChange(ctx context.Context, id string, req *ScheduleChangeRequest) (*PendingChange, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, ErrCanceled
	}

	oldPrice, err := s.catalog.GetPrice(ctx, sub.PriceID)
	if err != nil {
		return nil, err
	}
	newPrice, err := s.catalog.GetPrice(ctx, req.PriceID)
	if err != nil {
		return nil, err
	}
	if err := checkChangeTarget(oldPrice, newPrice); err != nil {
		return nil, err
	}

	effectiveAt := sub.CurrentPeriodEnd
	if req.EffectiveAt != nil {
		effectiveAt = req.EffectiveAt.UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	change := &PendingChange{
		SubscriptionID: sub.ID,
		TargetPriceID:  newPrice.ID,
		EffectiveAt:    effectiveAt,
	}

	// Replace the open change if one exists, otherwise insert. The partial
	// unique index on (subscription_id) WHERE applied_at IS NULL backstops
	// concurrent schedulers.
	res, err := tx.ExecContext(ctx, `
		UPDATE pending_changes
		SET target_price_id = $1, effective_at = $2, created_at = NOW()
		WHERE subscription_id = $3 AND applied_at IS NULL`,
		change.TargetPriceID, change.EffectiveAt, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update pending change: %w", err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check pending change update: %w", err)
	}

	if updated == 0 {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO pending_changes (subscription_id, target_price_id, effective_at)
			VALUES ($1, $2, $3)
			RETURNING id, created_at`,
			change.SubscriptionID, change.TargetPriceID, change.EffectiveAt).
			Scan(&change.ID, &change.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert pending change: %w", err)
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			SELECT id, created_at FROM pending_changes
			WHERE subscription_id = $1 AND applied_at IS NULL`, sub.ID).
			Scan(&change.ID, &change.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to read pending change: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pending change: %w", err)
	}
	return change, nil
}

// GetOpenChange returns the unapplied scheduled change, or ErrNotFound.
func (s *PostgresService) GetOpenChange(ctx context.Context, id string) (*PendingChange, error) {
	change := &PendingChange{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subscription_id, target_price_id, effective_at, applied_at, created_at
		FROM pending_changes
		WHERE subscription_id = $1 AND applied_at IS NULL`, id).
		Scan(&change.ID, &change.SubscriptionID, &change.TargetPriceID,
			&change.EffectiveAt, &change.AppliedAt, &change.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending change: %w", err)
	}
	return change, nil
}

// CancelOpenChange removes the unapplied scheduled change, if any.
func (s *PostgresService) CancelOpenChange(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_changes WHERE subscription_id = $1 AND applied_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("failed to cancel pending change: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check pending change delete: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel ends the subscription. With atPeriodEnd the subscription stays
// active until the period closes; otherwise it is canceled immediately.
func (s *PostgresService) Cancel(ctx context.Context, id string, atPeriodEnd bool) (*Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, ErrCanceled
	}

	now := time.Now().UTC()
	if atPeriodEnd {
		_, err = s.db.ExecContext(ctx,
			"UPDATE subscriptions SET cancel_at_period_end = TRUE, updated_at = $1 WHERE id = $2",
			now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule cancellation: %w", err)
		}
		sub.CancelAtPeriodEnd = true
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE subscriptions
			SET status = $1, canceled_at = $2, cancel_at_period_end = FALSE, updated_at = $2
			WHERE id = $3`,
			StatusCanceled, now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel subscription: %w", err)
		}
		sub.Status = StatusCanceled
		sub.CanceledAt = &now
		sub.CancelAtPeriodEnd = false
	}
	sub.UpdatedAt = now
	return sub, nil
}

// Reactivate clears a pending period-end cancellation. A subscription that
// already reached canceled cannot come back.
func (s *PostgresService) Reactivate(ctx context.Context, id string) (*Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, ErrCanceled
	}
	if !sub.CancelAtPeriodEnd {
		return sub, nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		"UPDATE subscriptions SET cancel_at_period_end = FALSE, updated_at = $1 WHERE id = $2",
		now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reactivate subscription: %w", err)
	}
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = now
	return sub, nil
}

// SetStatus records a collection-driven status transition (active <-> past_due).
func (s *PostgresService) SetStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid subscription status %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
	if err != nil {
		return fmt.Errorf("failed to set subscription status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check status update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RolloverDue advances every subscription whose period has ended and returns
// the closed periods for the invoice run. Subscriptions flagged
// cancel_at_period_end are canceled instead of advanced; their closing
// period is still returned so the final invoice can bill it. SKIP LOCKED
// lets concurrent workers partition the due set.
func (s *PostgresService) RolloverDue(ctx context.Context, now time.Time) ([]*RolledPeriod, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, customer_id, price_id, current_period_start, current_period_end, cancel_at_period_end
		FROM subscriptions
		WHERE status IN ($1, $2) AND current_period_end <= $3
		ORDER BY current_period_end
		FOR UPDATE SKIP LOCKED`,
		StatusActive, StatusPastDue, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select due subscriptions: %w", err)
	}

	var due []*RolledPeriod
	for rows.Next() {
		rp := &RolledPeriod{}
		if err := rows.Scan(&rp.SubscriptionID, &rp.CustomerID, &rp.PriceID,
			&rp.PeriodStart, &rp.PeriodEnd, &rp.Canceled); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan due subscription: %w", err)
		}
		due = append(due, rp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read due subscriptions: %w", err)
	}

	for _, rp := range due {
		if rp.Canceled {
			_, err = tx.ExecContext(ctx, `
				UPDATE subscriptions
				SET status = $1, canceled_at = current_period_end, updated_at = NOW()
				WHERE id = $2`,
				StatusCanceled, rp.SubscriptionID)
			if err != nil {
				return nil, fmt.Errorf("failed to cancel subscription at period end: %w", err)
			}
			continue
		}

		price, err := s.catalog.GetPrice(ctx, rp.PriceID)
		if err != nil {
			return nil, err
		}
		nextEnd := price.NextPeriodStart(rp.PeriodEnd)

		_, err = tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET current_period_start = $1, current_period_end = $2, updated_at = NOW()
			WHERE id = $3`,
			rp.PeriodEnd, nextEnd, rp.SubscriptionID)
		if err != nil {
			return nil, fmt.Errorf("failed to advance subscription period: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rollover: %w", err)
	}
	return due, nil
}

// ApplyDueChanges applies scheduled plan changes whose effective time has
// passed and returns how many were applied. The applied_at IS NULL guard on
// the update makes each change apply exactly once even under concurrent
// workers.
func (s *PostgresService) ApplyDueChanges(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, subscription_id, target_price_id
		FROM pending_changes
		WHERE applied_at IS NULL AND effective_at <= $1
		ORDER BY effective_at
		FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to select due changes: %w", err)
	}

	type dueChange struct {
		id            int64
		subID         string
		targetPriceID string
	}
	var due []dueChange
	for rows.Next() {
		var dc dueChange
		if err := rows.Scan(&dc.id, &dc.subID, &dc.targetPriceID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan due change: %w", err)
		}
		due = append(due, dc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read due changes: %w", err)
	}

	applied := 0
	for _, dc := range due {
		price, err := s.catalog.GetPrice(ctx, dc.targetPriceID)
		if err != nil {
			return applied, err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE subscriptions SET plan_id = $1, price_id = $2, updated_at = NOW() WHERE id = $3",
			price.PlanID, price.ID, dc.subID)
		if err != nil {
			return applied, fmt.Errorf("failed to apply plan change: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE pending_changes SET applied_at = NOW() WHERE id = $1 AND applied_at IS NULL",
			dc.id)
		if err != nil {
			return applied, fmt.Errorf("failed to mark change applied: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			applied++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit due changes: %w", err)
	}
	return applied, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	err := row.Scan(&sub.ID, &sub.CustomerID, &sub.PlanID, &sub.PriceID, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
