package invoices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tax"
)

// GenerateForPeriod builds a draft invoice for a closed billing period: the
// base fee, metered overage beyond the included units, and any staged
// proration adjustments, with tax on the positive subtotal. Generation is
// idempotent per (subscription, period start); a repeat run returns the
// existing invoice.
func (s *PostgresService) GenerateForPeriod(ctx context.Context, period *subscriptions.RolledPeriod) (*Invoice, error) {
	customer, err := s.customers.GetCustomer(ctx, period.CustomerID)
	if err != nil {
		return nil, err
	}
	price, err := s.catalog.GetPrice(ctx, period.PriceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inv := &Invoice{
		ID:             newInvoiceID(),
		CustomerID:     customer.ID,
		SubscriptionID: &period.SubscriptionID,
		Status:         StatusDraft,
		Currency:       price.Currency,
		PeriodStart:    period.PeriodStart,
		PeriodEnd:      period.PeriodEnd,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	items, err := s.buildLineItems(ctx, period, price)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pending, err := consumePendingItems(ctx, tx, period.SubscriptionID, inv.ID)
	if err != nil {
		return nil, err
	}
	items = append(items, pending...)

	for _, item := range items {
		inv.SubtotalCents += item.AmountCents
	}
	if !customer.TaxExempt && inv.SubtotalCents > 0 {
		rate, _ := s.taxTable.Lookup(customer.TaxLocation())
		inv.TaxCents = tax.Compute(inv.SubtotalCents, rate)
	}
	inv.TotalCents = inv.SubtotalCents + inv.TaxCents

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, customer_id, subscription_id, status, currency,
			subtotal_cents, tax_cents, total_cents, period_start, period_end,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		inv.ID, inv.CustomerID, inv.SubscriptionID, inv.Status, inv.Currency,
		inv.SubtotalCents, inv.TaxCents, inv.TotalCents,
		inv.PeriodStart, inv.PeriodEnd, now)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			return s.getByPeriod(ctx, period.SubscriptionID, period.PeriodStart)
		}
		return nil, fmt.Errorf("failed to insert invoice: %w", err)
	}

	for _, item := range items {
		item.InvoiceID = inv.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO invoice_line_items (invoice_id, price_id, description, quantity, amount_cents, proration)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`,
			item.InvoiceID, item.PriceID, item.Description, item.Quantity,
			item.AmountCents, item.Proration).
			Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert line item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit invoice: %w", err)
	}

	inv.LineItems = items
	return inv, nil
}

// buildLineItems computes the period's base fee and metered overage.
func (s *PostgresService) buildLineItems(ctx context.Context, period *subscriptions.RolledPeriod, price *catalog.Price) ([]*LineItem, error) {
	priceID := price.ID
	items := []*LineItem{{
		PriceID: &priceID,
		Description: fmt.Sprintf("%s (%s to %s)", price.PlanID,
			period.PeriodStart.Format("2006-01-02"), period.PeriodEnd.Format("2006-01-02")),
		Quantity:    1,
		AmountCents: price.UnitAmountCents,
	}}

	if price.UsageType != catalog.UsageTypeMetered {
		return items, nil
	}

	total, err := s.usage.TotalForPeriod(ctx, period.SubscriptionID, price.MeteredUnit,
		period.PeriodStart, period.PeriodEnd)
	if err != nil {
		return nil, err
	}

	overage := total - price.IncludedUnits
	if overage > 0 && price.OverageCents > 0 {
		items = append(items, &LineItem{
			PriceID: &priceID,
			Description: fmt.Sprintf("%s overage (%d over %d included)",
				price.MeteredUnit, overage, price.IncludedUnits),
			Quantity:    overage,
			AmountCents: overage * price.OverageCents,
		})
	}
	return items, nil
}

// consumePendingItems locks the subscription's staged adjustments, marks
// them consumed by this invoice, and returns them as line items.
func consumePendingItems(ctx context.Context, tx *sql.Tx, subscriptionID, invoiceID string) ([]*LineItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, description, amount_cents, proration
		FROM pending_invoice_items
		WHERE subscription_id = $1 AND consumed_invoice_id IS NULL
		ORDER BY id
		FOR UPDATE`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending items: %w", err)
	}

	var items []*LineItem
	var ids []int64
	for rows.Next() {
		var pendingID int64
		item := &LineItem{Quantity: 1}
		if err := rows.Scan(&pendingID, &item.Description, &item.AmountCents, &item.Proration); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending item: %w", err)
		}
		ids = append(ids, pendingID)
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending items: %w", err)
	}

	if len(ids) > 0 {
		_, err = tx.ExecContext(ctx,
			"UPDATE pending_invoice_items SET consumed_invoice_id = $1 WHERE id = ANY($2)",
			invoiceID, pq.Array(ids))
		if err != nil {
			return nil, fmt.Errorf("failed to consume pending items: %w", err)
		}
	}
	return items, nil
}

func (s *PostgresService) getByPeriod(ctx context.Context, subscriptionID string, periodStart time.Time) (*Invoice, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM invoices WHERE subscription_id = $1 AND period_start = $2", invoiceColumns)
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, subscriptionID, periodStart))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice for period: %w", err)
	}
	return inv, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
