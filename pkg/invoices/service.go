package invoices

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tax"
	"github.com/platinummonkey/tally/pkg/usage"
)

var (
	// ErrNotFound is returned when an invoice does not exist.
	ErrNotFound = errors.New("invoice not found")
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid invoice status transition")
)

// Archiver stores finalized invoice documents. *storage.S3Client satisfies it.
type Archiver interface {
	ArchiveInvoice(ctx context.Context, key string, document []byte) (string, error)
}

// Service generates and tracks invoices
type Service interface {
	GenerateForPeriod(ctx context.Context, period *subscriptions.RolledPeriod) (*Invoice, error)
	Finalize(ctx context.Context, id string) (*Invoice, error)
	Get(ctx context.Context, id string) (*Invoice, error)
	List(ctx context.Context, customerID string, status Status, limit, offset int) ([]*Invoice, int, error)
	MarkPaid(ctx context.Context, id string, paidAt time.Time) error
	MarkUncollectible(ctx context.Context, id string) error
	Void(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id string, nextAttemptAt *time.Time) error
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db        *sql.DB
	catalog   catalog.Service
	customers customers.Service
	usage     usage.Service
	taxTable  *tax.Table
	archiver  Archiver
}

// NewPostgresService creates an invoice service. archiver may be nil when
// object storage is disabled; finalized invoices then skip archival.
func NewPostgresService(db *sql.DB, cat catalog.Service, cust customers.Service,
	use usage.Service, taxTable *tax.Table, archiver Archiver) *PostgresService {
	return &PostgresService{
		db:        db,
		catalog:   cat,
		customers: cust,
		usage:     use,
		taxTable:  taxTable,
		archiver:  archiver,
	}
}

func newInvoiceID() string {
	return "inv_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

const invoiceColumns = `id, COALESCE(number, ''), customer_id, subscription_id, status, currency,
	subtotal_cents, tax_cents, total_cents, period_start, period_end,
	finalized_at, paid_at, archive_key, attempt_count, next_attempt_at,
	created_at, updated_at`

// Finalize numbers a draft invoice, archives its immutable document, and
// opens it for collection. Finalizing an already finalized invoice returns
// it unchanged.
func (s *PostgresService) Finalize(ctx context.Context, id string) (*Invoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("SELECT %s FROM invoices WHERE id = $1 FOR UPDATE", invoiceColumns)
	inv, err := scanInvoice(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock invoice: %w", err)
	}

	if inv.Status != StatusDraft {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return s.Get(ctx, id)
	}

	now := time.Now().UTC()
	monthKey := now.Format("200601")

	// The counter row serializes numbering within the month; the tx holds
	// its lock until commit, so numbers are gapless per month.
	var counter int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO invoice_counters (month_key, counter)
		VALUES ($1, 1)
		ON CONFLICT (month_key) DO UPDATE SET counter = invoice_counters.counter + 1
		RETURNING counter`, monthKey).
		Scan(&counter)
	if err != nil {
		return nil, fmt.Errorf("failed to advance invoice counter: %w", err)
	}

	inv.Number = fmt.Sprintf("TLY-%s-%04d", monthKey, counter)
	inv.Status = StatusOpen
	inv.FinalizedAt = &now

	if s.archiver != nil {
		inv.ArchiveKey = storage.InvoiceKey(inv.Number, now)

		items, err := s.lineItemsTx(ctx, tx, inv.ID)
		if err != nil {
			return nil, err
		}
		inv.LineItems = items

		doc, err := json.Marshal(&archiveDocument{Invoice: inv, ArchivedAt: now})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal invoice document: %w", err)
		}
		if _, err := s.archiver.ArchiveInvoice(ctx, inv.ArchiveKey, doc); err != nil {
			// Abort so a later run renumbers and archives cleanly.
			return nil, fmt.Errorf("failed to archive invoice: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE invoices
		SET number = $1, status = $2, finalized_at = $3, archive_key = $4, updated_at = $3
		WHERE id = $5`,
		inv.Number, inv.Status, now, inv.ArchiveKey, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize invoice: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit finalization: %w", err)
	}

	inv.UpdatedAt = now
	return inv, nil
}

// Get retrieves an invoice with its line items.
func (s *PostgresService) Get(ctx context.Context, id string) (*Invoice, error) {
	query := fmt.Sprintf("SELECT %s FROM invoices WHERE id = $1", invoiceColumns)
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	items, err := s.lineItems(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.LineItems = items
	return inv, nil
}

// List returns invoices filtered by customer and/or status, newest first.
// Either filter may be empty.
func (s *PostgresService) List(ctx context.Context, customerID string, status Status, limit, offset int) ([]*Invoice, int, error) {
	where := "WHERE 1=1"
	var args []interface{}

	if customerID != "" {
		args = append(args, customerID)
		where += fmt.Sprintf(" AND customer_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM invoices "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count invoices: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM invoices %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		invoiceColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invs []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, total, rows.Err()
}

// MarkPaid settles an open invoice.
func (s *PostgresService) MarkPaid(ctx context.Context, id string, paidAt time.Time) error {
	return s.transition(ctx, id,
		"UPDATE invoices SET status = $1, paid_at = $2, next_attempt_at = NULL, updated_at = NOW() WHERE id = $3 AND status = $4",
		StatusPaid, paidAt.UTC(), id, StatusOpen)
}

// MarkUncollectible writes off an open invoice after collection exhausted.
func (s *PostgresService) MarkUncollectible(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		"UPDATE invoices SET status = $1, next_attempt_at = NULL, updated_at = NOW() WHERE id = $2 AND status = $3",
		StatusUncollectible, id, StatusOpen)
}

// Void cancels a draft or open invoice.
func (s *PostgresService) Void(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		"UPDATE invoices SET status = $1, next_attempt_at = NULL, updated_at = NOW() WHERE id = $2 AND status IN ($3, $4)",
		StatusVoid, id, StatusDraft, StatusOpen)
}

// transition runs a guarded status update; zero rows means the invoice is
// missing or in a state the transition does not allow.
func (s *PostgresService) transition(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update invoice status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check status update: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

// RecordAttempt bumps the collection attempt counter and schedules the next
// one; a nil next time clears the schedule.
func (s *PostgresService) RecordAttempt(ctx context.Context, id string, nextAttemptAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET attempt_count = attempt_count + 1, next_attempt_at = $1, updated_at = NOW()
		WHERE id = $2`,
		nextAttemptAt, id)
	if err != nil {
		return fmt.Errorf("failed to record collection attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check attempt update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresService) lineItems(ctx context.Context, invoiceID string) ([]*LineItem, error) {
	rows, err := s.db.QueryContext(ctx, lineItemQuery, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	return collectLineItems(rows)
}

func (s *PostgresService) lineItemsTx(ctx context.Context, tx *sql.Tx, invoiceID string) ([]*LineItem, error) {
	rows, err := tx.QueryContext(ctx, lineItemQuery, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	return collectLineItems(rows)
}

const lineItemQuery = `
	SELECT id, invoice_id, price_id, description, quantity, amount_cents, proration, created_at
	FROM invoice_line_items
	WHERE invoice_id = $1
	ORDER BY id`

func collectLineItems(rows *sql.Rows) ([]*LineItem, error) {
	defer rows.Close()

	var items []*LineItem
	for rows.Next() {
		item := &LineItem{}
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.PriceID, &item.Description,
			&item.Quantity, &item.AmountCents, &item.Proration, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	err := row.Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.SubscriptionID,
		&inv.Status, &inv.Currency, &inv.SubtotalCents, &inv.TaxCents, &inv.TotalCents,
		&inv.PeriodStart, &inv.PeriodEnd, &inv.FinalizedAt, &inv.PaidAt,
		&inv.ArchiveKey, &inv.AttemptCount, &inv.NextAttemptAt,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return inv, nil
}
