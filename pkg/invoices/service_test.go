package invoices

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tax"
	"github.com/platinummonkey/tally/pkg/usage"
)

type fakeCustomers struct {
	customers.Service
	customer *customers.Customer
}

func (f *fakeCustomers) GetCustomer(ctx context.Context, id string) (*customers.Customer, error) {
	return f.customer, nil
}

type fakeCatalog struct {
	catalog.Service
	price *catalog.Price
}

func (f *fakeCatalog) GetPrice(ctx context.Context, id string) (*catalog.Price, error) {
	return f.price, nil
}

type fakeUsage struct {
	usage.Service
	total int64
}

func (f *fakeUsage) TotalForPeriod(ctx context.Context, subscriptionID, metric string, from, to time.Time) (int64, error) {
	return f.total, nil
}

type fakeArchiver struct {
	key      string
	document []byte
	err      error
}

func (f *fakeArchiver) ArchiveInvoice(ctx context.Context, key string, document []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.key = key
	f.document = document
	return "checksum", nil
}

func testTaxTable(t *testing.T) *tax.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tax_rates.yaml")
	content := "default_rate: 0\nrates:\n  - country: US\n    state: CA\n    rate: 7.25\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	table, err := tax.LoadTable(path)
	require.NoError(t, err)
	return table
}

type testDeps struct {
	svc      *PostgresService
	mock     sqlmock.Sqlmock
	catalog  *fakeCatalog
	cust     *fakeCustomers
	usage    *fakeUsage
	archiver *fakeArchiver
}

func newTestService(t *testing.T) *testDeps {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	deps := &testDeps{
		mock: mock,
		cust: &fakeCustomers{customer: &customers.Customer{
			ID: "cus_abc", Currency: "usd", Country: "US", State: "CA", PostalCode: "94107",
		}},
		catalog: &fakeCatalog{price: &catalog.Price{
			ID: "price_basic", PlanID: "plan_basic", Currency: "usd",
			UnitAmountCents: 1000, Interval: catalog.IntervalMonth,
			UsageType: catalog.UsageTypeLicensed, Active: true,
		}},
		usage:    &fakeUsage{},
		archiver: &fakeArchiver{},
	}
	deps.svc = NewPostgresService(db, deps.catalog, deps.cust, deps.usage,
		testTaxTable(t), deps.archiver)
	return deps
}

func testPeriod() *subscriptions.RolledPeriod {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &subscriptions.RolledPeriod{
		SubscriptionID: "sub_1",
		CustomerID:     "cus_abc",
		PriceID:        "price_basic",
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
	}
}

func noPendingItems(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT (.+) FROM pending_invoice_items`).
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "description", "amount_cents", "proration"}))
}

func expectLineItemInsert(mock sqlmock.Sqlmock, id int64) {
	mock.ExpectQuery(`INSERT INTO invoice_line_items`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, time.Now()))
}

func TestGenerateForPeriodLicensed(t *testing.T) {
	deps := newTestService(t)

	deps.mock.ExpectBegin()
	noPendingItems(deps.mock)
	// 1000 subtotal, 7.25% CA tax rounds 72.5 up to 73.
	deps.mock.ExpectExec(`INSERT INTO invoices`).
		WithArgs(sqlmock.AnyArg(), "cus_abc", sqlmock.AnyArg(), StatusDraft, "usd",
			int64(1000), int64(73), int64(1073), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLineItemInsert(deps.mock, 1)
	deps.mock.ExpectCommit()

	inv, err := deps.svc.GenerateForPeriod(context.Background(), testPeriod())
	require.NoError(t, err)

	assert.Contains(t, inv.ID, "inv_")
	assert.Equal(t, StatusDraft, inv.Status)
	assert.Equal(t, int64(1073), inv.TotalCents)
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, int64(1000), inv.LineItems[0].AmountCents)
	assert.NoError(t, deps.mock.ExpectationsWereMet())
}

func TestGenerateForPeriodMeteredOverage(t *testing.T) {
	deps := newTestService(t)
	deps.catalog.price.UsageType = catalog.UsageTypeMetered
	deps.catalog.price.MeteredUnit = "api_calls"
	deps.catalog.price.IncludedUnits = 1000
	deps.catalog.price.OverageCents = 2
	deps.usage.total = 1500

	deps.mock.ExpectBegin()
	noPendingItems(deps.mock)
	// 1000 base + 500 units over at 2 cents = 2000 subtotal, tax 145.
	deps.mock.ExpectExec(`INSERT INTO invoices`).
		WithArgs(sqlmock.AnyArg(), "cus_abc", sqlmock.AnyArg(), StatusDraft, "usd",
			int64(2000), int64(145), int64(2145), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLineItemInsert(deps.mock, 1)
	expectLineItemInsert(deps.mock, 2)
	deps.mock.ExpectCommit()

	inv, err := deps.svc.GenerateForPeriod(context.Background(), testPeriod())
	require.NoError(t, err)

	require.Len(t, inv.LineItems, 2)
	assert.Equal(t, int64(1000), inv.LineItems[1].AmountCents)
	assert.Equal(t, int64(500), inv.LineItems[1].Quantity)
	assert.NoError(t, deps.mock.ExpectationsWereMet())
}

func TestGenerateForPeriodUnderIncludedUnits(t *testing.T) {
	deps := newTestService(t)
	deps.catalog.price.UsageType = catalog.UsageTypeMetered
	deps.catalog.price.MeteredUnit = "api_calls"
	deps.catalog.price.IncludedUnits = 1000
	deps.catalog.price.OverageCents = 2
	deps.usage.total = 900

	deps.mock.ExpectBegin()
	noPendingItems(deps.mock)
	deps.mock.ExpectExec(`INSERT INTO invoices`).
		WithArgs(sqlmock.AnyArg(), "cus_abc", sqlmock.AnyArg(), StatusDraft, "usd",
			int64(1000), int64(73), int64(1073), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLineItemInsert(deps.mock, 1)
	deps.mock.ExpectCommit()

	inv, err := deps.svc.GenerateForPeriod(context.Background(), testPeriod())
	require.NoError(t, err)
	require.Len(t, inv.LineItems, 1)
}

func TestGenerateConsumesPendingItems(t *testing.T) {
	deps := newTestService(t)

	deps.mock.ExpectBegin()
	deps.mock.ExpectQuery(`SELECT (.+) FROM pending_invoice_items`).
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "description", "amount_cents", "proration"}).
			AddRow(int64(1), "Unused time on plan_basic", int64(-516), true).
			AddRow(int64(2), "Remaining time on plan_pro", int64(1548), true))
	deps.mock.ExpectExec(`UPDATE pending_invoice_items SET consumed_invoice_id`).
		WithArgs(sqlmock.AnyArg(), pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	// Subtotal 1000 - 516 + 1548 = 2032; tax 7.25% = 147.32 -> 147.
	deps.mock.ExpectExec(`INSERT INTO invoices`).
		WithArgs(sqlmock.AnyArg(), "cus_abc", sqlmock.AnyArg(), StatusDraft, "usd",
			int64(2032), int64(147), int64(2179), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLineItemInsert(deps.mock, 1)
	expectLineItemInsert(deps.mock, 2)
	expectLineItemInsert(deps.mock, 3)
	deps.mock.ExpectCommit()

	inv, err := deps.svc.GenerateForPeriod(context.Background(), testPeriod())
	require.NoError(t, err)

	require.Len(t, inv.LineItems, 3)
	assert.True(t, inv.LineItems[1].Proration)
	assert.Equal(t, int64(-516), inv.LineItems[1].AmountCents)
	assert.NoError(t, deps.mock.ExpectationsWereMet())
}

func TestGenerateTaxExempt(t *testing.T) {
	deps := newTestService(t)
	deps.cust.customer.TaxExempt = true

	deps.mock.ExpectBegin()
	noPendingItems(deps.mock)
	deps.mock.ExpectExec(`INSERT INTO invoices`).
		WithArgs(sqlmock.AnyArg(), "cus_abc", sqlmock.AnyArg(), StatusDraft, "usd",
			int64(1000), int64(0), int64(1000), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLineItemInsert(deps.mock, 1)
	deps.mock.ExpectCommit()

	inv, err := deps.svc.GenerateForPeriod(context.Background(), testPeriod())
	require.NoError(t, err)
	assert.Zero(t, inv.TaxCents)
}

func invoiceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "number", "customer_id", "subscription_id", "status", "currency",
		"subtotal_cents", "tax_cents", "total_cents", "period_start", "period_end",
		"finalized_at", "paid_at", "archive_key", "attempt_count", "next_attempt_at",
		"created_at", "updated_at",
	})
}

func draftInvoiceRow(rows *sqlmock.Rows, id string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, "", "cus_abc", "sub_1", "draft", "usd",
		int64(1000), int64(73), int64(1073), now.AddDate(0, -1, 0), now,
		nil, nil, "", 0, nil, now, now)
}

func TestGenerateIdempotentPerPeriod(t *testing.T) {
	deps := newTestService(t)

	deps.mock.ExpectBegin()
	noPendingItems(deps.mock)
	deps.mock.ExpectExec(`INSERT INTO invoices`).
		WillReturnError(&pq.Error{Code: "23505"})
	deps.mock.ExpectRollback()
	deps.mock.ExpectQuery(`SELECT (.+) FROM invoices WHERE subscription_id`).
		WithArgs("sub_1", testPeriod().PeriodStart).
		WillReturnRows(draftInvoiceRow(invoiceRows(), "inv_existing"))

	inv, err := deps.svc.GenerateForPeriod(context.Background(), testPeriod())
	require.NoError(t, err)
	assert.Equal(t, "inv_existing", inv.ID)
	assert.NoError(t, deps.mock.ExpectationsWereMet())
}

func TestFinalize(t *testing.T) {
	deps := newTestService(t)

	deps.mock.ExpectBegin()
	deps.mock.ExpectQuery(`SELECT (.+) FROM invoices WHERE id = (.+) FOR UPDATE`).
		WithArgs("inv_1").
		WillReturnRows(draftInvoiceRow(invoiceRows(), "inv_1"))
	deps.mock.ExpectQuery(`INSERT INTO invoice_counters`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"counter"}).AddRow(7))
	deps.mock.ExpectQuery(`SELECT (.+) FROM invoice_line_items`).
		WithArgs("inv_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "invoice_id", "price_id", "description", "quantity", "amount_cents", "proration", "created_at",
		}).AddRow(int64(1), "inv_1", "price_basic", "plan_basic", int64(1), int64(1000), false, time.Now()))
	deps.mock.ExpectExec(`UPDATE invoices`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	deps.mock.ExpectCommit()

	inv, err := deps.svc.Finalize(context.Background(), "inv_1")
	require.NoError(t, err)

	monthKey := time.Now().UTC().Format("200601")
	assert.Equal(t, "TLY-"+monthKey+"-0007", inv.Number)
	assert.Equal(t, StatusOpen, inv.Status)
	require.NotNil(t, inv.FinalizedAt)

	// The archived document carries the numbered invoice.
	assert.Contains(t, deps.archiver.key, inv.Number)
	var doc archiveDocument
	require.NoError(t, json.Unmarshal(deps.archiver.document, &doc))
	assert.Equal(t, inv.Number, doc.Invoice.Number)
	assert.NoError(t, deps.mock.ExpectationsWereMet())
}

func TestFinalizeAlreadyOpenIsIdempotent(t *testing.T) {
	deps := newTestService(t)

	now := time.Now()
	openRow := func() *sqlmock.Rows {
		return invoiceRows().AddRow("inv_1", "TLY-202603-0001", "cus_abc", "sub_1", "open", "usd",
			int64(1000), int64(73), int64(1073), now.AddDate(0, -1, 0), now,
			now, nil, "invoices/2026/03/TLY-202603-0001.json", 0, nil, now, now)
	}

	deps.mock.ExpectBegin()
	deps.mock.ExpectQuery(`SELECT (.+) FROM invoices WHERE id = (.+) FOR UPDATE`).
		WithArgs("inv_1").
		WillReturnRows(openRow())
	deps.mock.ExpectCommit()
	deps.mock.ExpectQuery(`SELECT (.+) FROM invoices WHERE id`).
		WithArgs("inv_1").
		WillReturnRows(openRow())
	deps.mock.ExpectQuery(`SELECT (.+) FROM invoice_line_items`).
		WithArgs("inv_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "invoice_id", "price_id", "description", "quantity", "amount_cents", "proration", "created_at",
		}))

	inv, err := deps.svc.Finalize(context.Background(), "inv_1")
	require.NoError(t, err)
	assert.Equal(t, "TLY-202603-0001", inv.Number)
	assert.Empty(t, deps.archiver.key)
}

func TestFinalizeNotFound(t *testing.T) {
	deps := newTestService(t)

	deps.mock.ExpectBegin()
	deps.mock.ExpectQuery(`SELECT (.+) FROM invoices WHERE id = (.+) FOR UPDATE`).
		WithArgs("inv_missing").
		WillReturnError(sql.ErrNoRows)
	deps.mock.ExpectRollback()

	_, err := deps.svc.Finalize(context.Background(), "inv_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkPaid(t *testing.T) {
	deps := newTestService(t)

	paidAt := time.Now().UTC()
	deps.mock.ExpectExec(`UPDATE invoices SET status`).
		WithArgs(StatusPaid, paidAt, "inv_1", StatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, deps.svc.MarkPaid(context.Background(), "inv_1", paidAt))
}

func TestMarkPaidInvalidTransition(t *testing.T) {
	deps := newTestService(t)

	deps.mock.ExpectExec(`UPDATE invoices SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The guard found the invoice in a non-open state.
	deps.mock.ExpectQuery(`SELECT (.+) FROM invoices WHERE id`).
		WithArgs("inv_1").
		WillReturnRows(invoiceRows().AddRow("inv_1", "TLY-202603-0001", "cus_abc", "sub_1", "paid", "usd",
			int64(1000), int64(73), int64(1073), time.Now(), time.Now(),
			time.Now(), time.Now(), "", 1, nil, time.Now(), time.Now()))
	deps.mock.ExpectQuery(`SELECT (.+) FROM invoice_line_items`).
		WithArgs("inv_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "invoice_id", "price_id", "description", "quantity", "amount_cents", "proration", "created_at",
		}))

	err := deps.svc.MarkPaid(context.Background(), "inv_1", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecordAttempt(t *testing.T) {
	deps := newTestService(t)

	next := time.Now().Add(24 * time.Hour)
	deps.mock.ExpectExec(`UPDATE invoices`).
		WithArgs(&next, "inv_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, deps.svc.RecordAttempt(context.Background(), "inv_1", &next))
}
