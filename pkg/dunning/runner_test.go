package dunning

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/invoices"
	"github.com/platinummonkey/tally/pkg/payments"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

type fakeCharger struct {
	attempts []string
	status   payments.AttemptStatus
	err      error
}

func (f *fakeCharger) ChargeInvoice(ctx context.Context, invoiceID string) (*payments.Attempt, error) {
	f.attempts = append(f.attempts, invoiceID)
	if f.err != nil {
		return nil, f.err
	}
	return &payments.Attempt{InvoiceID: invoiceID, Status: f.status}, nil
}

type fakeInvoices struct {
	invoices.Service
	invoice       *invoices.Invoice
	uncollectible []string
}

func (f *fakeInvoices) Get(ctx context.Context, id string) (*invoices.Invoice, error) {
	if f.invoice == nil || f.invoice.ID != id {
		return nil, invoices.ErrNotFound
	}
	return f.invoice, nil
}

func (f *fakeInvoices) MarkUncollectible(ctx context.Context, id string) error {
	f.uncollectible = append(f.uncollectible, id)
	return nil
}

type fakeSubscriptions struct {
	subscriptions.Service
	statuses map[string]subscriptions.Status
}

func (f *fakeSubscriptions) SetStatus(ctx context.Context, id string, status subscriptions.Status) error {
	if f.statuses == nil {
		f.statuses = map[string]subscriptions.Status{}
	}
	f.statuses[id] = status
	return nil
}

type fakeCustomers struct {
	customers.Service
}

func (f *fakeCustomers) GetCustomer(ctx context.Context, id string) (*customers.Customer, error) {
	return &customers.Customer{ID: id, Email: "payer@example.com", Name: "Payer"}, nil
}

type fakeEnqueuer struct {
	events []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, eventType string, data interface{}) (int, error) {
	f.events = append(f.events, eventType)
	return 1, nil
}

type recordingMailer struct {
	sent []*PaymentFailedEmail
}

func (m *recordingMailer) SendPaymentFailed(ctx context.Context, email *PaymentFailedEmail) error {
	m.sent = append(m.sent, email)
	return nil
}

func openInvoice(id string) *invoices.Invoice {
	subID := "sub_1"
	return &invoices.Invoice{
		ID:             id,
		Number:         "TLY-202608-0001",
		CustomerID:     "cus_1",
		SubscriptionID: &subID,
		Status:         invoices.StatusOpen,
		Currency:       "usd",
		TotalCents:     1073,
	}
}

type testRunner struct {
	runner  *Runner
	mock    sqlmock.Sqlmock
	charger *fakeCharger
	inv     *fakeInvoices
	subs    *fakeSubscriptions
	events  *fakeEnqueuer
	mailer  *recordingMailer
}

func newTestRunner(t *testing.T) *testRunner {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tr := &testRunner{
		mock:    mock,
		charger: &fakeCharger{status: payments.AttemptFailed},
		inv:     &fakeInvoices{invoice: openInvoice("inv_1")},
		subs:    &fakeSubscriptions{},
		events:  &fakeEnqueuer{},
		mailer:  &recordingMailer{},
	}
	tr.runner = NewRunner(db, nil, tr.charger, tr.inv, tr.subs, &fakeCustomers{},
		tr.events, tr.mailer, nil)
	return tr
}

func expectClaim(mock sqlmock.Sqlmock, now time.Time, stepID int64, invoiceID string, step int) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, invoice_id, step(.+)FOR UPDATE SKIP LOCKED`).
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "invoice_id", "step"}).
			AddRow(stepID, invoiceID, step))
	mock.ExpectExec(`UPDATE dunning_attempts SET executed_at`).
		WithArgs(now, stepID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestScheduleInsertsAllSteps(t *testing.T) {
	tr := newTestRunner(t)
	failedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tr.mock.ExpectBegin()
	for i, offset := range DefaultSchedule() {
		tr.mock.ExpectExec(`INSERT INTO dunning_attempts`).
			WithArgs("inv_1", i+1, failedAt.Add(offset)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	tr.mock.ExpectCommit()

	require.NoError(t, tr.runner.Schedule(context.Background(), "inv_1", failedAt))
	assert.NoError(t, tr.mock.ExpectationsWereMet())
}

func TestProcessDueChargeFails(t *testing.T) {
	tr := newTestRunner(t)
	now := time.Now().UTC()

	expectClaim(tr.mock, now, 7, "inv_1", 1)
	tr.mock.ExpectExec(`UPDATE dunning_attempts SET outcome`).
		WithArgs(OutcomeFailed, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	recovered, err := tr.runner.ProcessDue(context.Background(), now, 50)
	require.NoError(t, err)

	assert.Zero(t, recovered)
	assert.Equal(t, []string{"inv_1"}, tr.charger.attempts)
	require.Len(t, tr.mailer.sent, 1)
	assert.Equal(t, "payer@example.com", tr.mailer.sent[0].To)
	assert.Equal(t, 1, tr.mailer.sent[0].Step)
	assert.False(t, tr.mailer.sent[0].FinalNotice)
	assert.Empty(t, tr.inv.uncollectible)
	assert.NoError(t, tr.mock.ExpectationsWereMet())
}

func TestProcessDueRecovers(t *testing.T) {
	tr := newTestRunner(t)
	tr.charger.status = payments.AttemptSucceeded
	now := time.Now().UTC()

	expectClaim(tr.mock, now, 7, "inv_1", 2)
	// Recovery drops the remaining schedule.
	tr.mock.ExpectExec(`DELETE FROM dunning_attempts`).
		WithArgs("inv_1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	tr.mock.ExpectExec(`UPDATE dunning_attempts SET outcome`).
		WithArgs(OutcomeRecovered, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	recovered, err := tr.runner.ProcessDue(context.Background(), now, 50)
	require.NoError(t, err)

	assert.Equal(t, 1, recovered)
	assert.Empty(t, tr.mailer.sent)
	assert.NoError(t, tr.mock.ExpectationsWereMet())
}

func TestProcessDueHaltsWhenInvoicePaid(t *testing.T) {
	tr := newTestRunner(t)
	tr.inv.invoice.Status = invoices.StatusPaid
	now := time.Now().UTC()

	expectClaim(tr.mock, now, 7, "inv_1", 1)
	tr.mock.ExpectExec(`DELETE FROM dunning_attempts`).
		WithArgs("inv_1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	tr.mock.ExpectExec(`UPDATE dunning_attempts SET outcome`).
		WithArgs(OutcomeHalted, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	recovered, err := tr.runner.ProcessDue(context.Background(), now, 50)
	require.NoError(t, err)

	assert.Zero(t, recovered)
	assert.Empty(t, tr.charger.attempts, "paid invoice must not be recharged")
	assert.NoError(t, tr.mock.ExpectationsWereMet())
}

func TestProcessDueExhausts(t *testing.T) {
	tr := newTestRunner(t)
	now := time.Now().UTC()

	// Step 4 of 4: final failure writes the invoice off.
	expectClaim(tr.mock, now, 7, "inv_1", 4)
	tr.mock.ExpectExec(`UPDATE dunning_attempts SET outcome`).
		WithArgs(OutcomeExhausted, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	recovered, err := tr.runner.ProcessDue(context.Background(), now, 50)
	require.NoError(t, err)

	assert.Zero(t, recovered)
	assert.Equal(t, []string{"inv_1"}, tr.inv.uncollectible)
	assert.Equal(t, subscriptions.StatusCanceled, tr.subs.statuses["sub_1"])
	assert.Equal(t, []string{"dunning.exhausted"}, tr.events.events)
	require.Len(t, tr.mailer.sent, 1)
	assert.True(t, tr.mailer.sent[0].FinalNotice)
	assert.NoError(t, tr.mock.ExpectationsWereMet())
}

func TestProcessDueGatewayOutageReleasesStep(t *testing.T) {
	tr := newTestRunner(t)
	tr.charger.err = payments.ErrGatewayUnavailable
	now := time.Now().UTC()

	// The claim is undone instead of recording an outcome, so the step
	// stays due for the next pass.
	expectClaim(tr.mock, now, 7, "inv_1", 1)
	tr.mock.ExpectExec(`UPDATE dunning_attempts SET executed_at = NULL`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	recovered, err := tr.runner.ProcessDue(context.Background(), now, 50)
	require.NoError(t, err)

	assert.Zero(t, recovered)
	assert.Empty(t, tr.mailer.sent, "outage must not email the customer")
	assert.Empty(t, tr.inv.uncollectible)
	assert.NoError(t, tr.mock.ExpectationsWereMet())
}

func TestProcessDueGatewayOutageOnFinalStep(t *testing.T) {
	tr := newTestRunner(t)
	tr.charger.err = payments.ErrGatewayUnavailable
	now := time.Now().UTC()

	// An outage on the last step must not count as exhaustion.
	expectClaim(tr.mock, now, 7, "inv_1", 4)
	tr.mock.ExpectExec(`UPDATE dunning_attempts SET executed_at = NULL`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	recovered, err := tr.runner.ProcessDue(context.Background(), now, 50)
	require.NoError(t, err)

	assert.Zero(t, recovered)
	assert.Empty(t, tr.inv.uncollectible)
	assert.Empty(t, tr.events.events)
	assert.NoError(t, tr.mock.ExpectationsWereMet())
}

func TestCancelSchedule(t *testing.T) {
	tr := newTestRunner(t)

	tr.mock.ExpectExec(`DELETE FROM dunning_attempts`).
		WithArgs("inv_1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	require.NoError(t, tr.runner.CancelSchedule(context.Background(), "inv_1"))
	assert.NoError(t, tr.mock.ExpectationsWereMet())
}
