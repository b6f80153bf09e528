package subscriptions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/catalog"
)

// fakeCatalog serves prices from a map; the rest of the interface is unused
// by this package.
type fakeCatalog struct {
	catalog.Service
	prices map[string]*catalog.Price
}

func (f *fakeCatalog) GetPrice(ctx context.Context, id string) (*catalog.Price, error) {
	price, ok := f.prices[id]
	if !ok {
		return nil, catalog.ErrPriceNotFound
	}
	return price, nil
}

func monthlyPrice(id, planID string, amount int64, active bool) *catalog.Price {
	return &catalog.Price{
		ID:              id,
		PlanID:          planID,
		Currency:        "usd",
		UnitAmountCents: amount,
		Interval:        catalog.IntervalMonth,
		UsageType:       catalog.UsageTypeLicensed,
		Active:          active,
	}
}

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock, *fakeCatalog) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cat := &fakeCatalog{prices: map[string]*catalog.Price{
		"price_basic": monthlyPrice("price_basic", "plan_basic", 1000, true),
		"price_pro":   monthlyPrice("price_pro", "plan_pro", 3000, true),
		"price_old":   monthlyPrice("price_old", "plan_old", 500, false),
		"price_eur": {
			ID: "price_eur", PlanID: "plan_eur", Currency: "eur",
			UnitAmountCents: 900, Interval: catalog.IntervalMonth,
			UsageType: catalog.UsageTypeLicensed, Active: true,
		},
	}}
	return NewPostgresService(db, cat), mock, cat
}

func subscriptionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "customer_id", "plan_id", "price_id", "status",
		"current_period_start", "current_period_end", "cancel_at_period_end",
		"canceled_at", "created_at", "updated_at",
	})
}

func activeSubRow(rows *sqlmock.Rows, id, priceID string, start, end time.Time) *sqlmock.Rows {
	return rows.AddRow(id, "cus_abc", "plan_basic", priceID, "active",
		start, end, false, nil, start, start)
}

func TestCreateSubscription(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectExec(`INSERT INTO subscriptions`).
		WithArgs(sqlmock.AnyArg(), "cus_abc", "plan_basic", "price_basic", StatusActive,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub, err := svc.Create(context.Background(), &CreateSubscriptionRequest{
		CustomerID: "cus_abc",
		PriceID:    "price_basic",
	})
	require.NoError(t, err)

	assert.Contains(t, sub.ID, "sub_")
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, sub.CurrentPeriodStart.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSubscriptionAlreadySubscribed(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectExec(`INSERT INTO subscriptions`).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := svc.Create(context.Background(), &CreateSubscriptionRequest{
		CustomerID: "cus_abc",
		PriceID:    "price_basic",
	})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestCreateSubscriptionInactivePrice(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), &CreateSubscriptionRequest{
		CustomerID: "cus_abc",
		PriceID:    "price_old",
	})
	assert.ErrorIs(t, err, ErrPriceInactive)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(`SELECT (.+) FROM subscriptions`).
		WithArgs("sub_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := svc.Get(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreviewProration(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mock.ExpectQuery(`SELECT (.+) FROM subscriptions`).
		WithArgs("sub_1").
		WillReturnRows(activeSubRow(subscriptionRows(), "sub_1", "price_basic", start, end))

	// Mid-period: 16 of 31 days remain.
	at := start.AddDate(0, 0, 15)
	preview, err := svc.PreviewProration(context.Background(), "sub_1", "price_pro", at)
	require.NoError(t, err)

	assert.Equal(t, int64(516), preview.CreditCents)
	assert.Equal(t, int64(1548), preview.ChargeCents)
	assert.Equal(t, int64(1032), preview.NetCents)
	assert.Equal(t, "price_pro", preview.NewPriceID)
}

func TestPreviewProrationRejectsCurrencyMismatch(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions`).
		WithArgs("sub_1").
		WillReturnRows(activeSubRow(subscriptionRows(), "sub_1", "price_basic", start, start.AddDate(0, 1, 0)))

	_, err := svc.PreviewProration(context.Background(), "sub_1", "price_eur", start)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestChangePlanStagesProrations(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC().Add(-360 * time.Hour)
	end := start.AddDate(0, 1, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions (.+) FOR UPDATE`).
		WithArgs("sub_1").
		WillReturnRows(activeSubRow(subscriptionRows(), "sub_1", "price_basic", start, end))
	// Credit for unused time, then charge for remaining time.
	mock.ExpectExec(`INSERT INTO pending_invoice_items`).
		WithArgs("cus_abc", "sub_1", "Unused time on plan_basic", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO pending_invoice_items`).
		WithArgs("cus_abc", "sub_1", "Remaining time on plan_pro", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE subscriptions SET plan_id`).
		WithArgs("plan_pro", "price_pro", sqlmock.AnyArg(), "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM pending_changes`).
		WithArgs("sub_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	sub, err := svc.ChangePlan(context.Background(), "sub_1", &ChangePlanRequest{PriceID: "price_pro"})
	require.NoError(t, err)

	assert.Equal(t, "price_pro", sub.PriceID)
	assert.Equal(t, "plan_pro", sub.PlanID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePlanWithoutProrations(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC()
	end := start.AddDate(0, 1, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions (.+) FOR UPDATE`).
		WithArgs("sub_1").
		WillReturnRows(activeSubRow(subscriptionRows(), "sub_1", "price_basic", start, end))
	mock.ExpectExec(`UPDATE subscriptions SET plan_id`).
		WithArgs("plan_pro", "price_pro", sqlmock.AnyArg(), "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM pending_changes`).
		WithArgs("sub_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	_, err := svc.ChangePlan(context.Background(), "sub_1", &ChangePlanRequest{
		PriceID:           "price_pro",
		ProrationBehavior: ProrationNone,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePlanSamePrice(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions (.+) FOR UPDATE`).
		WithArgs("sub_1").
		WillReturnRows(activeSubRow(subscriptionRows(), "sub_1", "price_basic", start, start.AddDate(0, 1, 0)))
	mock.ExpectRollback()

	_, err := svc.ChangePlan(context.Background(), "sub_1", &ChangePlanRequest{PriceID: "price_basic"})
	assert.ErrorIs(t, err, ErrSamePrice)
}

func TestChangePlanCanceledSubscription(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC()
	canceledAt := start
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions (.+) FOR UPDATE`).
		WithArgs("sub_1").
		WillReturnRows(subscriptionRows().AddRow(
			"sub_1", "cus_abc", "plan_basic", "price_basic", "canceled",
			start, start.AddDate(0, 1, 0), false, &canceledAt, start, start))
	mock.ExpectRollback()

	_, err := svc.ChangePlan(context.Background(), "sub_1", &ChangePlanRequest{PriceID: "price_pro"})
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestScheduleChangeInsertsWhenNoneOpen(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC()
	end := start.AddDate(0, 1, 0)

	mock.ExpectQuery(`SELECT (.+) FROM subscriptions`).
		WithArgs("sub_1").
		WillReturnRows(activeSubRow(subscriptionRows(), "sub_1", "price_basic", start, end))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE pending_changes`).
		WithArgs("price_pro", end, "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO pending_changes`).
		WithArgs("sub_1", "price_pro", end).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))
	mock.ExpectCommit()

	change, err := svc.ScheduleChange(context.Background(), "sub_1", &ScheduleChangeRequest{
		PriceID: "price_pro",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), change.ID)
	assert.Equal(t, end, change.EffectiveAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleChangeReplacesOpenChange(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC()
	end := start.AddDate(0, 1, 0)

	mock.ExpectQuery(`SELECT (.+) FROM subscriptions`).
		WithArgs("sub_1").
		WillReturnRows(activeSubRow(subscriptionRows(), "sub_1", "price_basic", start, end))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE pending_changes`).
		WithArgs("price_pro", end, "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, created_at FROM pending_changes`).
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(3), time.Now()))
	mock.ExpectCommit()

	change, err := svc.ScheduleChange(context.Background(), "sub_1", &ScheduleChangeRequest{
		PriceID: "price_pro",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), change.ID)
}

func TestCancelAtPeriodEnd(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions`).
		WithArgs("sub_1").
		WillReturnRows(activeSubRow(subscriptionRows(), "sub_1", "price_basic", start, start.AddDate(0, 1, 0)))
	mock.ExpectExec(`UPDATE subscriptions SET cancel_at_period_end = TRUE`).
		WithArgs(sqlmock.AnyArg(), "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub, err := svc.Cancel(context.Background(), "sub_1", true)
	require.NoError(t, err)

	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, StatusActive, sub.Status)
}

func TestCancelImmediately(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions`).
		WithArgs("sub_1").
		WillReturnRows(activeSubRow(subscriptionRows(), "sub_1", "price_basic", start, start.AddDate(0, 1, 0)))
	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs(StatusCanceled, sqlmock.AnyArg(), "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub, err := svc.Cancel(context.Background(), "sub_1", false)
	require.NoError(t, err)

	assert.Equal(t, StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
}

func TestReactivateClearsFlag(t *testing.T) {
	svc, mock, _ := newTestService(t)

	start := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions`).
		WithArgs("sub_1").
		WillReturnRows(subscriptionRows().AddRow(
			"sub_1", "cus_abc", "plan_basic", "price_basic", "active",
			start, start.AddDate(0, 1, 0), true, nil, start, start))
	mock.ExpectExec(`UPDATE subscriptions SET cancel_at_period_end = FALSE`).
		WithArgs(sqlmock.AnyArg(), "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub, err := svc.Reactivate(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestRolloverDue(t *testing.T) {
	svc, mock, _ := newTestService(t)

	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	start := now.AddDate(0, -1, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, customer_id, price_id(.+)FOR UPDATE SKIP LOCKED`).
		WithArgs(StatusActive, StatusPastDue, now).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "customer_id", "price_id", "current_period_start", "current_period_end", "cancel_at_period_end",
		}).
			AddRow("sub_roll", "cus_a", "price_basic", start, now, false).
			AddRow("sub_done", "cus_b", "price_pro", start, now, true))
	// sub_done cancels at the boundary, sub_roll advances.
	mock.ExpectExec(`UPDATE subscriptions(.+)current_period_start`).
		WithArgs(now, now.AddDate(0, 1, 0), "sub_roll").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscriptions(.+)canceled_at = current_period_end`).
		WithArgs(StatusCanceled, "sub_done").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rolled, err := svc.RolloverDue(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, rolled, 2)
	assert.Equal(t, "sub_roll", rolled[0].SubscriptionID)
	assert.Equal(t, start, rolled[0].PeriodStart)
	assert.Equal(t, now, rolled[0].PeriodEnd)
	assert.False(t, rolled[0].Canceled)
	assert.True(t, rolled[1].Canceled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDueChanges(t *testing.T) {
	svc, mock, _ := newTestService(t)

	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, subscription_id, target_price_id(.+)FOR UPDATE SKIP LOCKED`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subscription_id", "target_price_id"}).
			AddRow(int64(1), "sub_1", "price_pro").
			AddRow(int64(2), "sub_2", "price_basic"))
	mock.ExpectExec(`UPDATE subscriptions SET plan_id`).
		WithArgs("plan_pro", "price_pro", "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pending_changes SET applied_at`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscriptions SET plan_id`).
		WithArgs("plan_basic", "price_basic", "sub_2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Another worker already applied this one.
	mock.ExpectExec(`UPDATE pending_changes SET applied_at`).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := svc.ApplyDueChanges(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusInvalid(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.SetStatus(context.Background(), "sub_1", Status("frozen"))
	assert.Error(t, err)
}

func TestSetStatusNotFound(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectExec(`UPDATE subscriptions SET status`).
		WithArgs(StatusPastDue, "sub_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.SetStatus(context.Background(), "sub_missing", StatusPastDue)
	assert.ErrorIs(t, err, ErrNotFound)
}
