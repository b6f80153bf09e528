package usage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewPostgresService(db, storage.NewRedisClientFromExisting(client, storage.DefaultConfig())), mock
}

func recordColumns() []string {
	return []string{"id", "subscription_id", "metric", "quantity", "idempotency_key", "recorded_at"}
}

func TestRecordUsage(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`INSERT INTO usage_records`).
		WithArgs("sub_1", "api_calls", int64(42), "key-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))

	record, duplicate, err := svc.Record(context.Background(), &RecordRequest{
		SubscriptionID: "sub_1",
		Metric:         "api_calls",
		Quantity:       42,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	assert.False(t, duplicate)
	assert.Equal(t, int64(10), record.ID)
	assert.Equal(t, int64(42), record.Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUsageDuplicateViaRedis(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`INSERT INTO usage_records`).
		WithArgs("sub_1", "api_calls", int64(42), "key-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	// The retry never reaches INSERT; the claim routes it to the lookup.
	mock.ExpectQuery(`SELECT (.+) FROM usage_records`).
		WithArgs("sub_1", "key-1").
		WillReturnRows(sqlmock.NewRows(recordColumns()).
			AddRow(int64(10), "sub_1", "api_calls", int64(42), "key-1", time.Now()))

	req := &RecordRequest{
		SubscriptionID: "sub_1",
		Metric:         "api_calls",
		Quantity:       42,
		IdempotencyKey: "key-1",
	}

	_, duplicate, err := svc.Record(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, duplicate)

	record, duplicate, err := svc.Record(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, int64(10), record.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUsageDuplicateViaUniqueIndex(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc := NewPostgresService(db, nil) // no redis; index does the work

	mock.ExpectQuery(`INSERT INTO usage_records`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`SELECT (.+) FROM usage_records`).
		WithArgs("sub_1", "key-1").
		WillReturnRows(sqlmock.NewRows(recordColumns()).
			AddRow(int64(10), "sub_1", "api_calls", int64(42), "key-1", time.Now()))

	record, duplicate, err := svc.Record(context.Background(), &RecordRequest{
		SubscriptionID: "sub_1",
		Metric:         "api_calls",
		Quantity:       42,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, int64(10), record.ID)
}

func TestRecordUsageTimestampOutsidePeriod(t *testing.T) {
	svc, mock := newTestService(t)

	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	backdated := periodStart.AddDate(0, -1, 0)

	mock.ExpectQuery(`SELECT current_period_start, current_period_end`).
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"current_period_start", "current_period_end"}).
			AddRow(periodStart, periodEnd))

	_, _, err := svc.Record(context.Background(), &RecordRequest{
		SubscriptionID: "sub_1",
		Metric:         "api_calls",
		Quantity:       42,
		IdempotencyKey: "key-late",
		Timestamp:      &backdated,
	})
	assert.ErrorIs(t, err, ErrOutsidePeriod)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUsageTimestampInPeriod(t *testing.T) {
	svc, mock := newTestService(t)

	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	inPeriod := periodStart.AddDate(0, 0, 10)

	mock.ExpectQuery(`SELECT current_period_start, current_period_end`).
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"current_period_start", "current_period_end"}).
			AddRow(periodStart, periodEnd))
	mock.ExpectQuery(`INSERT INTO usage_records`).
		WithArgs("sub_1", "api_calls", int64(42), "key-2", inPeriod).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	record, duplicate, err := svc.Record(context.Background(), &RecordRequest{
		SubscriptionID: "sub_1",
		Metric:         "api_calls",
		Quantity:       42,
		IdempotencyKey: "key-2",
		Timestamp:      &inPeriod,
	})
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, inPeriod, record.RecordedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUsageUnknownSubscription(t *testing.T) {
	svc, mock := newTestService(t)

	ts := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT current_period_start, current_period_end`).
		WithArgs("sub_missing").
		WillReturnError(sql.ErrNoRows)

	_, _, err := svc.Record(context.Background(), &RecordRequest{
		SubscriptionID: "sub_missing",
		Metric:         "api_calls",
		Quantity:       1,
		IdempotencyKey: "key-3",
		Timestamp:      &ts,
	})
	assert.ErrorIs(t, err, subscriptions.ErrNotFound)
}

func TestSummarize(t *testing.T) {
	svc, mock := newTestService(t)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	mock.ExpectQuery(`SELECT metric, COALESCE`).
		WithArgs("sub_1", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"metric", "sum"}).
			AddRow("api_calls", int64(1500)).
			AddRow("storage_gb", int64(12)))

	summary, err := svc.Summarize(context.Background(), "sub_1", from, to)
	require.NoError(t, err)

	require.Len(t, summary.Totals, 2)
	assert.Equal(t, "api_calls", summary.Totals[0].Metric)
	assert.Equal(t, int64(1500), summary.Totals[0].Quantity)
}

func TestTotalForPeriod(t *testing.T) {
	svc, mock := newTestService(t)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	mock.ExpectQuery(`SELECT COALESCE\(SUM`).
		WithArgs("sub_1", "api_calls", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(1500)))

	total, err := svc.TotalForPeriod(context.Background(), "sub_1", "api_calls", from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), total)
}

func TestRollupDay(t *testing.T) {
	svc, mock := newTestService(t)

	day := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	dayStart := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO usage_rollups`).
		WithArgs(dayStart, dayStart.AddDate(0, 0, 1)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	touched, err := svc.RollupDay(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, 3, touched)
}
