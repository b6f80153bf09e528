package audit

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/observability"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewStore(db, logger), mock
}

func TestRecordCarriesActorAndRequestID(t *testing.T) {
	store, mock := newTestStore(t)

	ctx := WithActor(context.Background(), "ops-key")
	ctx = observability.WithRequestID(ctx, "req_123")

	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(EventInvoiceFinalized, "ops-key", ObjectInvoice, "inv_1",
			"req_123", []byte(`{"number":"TLY-202608-0001"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Record(ctx, EventInvoiceFinalized, ObjectInvoice, "inv_1",
		map[string]string{"number": "TLY-202608-0001"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordWithoutContext(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(EventCustomerCreated, "", ObjectCustomer, "cus_1", "", []byte("{}")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Record(context.Background(), EventCustomerCreated, ObjectCustomer, "cus_1", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFilters(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_events WHERE object_type = \$1 AND object_id = \$2`).
		WithArgs(ObjectSubscription, "sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT id, event_type(.+)ORDER BY created_at DESC`).
		WithArgs(ObjectSubscription, "sub_1", 100, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_type", "actor", "object_type", "object_id", "request_id", "data", "created_at",
		}).AddRow(2, EventSubscriptionChanged, "ops-key", ObjectSubscription, "sub_1", "req_2", []byte(`{}`), now).
			AddRow(1, EventSubscriptionCreated, "ops-key", ObjectSubscription, "sub_1", "req_1", []byte(`{}`), now.Add(-time.Hour)))

	events, total, err := store.List(context.Background(), &Filter{
		ObjectType: ObjectSubscription,
		ObjectID:   "sub_1",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, total)
	require.Len(t, events, 2)
	assert.Equal(t, EventSubscriptionChanged, events[0].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrailOldestFirst(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, event_type(.+)ORDER BY created_at, id`).
		WithArgs(ObjectInvoice, "inv_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_type", "actor", "object_type", "object_id", "request_id", "data", "created_at",
		}).AddRow(1, EventInvoiceFinalized, "", ObjectInvoice, "inv_1", "", []byte(`{}`), now.Add(-time.Hour)).
			AddRow(2, EventInvoiceVoided, "ops-key", ObjectInvoice, "inv_1", "", []byte(`{}`), now))

	events, err := store.Trail(context.Background(), ObjectInvoice, "inv_1")
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, EventInvoiceFinalized, events[0].EventType)
	assert.Equal(t, EventInvoiceVoided, events[1].EventType)
}

func TestPrune(t *testing.T) {
	store, mock := newTestStore(t)
	cutoff := time.Now().AddDate(0, 0, -90)

	mock.ExpectExec(`DELETE FROM audit_events`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	pruned, err := store.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), pruned)
}
