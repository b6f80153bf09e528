package webhooks

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/observability"
)

func newTestIngestor(t *testing.T) (*Ingestor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewIngestor(db, testSecret, 5*time.Minute, logger, nil), mock
}

func signedPayload(t *testing.T, body string) ([]byte, string) {
	t.Helper()
	payload := []byte(body)
	return payload, Sign(testSecret, time.Now(), payload)
}

func TestIngestStoresEvent(t *testing.T) {
	ingestor, mock := newTestIngestor(t)
	payload, header := signedPayload(t, `{"id":"gw_evt_1","type":"charge.succeeded","data":{}}`)

	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs(sqlmock.AnyArg(), "gw_evt_1", "charge.succeeded", payload,
			EventReceived, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event, duplicate, err := ingestor.Ingest(context.Background(), payload, header)
	require.NoError(t, err)

	assert.False(t, duplicate)
	assert.Contains(t, event.ID, "evt_")
	assert.Equal(t, "gw_evt_1", event.GatewayEventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestRejectsBadSignature(t *testing.T) {
	ingestor, _ := newTestIngestor(t)
	payload := []byte(`{"id":"gw_evt_1","type":"charge.succeeded"}`)
	header := Sign("wrong_secret", time.Now(), payload)

	_, _, err := ingestor.Ingest(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestIngestRejectsStaleSignature(t *testing.T) {
	ingestor, _ := newTestIngestor(t)
	payload := []byte(`{"id":"gw_evt_1","type":"charge.succeeded"}`)
	header := Sign(testSecret, time.Now().Add(-time.Hour), payload)

	_, _, err := ingestor.Ingest(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrSignatureExpired)
}

func TestIngestRejectsInvalidEnvelope(t *testing.T) {
	ingestor, _ := newTestIngestor(t)
	payload, header := signedPayload(t, `{"type":"charge.succeeded"}`)

	_, _, err := ingestor.Ingest(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestIngestDeduplicates(t *testing.T) {
	ingestor, mock := newTestIngestor(t)
	payload, header := signedPayload(t, `{"id":"gw_evt_1","type":"charge.succeeded"}`)

	mock.ExpectExec(`INSERT INTO webhook_events`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`SELECT (.+) FROM webhook_events`).
		WithArgs("gw_evt_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "gateway_event_id", "event_type", "payload", "status",
			"failure_count", "last_error", "received_at", "processed_at",
		}).AddRow("evt_first", "gw_evt_1", "charge.succeeded", payload,
			"processed", 0, "", time.Now(), time.Now()))

	event, duplicate, err := ingestor.Ingest(context.Background(), payload, header)
	require.NoError(t, err)

	assert.True(t, duplicate)
	assert.Equal(t, "evt_first", event.ID)
	assert.Equal(t, EventProcessed, event.Status)
}

func TestProcessRunsHandler(t *testing.T) {
	ingestor, mock := newTestIngestor(t)

	var handled *Event
	ingestor.RegisterHandler("charge.succeeded", func(ctx context.Context, event *Event) error {
		handled = event
		return nil
	})

	mock.ExpectExec(`UPDATE webhook_events`).
		WithArgs(EventProcessed, "", "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := &Event{ID: "evt_1", Type: "charge.succeeded"}
	require.NoError(t, ingestor.Process(context.Background(), event))
	assert.Equal(t, event, handled)
}

func TestProcessRecordsHandlerFailure(t *testing.T) {
	ingestor, mock := newTestIngestor(t)

	handlerErr := errors.New("invoice not found")
	ingestor.RegisterHandler("charge.failed", func(ctx context.Context, event *Event) error {
		return handlerErr
	})

	mock.ExpectExec(`UPDATE webhook_events`).
		WithArgs(EventFailed, "invoice not found", "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ingestor.Process(context.Background(), &Event{ID: "evt_1", Type: "charge.failed"})
	assert.ErrorIs(t, err, handlerErr)
}

func TestProcessSkipsUnhandledType(t *testing.T) {
	ingestor, mock := newTestIngestor(t)

	mock.ExpectExec(`UPDATE webhook_events`).
		WithArgs(EventSkipped, "", "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ingestor.Process(context.Background(), &Event{ID: "evt_1", Type: "customer.updated"})
	assert.NoError(t, err)
}
