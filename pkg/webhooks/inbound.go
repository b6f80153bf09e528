package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/tally/pkg/observability"
)

// EventStatus tracks an inbound event through processing
type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
	EventSkipped   EventStatus = "skipped"
)

// Event is a gateway event accepted for processing
type Event struct {
	ID             string          `json:"id"`
	GatewayEventID string          `json:"gateway_event_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         EventStatus     `json:"status"`
	FailureCount   int             `json:"failure_count"`
	LastError      string          `json:"last_error,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// gatewayEnvelope is the shape the gateway posts
type gatewayEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrInvalidPayload is returned when the event body does not parse.
var ErrInvalidPayload = errors.New("invalid event payload")

// Handler processes one inbound event.
type Handler func(ctx context.Context, event *Event) error

// Ingestor verifies, deduplicates, stores, and processes inbound gateway
// events.
type Ingestor struct {
	db        *sql.DB
	secret    string
	tolerance time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewIngestor creates an inbound event ingestor. metrics may be nil.
func NewIngestor(db *sql.DB, secret string, tolerance time.Duration,
	logger *observability.Logger, metrics *observability.Metrics) *Ingestor {
	return &Ingestor{
		db:        db,
		secret:    secret,
		tolerance: tolerance,
		logger:    logger,
		metrics:   metrics,
		handlers:  make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to an event type. Events with no handler
// are stored and marked skipped.
func (in *Ingestor) RegisterHandler(eventType string, handler Handler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers[eventType] = handler
}

func (in *Ingestor) handlerFor(eventType string) (Handler, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	h, ok := in.handlers[eventType]
	return h, ok
}

func newEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Ingest verifies the signature and stores the event. The bool reports
// whether the gateway already delivered this event; duplicates are not
// stored again and not reprocessed.
func (in *Ingestor) Ingest(ctx context.Context, payload []byte, sigHeader string) (*Event, bool, error) {
	if err := VerifySignature(payload, sigHeader, in.secret, in.tolerance, time.Now()); err != nil {
		in.countEvent("unknown", "rejected")
		return nil, false, err
	}

	var envelope gatewayEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.ID == "" || envelope.Type == "" {
		in.countEvent("unknown", "invalid")
		return nil, false, ErrInvalidPayload
	}

	event := &Event{
		ID:             newEventID(),
		GatewayEventID: envelope.ID,
		Type:           envelope.Type,
		Payload:        json.RawMessage(payload),
		Status:         EventReceived,
		ReceivedAt:     time.Now().UTC(),
	}

	_, err := in.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, gateway_event_id, event_type, payload, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.GatewayEventID, event.Type, []byte(event.Payload),
		event.Status, event.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			in.countEvent(event.Type, "duplicate")
			existing, err := in.getByGatewayID(ctx, envelope.ID)
			if err != nil {
				return nil, true, err
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("failed to store event: %w", err)
	}

	in.countEvent(event.Type, "accepted")
	return event, false, nil
}

// Process runs the registered handler for one event and records the
// outcome. A missing handler marks the event skipped.
func (in *Ingestor) Process(ctx context.Context, event *Event) error {
	handler, ok := in.handlerFor(event.Type)
	if !ok {
		in.countEvent(event.Type, "skipped")
		return in.setStatus(ctx, event.ID, EventSkipped, "")
	}

	if err := handler(ctx, event); err != nil {
		in.logger.WithError(err).WithField("event_type", event.Type).
			Error("event handler failed")
		in.countEvent(event.Type, "failed")
		if updateErr := in.recordFailure(ctx, event.ID, err); updateErr != nil {
			return updateErr
		}
		return err
	}

	in.countEvent(event.Type, "processed")
	return in.setStatus(ctx, event.ID, EventProcessed, "")
}

// ProcessPending picks up events that were stored but not yet processed,
// typically after a crash between Ingest and Process. Each row is claimed
// with SKIP LOCKED so concurrent workers split the backlog.
func (in *Ingestor) ProcessPending(ctx context.Context, limit int) (int, error) {
	tx, err := in.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, gateway_event_id, event_type, payload, status, failure_count, received_at
		FROM webhook_events
		WHERE status = $1
		ORDER BY received_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		EventReceived, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to select pending events: %w", err)
	}

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var payload []byte
		if err := rows.Scan(&event.ID, &event.GatewayEventID, &event.Type, &payload,
			&event.Status, &event.FailureCount, &event.ReceivedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan pending event: %w", err)
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read pending events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit claim: %w", err)
	}

	processed := 0
	for _, event := range events {
		if err := in.Process(ctx, event); err == nil {
			processed++
		}
	}
	return processed, nil
}

// PruneProcessed deletes processed and skipped events older than the cutoff.
// Failed events are kept so the backlog stays visible.
func (in *Ingestor) PruneProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := in.db.ExecContext(ctx, `
		DELETE FROM webhook_events
		WHERE status IN ($1, $2) AND received_at < $3`,
		EventProcessed, EventSkipped, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}

func (in *Ingestor) getByGatewayID(ctx context.Context, gatewayEventID string) (*Event, error) {
	event := &Event{}
	var payload []byte
	err := in.db.QueryRowContext(ctx, `
		SELECT id, gateway_event_id, event_type, payload, status, failure_count, last_error, received_at, processed_at
		FROM webhook_events
		WHERE gateway_event_id = $1`, gatewayEventID).
		Scan(&event.ID, &event.GatewayEventID, &event.Type, &payload, &event.Status,
			&event.FailureCount, &event.LastError, &event.ReceivedAt, &event.ProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	event.Payload = json.RawMessage(payload)
	return event, nil
}

func (in *Ingestor) setStatus(ctx context.Context, id string, status EventStatus, lastError string) error {
	_, err := in.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, last_error = $2, processed_at = NOW()
		WHERE id = $3`,
		status, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	return nil
}

func (in *Ingestor) recordFailure(ctx context.Context, id string, cause error) error {
	_, err := in.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, failure_count = failure_count + 1, last_error = $2
		WHERE id = $3`,
		EventFailed, cause.Error(), id)
	if err != nil {
		return fmt.Errorf("failed to record event failure: %w", err)
	}
	return nil
}

func (in *Ingestor) countEvent(eventType, outcome string) {
	if in.metrics != nil {
		in.metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
