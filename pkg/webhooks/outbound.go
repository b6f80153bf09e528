package webhooks

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Billing event types published to registered endpoints.
const (
	EventInvoiceCreated       = "invoice.created"
	EventInvoiceFinalized     = "invoice.finalized"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventInvoiceUncollectible = "invoice.uncollectible"
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
	EventCheckoutCompleted    = "checkout.completed"
	EventDunningExhausted     = "dunning.exhausted"
)

// ErrEndpointNotFound is returned when an endpoint does not exist.
var ErrEndpointNotFound = errors.New("webhook endpoint not found")

// Endpoint is a registered consumer of outbound events
type Endpoint struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	EventTypes []string  `json:"event_types"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateEndpointRequest is the payload for registering an endpoint.
// EventTypes empty means all events.
type CreateEndpointRequest struct {
	URL        string   `json:"url" validate:"required,url"`
	EventTypes []string `json:"event_types"`
}

// DeliveryStatus tracks an outbound delivery
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is one event bound for one endpoint
type Delivery struct {
	ID           string          `json:"id"`
	EndpointID   string          `json:"endpoint_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       DeliveryStatus  `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EndpointStore manages endpoints and enqueues deliveries
type EndpointStore struct {
	db *sql.DB
}

// NewEndpointStore creates an endpoint store backed by PostgreSQL.
func NewEndpointStore(db *sql.DB) *EndpointStore {
	return &EndpointStore{db: db}
}

func newEndpointID() string {
	return "we_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func newDeliveryID() string {
	return "wd_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// newEndpointSecret generates the signing secret shown once at creation.
func newEndpointSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// CreateEndpoint registers an endpoint and returns it with its secret. The
// secret is only returned here; listings omit it.
func (s *EndpointStore) CreateEndpoint(ctx context.Context, req *CreateEndpointRequest) (*Endpoint, error) {
	secret, err := newEndpointSecret()
	if err != nil {
		return nil, err
	}

	endpoint := &Endpoint{
		ID:         newEndpointID(),
		URL:        req.URL,
		Secret:     secret,
		EventTypes: req.EventTypes,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, url, secret, event_types, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		endpoint.ID, endpoint.URL, endpoint.Secret, pq.Array(endpoint.EventTypes),
		endpoint.Active, endpoint.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}
	return endpoint, nil
}

// GetEndpoint retrieves an endpoint including its secret; callers exposing
// endpoints over the API must blank it.
func (s *EndpointStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	endpoint := &Endpoint{}
	var eventTypes pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT id, url, secret, event_types, active, created_at
		FROM webhook_endpoints
		WHERE id = $1`, id).
		Scan(&endpoint.ID, &endpoint.URL, &endpoint.Secret, &eventTypes,
			&endpoint.Active, &endpoint.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}
	endpoint.EventTypes = eventTypes
	return endpoint, nil
}

// ListEndpoints returns all endpoints with secrets blanked.
func (s *EndpointStore) ListEndpoints(ctx context.Context) ([]*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, event_types, active, created_at
		FROM webhook_endpoints
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*Endpoint
	for rows.Next() {
		endpoint := &Endpoint{}
		var eventTypes pq.StringArray
		if err := rows.Scan(&endpoint.ID, &endpoint.URL, &eventTypes,
			&endpoint.Active, &endpoint.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		endpoint.EventTypes = eventTypes
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, rows.Err()
}

// SetEndpointActive toggles delivery to an endpoint.
func (s *EndpointStore) SetEndpointActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE webhook_endpoints SET active = $1 WHERE id = $2", active, id)
	if err != nil {
		return fmt.Errorf("failed to update endpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check endpoint update: %w", err)
	}
	if affected == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

// DeleteEndpoint removes an endpoint and, via cascade, its deliveries.
func (s *EndpointStore) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM webhook_endpoints WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check endpoint delete: %w", err)
	}
	if affected == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

// Enqueue fans an event out to every active endpoint subscribed to its
// type and returns the number of deliveries queued. Empty event_types on an
// endpoint subscribes it to everything.
func (s *EndpointStore) Enqueue(ctx context.Context, eventType string, data interface{}) (int, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"id":         newEventID(),
		"type":       eventType,
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"data":       data,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, endpoint_id, event_type, payload, status)
		SELECT $1 || id, id, $2, $3, $4
		FROM webhook_endpoints
		WHERE active AND (event_types = '{}' OR $2 = ANY(event_types))`,
		newDeliveryID()+":", eventType, payload, DeliveryPending)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue deliveries: %w", err)
	}

	queued, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check enqueue result: %w", err)
	}
	return int(queued), nil
}
