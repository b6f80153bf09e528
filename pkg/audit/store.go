package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tally/pkg/observability"
)

// Recorder writes audit events
type Recorder interface {
	Record(ctx context.Context, eventType EventType, objectType ObjectType, objectID string, data interface{}) error
}

// Store persists audit events in Postgres and serves trail queries.
type Store struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewStore creates an audit store.
func NewStore(db *sql.DB, logger *observability.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// actorKey carries the acting API key name through the request context.
type actorKey struct{}

// WithActor tags the context with the authenticated actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by the auth middleware, if any.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return ""
}

// Record appends one event. The actor and request ID come from the
// context; data is marshaled into the JSONB detail column. Errors are
// logged and swallowed so audit failures never fail the operation.
func (s *Store) Record(ctx context.Context, eventType EventType, objectType ObjectType, objectID string, data interface{}) error {
	detail := []byte("{}")
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			s.logger.WithError(err).Warn("failed to encode audit detail")
		} else {
			detail = encoded
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, actor, object_type, object_id, request_id, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		eventType, ActorFromContext(ctx), objectType, objectID,
		observability.GetRequestID(ctx), detail)
	if err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"event_type": string(eventType),
			"object_id":  objectID,
		}).Error("failed to record audit event")
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// List returns events matching the filter, newest first, plus the total
// match count.
func (s *Store) List(ctx context.Context, filter *Filter) ([]*Event, int, error) {
	where, args := buildWhere(filter)

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_events" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, event_type, actor, object_type, object_id, request_id, data, created_at
		FROM audit_events%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var data []byte
		err := rows.Scan(&event.ID, &event.EventType, &event.Actor, &event.ObjectType,
			&event.ObjectID, &event.RequestID, &data, &event.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Data = json.RawMessage(data)
		events = append(events, event)
	}
	return events, total, rows.Err()
}

// Trail returns the full history of one object, oldest first.
func (s *Store) Trail(ctx context.Context, objectType ObjectType, objectID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, actor, object_type, object_id, request_id, data, created_at
		FROM audit_events
		WHERE object_type = $1 AND object_id = $2
		ORDER BY created_at, id`, objectType, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var data []byte
		err := rows.Scan(&event.ID, &event.EventType, &event.Actor, &event.ObjectType,
			&event.ObjectID, &event.RequestID, &data, &event.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Data = json.RawMessage(data)
		events = append(events, event)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window and returns how
// many were removed. Run daily from the biller.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	return res.RowsAffected()
}

func buildWhere(filter *Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.ObjectType != "" {
		add("object_type = $%d", filter.ObjectType)
	}
	if filter.ObjectID != "" {
		add("object_id = $%d", filter.ObjectID)
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
