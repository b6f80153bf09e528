package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// ErrNotFound is returned when a usage record does not exist.
var ErrNotFound = errors.New("usage record not found")

// ErrOutsidePeriod is returned when a caller-supplied timestamp falls
// outside the subscription's current billing period.
var ErrOutsidePeriod = errors.New("usage timestamp outside current billing period")

// claimTTL bounds how long an idempotency key stays claimed in redis. The
// database unique index covers retries beyond the window.
const claimTTL = 24 * time.Hour

// Service ingests and aggregates usage
type Service interface {
	// Record ingests one measurement. The bool reports whether this key was
	// already recorded; duplicates return the original record unchanged.
	Record(ctx context.Context, req *RecordRequest) (*Record, bool, error)
	Summarize(ctx context.Context, subscriptionID string, from, to time.Time) (*Summary, error)
	TotalForPeriod(ctx context.Context, subscriptionID, metric string, from, to time.Time) (int64, error)
	ListRecords(ctx context.Context, subscriptionID, metric string, from, to time.Time, limit, offset int) ([]*Record, error)
	RollupDay(ctx context.Context, day time.Time) (int, error)
}

// PostgresService implements Service using PostgreSQL with a redis
// idempotency claim in front of the unique index.
type PostgresService struct {
	db    *sql.DB
	redis *storage.RedisClient
}

// NewPostgresService creates a usage service. redis may be nil; the unique
// index alone then enforces idempotency.
func NewPostgresService(db *sql.DB, redis *storage.RedisClient) *PostgresService {
	return &PostgresService{db: db, redis: redis}
}

// Record ingests a usage measurement idempotently.
func (s *PostgresService) Record(ctx context.Context, req *RecordRequest) (*Record, bool, error) {
	recordedAt := time.Now().UTC()
	if req.Timestamp != nil {
		recordedAt = req.Timestamp.UTC()
		if err := s.checkPeriod(ctx, req.SubscriptionID, recordedAt); err != nil {
			return nil, false, err
		}
	}

	if s.redis != nil {
		claimed, err := s.redis.ClaimIdempotencyKey(ctx, "usage",
			req.SubscriptionID+":"+req.IdempotencyKey, claimTTL)
		// Redis errors fail open; the unique index is the source of truth.
		if err == nil && !claimed {
			existing, err := s.getByKey(ctx, req.SubscriptionID, req.IdempotencyKey)
			if err == nil {
				return existing, true, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, false, err
			}
			// Claimed earlier but never written; fall through and insert.
		}
	}

	record := &Record{
		SubscriptionID: req.SubscriptionID,
		Metric:         req.Metric,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
		RecordedAt:     recordedAt,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_records (subscription_id, metric, quantity, idempotency_key, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		record.SubscriptionID, record.Metric, record.Quantity,
		record.IdempotencyKey, record.RecordedAt).
		Scan(&record.ID)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.getByKey(ctx, req.SubscriptionID, req.IdempotencyKey)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("failed to record usage: %w", err)
	}

	return record, false, nil
}

// checkPeriod rejects timestamps outside [current_period_start,
// current_period_end). Server-stamped records skip this; they are current
// by construction, and checking them would drop live traffic in the gap
// before period rollover runs.
func (s *PostgresService) checkPeriod(ctx context.Context, subscriptionID string, at time.Time) error {
	var start, end time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT current_period_start, current_period_end
		FROM subscriptions
		WHERE id = $1`, subscriptionID).
		Scan(&start, &end)
	if err == sql.ErrNoRows {
		return subscriptions.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription period: %w", err)
	}
	if at.Before(start) || !at.Before(end) {
		return ErrOutsidePeriod
	}
	return nil
}

func (s *PostgresService) getByKey(ctx context.Context, subscriptionID, key string) (*Record, error) {
	record := &Record{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subscription_id, metric, quantity, idempotency_key, recorded_at
		FROM usage_records
		WHERE subscription_id = $1 AND idempotency_key = $2`,
		subscriptionID, key).
		Scan(&record.ID, &record.SubscriptionID, &record.Metric,
			&record.Quantity, &record.IdempotencyKey, &record.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return record, nil
}

// Summarize returns per-metric totals for the window [from, to).
func (s *PostgresService) Summarize(ctx context.Context, subscriptionID string, from, to time.Time) (*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric, COALESCE(SUM(quantity), 0)
		FROM usage_records
		WHERE subscription_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		GROUP BY metric
		ORDER BY metric`,
		subscriptionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	summary := &Summary{
		SubscriptionID: subscriptionID,
		PeriodStart:    from,
		PeriodEnd:      to,
	}
	for rows.Next() {
		total := &MetricTotal{}
		if err := rows.Scan(&total.Metric, &total.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan usage total: %w", err)
		}
		summary.Totals = append(summary.Totals, total)
	}
	return summary, rows.Err()
}

// TotalForPeriod returns one metric's total for the window [from, to).
func (s *PostgresService) TotalForPeriod(ctx context.Context, subscriptionID, metric string, from, to time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_records
		WHERE subscription_id = $1 AND metric = $2 AND recorded_at >= $3 AND recorded_at < $4`,
		subscriptionID, metric, from, to).
		Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to total usage: %w", err)
	}
	return total, nil
}

// ListRecords returns raw records for the window, newest first. metric may
// be empty to list all metrics.
func (s *PostgresService) ListRecords(ctx context.Context, subscriptionID, metric string, from, to time.Time, limit, offset int) ([]*Record, error) {
	query := `
		SELECT id, subscription_id, metric, quantity, idempotency_key, recorded_at
		FROM usage_records
		WHERE subscription_id = $1 AND recorded_at >= $2 AND recorded_at < $3`
	args := []interface{}{subscriptionID, from, to}

	if metric != "" {
		query += fmt.Sprintf(" AND metric = $%d", len(args)+1)
		args = append(args, metric)
	}
	query += fmt.Sprintf(" ORDER BY recorded_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record := &Record{}
		if err := rows.Scan(&record.ID, &record.SubscriptionID, &record.Metric,
			&record.Quantity, &record.IdempotencyKey, &record.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// RollupDay aggregates one calendar day of records into usage_rollups and
// returns the number of (subscription, metric) buckets touched. Re-running a
// day overwrites its buckets, so the rollup stays correct for late records.
func (s *PostgresService) RollupDay(ctx context.Context, day time.Time) (int, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_rollups (subscription_id, metric, day, quantity, updated_at)
		SELECT subscription_id, metric, $1::date, SUM(quantity), NOW()
		FROM usage_records
		WHERE recorded_at >= $1 AND recorded_at < $2
		GROUP BY subscription_id, metric
		ON CONFLICT (subscription_id, metric, day)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = NOW()`,
		dayStart, dayEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to roll up usage: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rollup result: %w", err)
	}
	return int(affected), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
