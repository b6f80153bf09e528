package usage

import "time"

// Record is one ingested usage measurement
type Record struct {
	ID             int64     `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	Metric         string    `json:"metric"`
	Quantity       int64     `json:"quantity"`
	IdempotencyKey string    `json:"idempotency_key"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// RecordRequest is the payload for ingesting usage. Timestamp defaults to
// now; the idempotency key scopes retries to the subscription.
type RecordRequest struct {
	SubscriptionID string     `json:"subscription_id" validate:"required"`
	Metric         string     `json:"metric" validate:"required,min=1,max=64"`
	Quantity       int64      `json:"quantity" validate:"required,gt=0"`
	IdempotencyKey string     `json:"idempotency_key" validate:"required,min=1,max=255"`
	Timestamp      *time.Time `json:"timestamp"`
}

// MetricTotal is the aggregated quantity of one metric over a window
type MetricTotal struct {
	Metric   string `json:"metric"`
	Quantity int64  `json:"quantity"`
}

// Summary reports all metric totals for a subscription over a window
type Summary struct {
	SubscriptionID string         `json:"subscription_id"`
	PeriodStart    time.Time      `json:"period_start"`
	PeriodEnd      time.Time      `json:"period_end"`
	Totals         []*MetricTotal `json:"totals"`
}
