// Package usage ingests metered usage records and aggregates them for
// invoicing. Ingestion is idempotent: a redis claim short-circuits retries
// cheaply, and a unique index on (subscription_id, idempotency_key) backstops
// it when redis is unavailable. A daily rollup table keeps period totals
// cheap to read at invoice time.
package usage
