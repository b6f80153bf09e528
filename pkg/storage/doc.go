// Package storage provides the shared persistence infrastructure: the
// PostgreSQL connection manager (primary plus optional read replicas), the
// Redis client used for caching, idempotency claims, and rate limiting, and
// the S3 client used to archive finalized invoice documents.
//
// Domain packages own their own SQL. This package only hands out
// connections and low-level helpers.
package storage
