// Package payments collects open invoices through an external card gateway.
//
// The gateway client sends every charge with an idempotency key, retries
// transient failures (429 and 5xx) with exponential backoff, and runs behind
// a circuit breaker so a dead gateway sheds load fast. A 402 decline is
// terminal: it is never retried and never trips the breaker, since the
// gateway itself is healthy. Each attempt is recorded in payment_attempts
// with a unique idempotency key before the gateway is called, so a crashed
// worker never double-charges.
package payments
