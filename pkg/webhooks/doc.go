// Package webhooks handles event traffic in both directions.
//
// Inbound, the payment gateway posts events signed with a shared secret in
// the Tally-Signature header (t=<unix>,v1=<hex>). Signatures outside the
// clock tolerance are rejected, and events are deduplicated on the gateway's
// event ID before any handler runs, so gateway redeliveries are harmless.
//
// Outbound, registered endpoints receive billing events (invoice.paid,
// dunning.exhausted, ...) signed the same way with the endpoint's own
// secret. Deliveries are persisted and retried on a fixed backoff schedule
// until the attempt budget runs out; a per-endpoint token bucket keeps a
// slow consumer from monopolizing the dispatcher.
package webhooks
