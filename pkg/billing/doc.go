// Package billing glues payment gateway events to billing state.
//
// The EventRouter subscribes handlers on the inbound webhook ingestor:
// charge.succeeded settles the invoice, halts any dunning schedule and
// restores a past_due subscription; charge.failed records the attempt,
// opens the dunning schedule and flags the subscription past_due. Both
// sides fan out to merchant webhook endpoints. Handlers are idempotent so
// gateway redeliveries and biller reprocessing are safe.
package billing
