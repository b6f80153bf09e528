// Package invoices builds, finalizes, and tracks invoices.
//
// An invoice is generated in draft for a closed billing period: the base
// subscription fee, metered overage beyond the included units, any staged
// proration adjustments, and tax on the positive subtotal. A partial unique
// index on (subscription_id, period_start) makes generation idempotent per
// period. Finalizing assigns the next sequential number for the month from a
// counter row locked inside the same transaction, archives an immutable JSON
// document to object storage, and opens the invoice for collection.
package invoices
