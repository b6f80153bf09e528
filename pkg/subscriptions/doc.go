// Package subscriptions manages the lifecycle of a customer's subscription
// to a price: creation, plan changes (immediate with proration, or scheduled
// for the period boundary), cancellation, and the period rollover that the
// billing worker drives.
//
// Plan changes and rollovers run inside transactions with row locks so that
// concurrent workers never double-apply a scheduled change or advance the
// same period twice. Proration credits and charges are not billed directly;
// they are staged as pending invoice items and swept onto the next invoice.
package subscriptions
