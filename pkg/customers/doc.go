// Package customers manages customer records: identity, billing currency,
// tax location, and the default payment method reference used when charging
// invoices.
package customers
