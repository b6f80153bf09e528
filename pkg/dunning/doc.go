// Package dunning recovers failed payments. A failed charge opens a fixed
// schedule of retry steps (days 1, 3, 5, 7 after the failure); each due step
// re-attempts the charge and emails the customer on failure. A payment
// success at any point halts the remaining steps. When the last step fails
// the invoice is written off, the subscription is canceled, and a
// dunning.exhausted event is queued for webhook consumers.
package dunning
