package invoices

import "time"

// Status is the collection state of an invoice
type Status string

const (
	// StatusDraft is a generated invoice that has not been numbered yet.
	StatusDraft Status = "draft"
	// StatusOpen is finalized and awaiting payment.
	StatusOpen Status = "open"
	// StatusPaid is settled in full.
	StatusPaid Status = "paid"
	// StatusUncollectible is written off after dunning exhausted.
	StatusUncollectible Status = "uncollectible"
	// StatusVoid is canceled before payment; voided invoices keep their
	// number but collect nothing.
	StatusVoid Status = "void"
)

// Invoice is a bill for one subscription period plus staged adjustments
type Invoice struct {
	ID             string      `json:"id"`
	Number         string      `json:"number,omitempty"`
	CustomerID     string      `json:"customer_id"`
	SubscriptionID *string     `json:"subscription_id,omitempty"`
	Status         Status      `json:"status"`
	Currency       string      `json:"currency"`
	SubtotalCents  int64       `json:"subtotal_cents"`
	TaxCents       int64       `json:"tax_cents"`
	TotalCents     int64       `json:"total_cents"`
	PeriodStart    time.Time   `json:"period_start"`
	PeriodEnd      time.Time   `json:"period_end"`
	FinalizedAt    *time.Time  `json:"finalized_at,omitempty"`
	PaidAt         *time.Time  `json:"paid_at,omitempty"`
	ArchiveKey     string      `json:"archive_key,omitempty"`
	AttemptCount   int         `json:"attempt_count"`
	NextAttemptAt  *time.Time  `json:"next_attempt_at,omitempty"`
	LineItems      []*LineItem `json:"line_items,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// LineItem is one charge or credit on an invoice
type LineItem struct {
	ID          int64     `json:"id"`
	InvoiceID   string    `json:"invoice_id"`
	PriceID     *string   `json:"price_id,omitempty"`
	Description string    `json:"description"`
	Quantity    int64     `json:"quantity"`
	AmountCents int64     `json:"amount_cents"`
	Proration   bool      `json:"proration"`
	CreatedAt   time.Time `json:"created_at"`
}

// archiveDocument is the immutable JSON snapshot written to object storage
// when an invoice finalizes.
type archiveDocument struct {
	Invoice     *Invoice  `json:"invoice"`
	ArchivedAt  time.Time `json:"archived_at"`
	TaxRuleName string    `json:"tax_rule_name,omitempty"`
}
