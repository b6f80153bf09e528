package customers

import "time"

// Customer represents a billable customer
type Customer struct {
	ID                   string            `json:"id"`
	Email                string            `json:"email"`
	Name                 string            `json:"name,omitempty"`
	Currency             string            `json:"currency"`
	Country              string            `json:"country,omitempty"`
	State                string            `json:"state,omitempty"`
	PostalCode           string            `json:"postal_code,omitempty"`
	DefaultPaymentMethod *string           `json:"default_payment_method,omitempty"`
	TaxExempt            bool              `json:"tax_exempt"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	DeletedAt            *time.Time        `json:"deleted_at,omitempty"`
}

// TaxLocation returns the customer's tax jurisdiction fields.
func (c *Customer) TaxLocation() (country, state, postalCode string) {
	return c.Country, c.State, c.PostalCode
}

// CreateCustomerRequest is the payload for creating a customer
type CreateCustomerRequest struct {
	Email      string            `json:"email" validate:"required,email"`
	Name       string            `json:"name"`
	Currency   string            `json:"currency" validate:"omitempty,len=3"`
	Country    string            `json:"country" validate:"omitempty,len=2"`
	State      string            `json:"state"`
	PostalCode string            `json:"postal_code"`
	TaxExempt  bool              `json:"tax_exempt"`
	Metadata   map[string]string `json:"metadata"`
}

// UpdateCustomerRequest is the payload for updating a customer. Nil fields
// are left unchanged.
type UpdateCustomerRequest struct {
	Email                *string           `json:"email" validate:"omitempty,email"`
	Name                 *string           `json:"name"`
	Country              *string           `json:"country" validate:"omitempty,len=2"`
	State                *string           `json:"state"`
	PostalCode           *string           `json:"postal_code"`
	DefaultPaymentMethod *string           `json:"default_payment_method"`
	TaxExempt            *bool             `json:"tax_exempt"`
	Metadata             map[string]string `json:"metadata"`
}
