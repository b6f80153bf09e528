package checkout

import "time"

// SessionStatus is the lifecycle state of a checkout session
type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// Session is a hosted checkout session
type Session struct {
	ID             string        `json:"id"`
	Token          string        `json:"token"`
	CustomerID     string        `json:"customer_id"`
	PriceID        string        `json:"price_id"`
	Status         SessionStatus `json:"status"`
	SubscriptionID *string       `json:"subscription_id,omitempty"`
	SuccessURL     string        `json:"success_url,omitempty"`
	CancelURL      string        `json:"cancel_url,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// CreateSessionRequest is the payload for opening a session
type CreateSessionRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	PriceID    string `json:"price_id" validate:"required"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
}
