// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: all protected API endpoints
	AuthKey Key = "auth_context"

	// AccountKey contains the customer ID a request is scoped to
	// Set by: middleware.AccountContextMiddleware (pkg/middleware/account.go)
	// Required by: account-scoped endpoints
	AccountKey Key = "account"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: HTTP middleware, observability layer
	// Used by: logger, audit trail, gateway idempotency keys
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	LoggerKey Key = "logger"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithAccount adds the scoped customer ID to the context
func WithAccount(ctx context.Context, customerID string) context.Context {
	return context.WithValue(ctx, AccountKey, customerID)
}

// Account retrieves the scoped customer ID, or "" when absent
func Account(ctx context.Context) string {
	if v, ok := ctx.Value(AccountKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestID retrieves the request ID from the context, or "" when absent
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
