// Package middleware provides the HTTP middleware for the billing API.
//
// # Middleware Ordering Requirements
//
// The auth and quota layers have strict ordering dependencies. Incorrect
// order causes checks to be silently skipped.
//
// REQUIRED ORDERING (outer to inner):
//  1. AuthMiddleware - validates the API key, sets the auth context
//  2. Rate limit / quota middleware - keyed by the authenticated key
//  3. RequireScope - per-route scope enforcement
//
// If rate limiting runs before AuthMiddleware it falls back to keying by
// client IP, which collapses all traffic behind a proxy into one bucket.
package middleware
