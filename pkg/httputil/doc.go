// Package httputil provides HTTP handler utilities for consistent error
// responses, JSON encoding/decoding, request validation, and pagination.
//
// Error responses follow a fixed shape so API clients can branch on the
// machine-readable code instead of parsing messages:
//
//	{"error": {"code": "not_found", "message": "no such customer: cus_123"}}
package httputil
