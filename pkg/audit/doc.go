// Package audit records who changed what in the billing system. Every
// mutating operation writes an append-only event naming the actor (API
// key), the object touched, and a JSON detail blob, keyed back to the
// originating request ID. Recording is best-effort: a failed audit write
// is logged, never surfaced to the caller.
package audit
