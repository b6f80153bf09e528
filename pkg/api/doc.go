// Package api exposes the billing REST surface.
//
// Routes live under /v1 and follow a shallow resource layout: customers,
// plans, prices, subscriptions, usage, invoices, checkout, webhook
// endpoints, API keys and the audit trail. Every handler group is a small
// struct wired with the services it needs and registered on a gorilla/mux
// router; cross-cutting concerns (request IDs, auth, rate limits, CORS,
// tracing) are middleware on the server.
//
// The one unauthenticated POST route is /webhooks/gateway, where the
// payment gateway delivers signed events.
package api
