// Package observability provides the operational plumbing shared by the
// tally server and the biller worker: structured JSON logging, Prometheus
// metrics, liveness/readiness probes, graceful shutdown, panic recovery,
// and optional OpenTelemetry trace export.
//
// The logger is a thin wrapper over log/slog with field chaining:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("invoice_id", inv.ID).Info("invoice finalized")
//
// Metrics are registered against an explicit *prometheus.Registry so tests
// can create isolated registries. Health endpoints are served on a separate
// port from the API so Kubernetes probes are unaffected by API middleware.
package observability
