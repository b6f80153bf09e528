package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Payment gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
	GatewayBreakerState    *prometheus.GaugeVec

	// Webhook metrics
	WebhookEventsTotal      *prometheus.CounterVec
	WebhookProcessDuration  *prometheus.HistogramVec
	WebhookDeliveriesTotal  *prometheus.CounterVec
	WebhookDeliveryDuration *prometheus.HistogramVec
	WebhookRetryQueueDepth  prometheus.Gauge

	// Billing metrics
	InvoicesGeneratedTotal *prometheus.CounterVec
	InvoiceAmountCents     *prometheus.HistogramVec
	ChargeAttemptsTotal    *prometheus.CounterVec
	DunningStepsTotal      *prometheus.CounterVec
	ProrationsComputed     prometheus.Counter
	UsageRecordsTotal      *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
	RedisCommandsTotal     *prometheus.CounterVec

	// Business gauges
	SubscriptionsActive  prometheus.Gauge
	SubscriptionsPastDue prometheus.Gauge
	CustomersTotal       prometheus.Gauge
	OpenInvoicesTotal    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_gateway_requests_total",
				Help: "Total number of payment gateway requests",
			},
			[]string{"operation", "status"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_gateway_request_duration_seconds",
				Help:    "Payment gateway request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		GatewayBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tally_gateway_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_webhook_events_total",
				Help: "Total number of inbound webhook events",
			},
			[]string{"event_type", "outcome"},
		),
		WebhookProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_webhook_process_duration_seconds",
				Help:    "Inbound webhook event processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_webhook_deliveries_total",
				Help: "Total number of outbound webhook delivery attempts",
			},
			[]string{"event_type", "status"},
		),
		WebhookDeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_webhook_delivery_duration_seconds",
				Help:    "Outbound webhook delivery duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		WebhookRetryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_webhook_retry_queue_depth",
				Help: "Number of webhook deliveries waiting for retry",
			},
		),

		InvoicesGeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_invoices_generated_total",
				Help: "Total number of invoices generated",
			},
			[]string{"status"},
		),
		InvoiceAmountCents: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_invoice_amount_cents",
				Help:    "Invoice totals in cents",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7),
			},
			[]string{"currency"},
		),
		ChargeAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_charge_attempts_total",
				Help: "Total number of charge attempts against the gateway",
			},
			[]string{"status", "failure_code"},
		),
		DunningStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_dunning_steps_total",
				Help: "Total number of dunning steps executed",
			},
			[]string{"step", "outcome"},
		),
		ProrationsComputed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_prorations_computed_total",
				Help: "Total number of proration previews and applications",
			},
		),
		UsageRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_usage_records_total",
				Help: "Total number of usage records ingested",
			},
			[]string{"meter", "outcome"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),

		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_subscriptions_active",
				Help: "Number of active subscriptions",
			},
		),
		SubscriptionsPastDue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_subscriptions_past_due",
				Help: "Number of past-due subscriptions",
			},
		),
		CustomersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_customers_total",
				Help: "Total number of customers",
			},
		),
		OpenInvoicesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_open_invoices_total",
				Help: "Number of open (unpaid) invoices",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.GatewayBreakerState,
		m.WebhookEventsTotal,
		m.WebhookProcessDuration,
		m.WebhookDeliveriesTotal,
		m.WebhookDeliveryDuration,
		m.WebhookRetryQueueDepth,
		m.InvoicesGeneratedTotal,
		m.InvoiceAmountCents,
		m.ChargeAttemptsTotal,
		m.DunningStepsTotal,
		m.ProrationsComputed,
		m.UsageRecordsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
		m.RedisCommandsTotal,
		m.SubscriptionsActive,
		m.SubscriptionsPastDue,
		m.CustomersTotal,
		m.OpenInvoicesTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
