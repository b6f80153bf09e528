package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/checkout"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/invoices"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/usage"
)

// maxBodyBytes caps request bodies. Billing payloads are small; anything
// larger is a client bug.
const maxBodyBytes = 1 << 20

// Dependencies carries the wired services the HTTP surface exposes.
type Dependencies struct {
	Customers     customers.Service
	Catalog       catalog.Service
	Subscriptions subscriptions.Service
	Usage         usage.Service
	Invoices      invoices.Service
	Payments      PaymentService
	Checkout      checkout.Service
	Endpoints     EndpointService
	Ingestor      GatewayIngestor
	Keys          KeyService
	Audit         AuditReader
	Recorder      audit.Recorder

	// Redis switches rate limiting and ingest quotas to shared counters.
	// Nil falls back to per-process limits.
	Redis *redis.Client
}

// Server is the billing API HTTP server.
type Server struct {
	cfg     *config.Config
	deps    *Dependencies
	logger  *observability.Logger
	metrics *observability.Metrics
	router  *mux.Router
	http    *http.Server
}

// NewServer builds the router, middleware chain and handler groups.
func NewServer(cfg *config.Config, deps *Dependencies,
	logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.WithField("component", "api"),
		metrics: metrics,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(s.router, "tally-api"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.LoggingMiddleware(s.logger))
	s.router.Use(httputil.RecoveryMiddleware(s.logger))
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))
	s.router.Use(httputil.MaxBytesMiddleware(maxBodyBytes))

	// Gateway events authenticate by signature, not API key.
	gateway := NewGatewayHandlers(s.deps.Ingestor, s.logger)
	gateway.RegisterRoutes(s.router)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(httputil.ContentTypeMiddleware)

	authMW := middleware.NewAuthMiddleware(s.deps.Keys, false)
	v1.Use(authMW.Handler)
	v1.Use(s.rateLimitMiddleware())
	v1.Use(middleware.AccountContextMiddleware)

	var quota *middleware.QuotaMiddleware
	if s.deps.Redis != nil {
		quota = middleware.NewQuotaMiddleware(s.deps.Redis,
			&middleware.QuotaConfig{DailyUsageRecords: s.cfg.Limits.DailyUsageRecords})
	}

	NewCustomerHandlers(s.deps.Customers, s.deps.Subscriptions, s.deps.Invoices, s.deps.Recorder).RegisterRoutes(v1)
	NewCatalogHandlers(s.deps.Catalog, s.deps.Recorder).RegisterRoutes(v1)
	NewSubscriptionHandlers(s.deps.Subscriptions, s.deps.Recorder).RegisterRoutes(v1)
	NewUsageHandlers(s.deps.Usage, quota).RegisterRoutes(v1)
	NewInvoiceHandlers(s.deps.Invoices, s.deps.Payments, s.deps.Recorder).RegisterRoutes(v1)
	NewCheckoutHandlers(s.deps.Checkout, s.deps.Recorder).RegisterRoutes(v1)
	NewWebhookHandlers(s.deps.Endpoints, s.deps.Recorder).RegisterRoutes(v1)
	NewKeyHandlers(s.deps.Keys, s.deps.Recorder).RegisterRoutes(v1)
	NewAuditHandlers(s.deps.Audit).RegisterRoutes(v1)
}

func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	if s.deps.Redis != nil {
		return middleware.NewDistributedRateLimitMiddleware(s.deps.Redis).Handler
	}
	return middleware.NewRateLimitMiddleware().Handler
}

// Router returns the configured router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start begins serving. It blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("starting API server")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
