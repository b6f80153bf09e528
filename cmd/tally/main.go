package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tally/pkg/api"
	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/catalog"
	"github.com/platinummonkey/tally/pkg/checkout"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/customers"
	"github.com/platinummonkey/tally/pkg/dunning"
	"github.com/platinummonkey/tally/pkg/invoices"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/payments"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tax"
	"github.com/platinummonkey/tally/pkg/usage"
	"github.com/platinummonkey/tally/pkg/webhooks"
)

// dispatchInterval is how often the outbound delivery queue is drained.
const dispatchInterval = 5 * time.Second

// dispatchBatch bounds deliveries claimed per drain.
const dispatchBatch = 100

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = observability.ShutdownOTel(shutdownCtx, providers, logger)
	}()

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	cm, err := storage.NewConnectionManager(cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer cm.Close()
	db := cm.Primary()

	if err := storage.RunMigrations(ctx, db, logger); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	cm.StartHealthCheckRoutine(ctx, 30*time.Second)

	redisClient, err := storage.NewRedisClient(cfg.Storage)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, idempotency and rate limits degrade to per-process")
		redisClient = nil
	} else {
		defer redisClient.Close()
	}
	var redisConn *redis.Client
	if redisClient != nil {
		redisConn = redisClient.GetClient()
	}

	var archiver invoices.Archiver
	if cfg.Storage.S3Bucket != "" {
		s3Client, err := storage.NewS3Client(cfg.Storage)
		if err != nil {
			log.Fatalf("Failed to initialize S3 client: %v", err)
		}
		archiver = s3Client
	} else {
		logger.Warn("No S3 bucket configured, finalized invoices will not be archived")
	}

	taxTable, err := tax.LoadTable(cfg.Tax.RateTablePath)
	if err != nil {
		log.Fatalf("Failed to load tax rate table: %v", err)
	}
	if cfg.Tax.HotReload {
		watcher, err := tax.NewWatcher(taxTable, logger)
		if err != nil {
			log.Fatalf("Failed to watch tax rate table: %v", err)
		}
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	customerService := customers.NewPostgresService(db)
	var catalogService catalog.Service = catalog.NewPostgresService(db)
	if cfg.Storage.CacheEnabled && redisClient != nil {
		catalogService = catalog.NewCachedService(catalogService, redisClient, cfg.Storage.L1CacheSize)
	}
	subscriptionService := subscriptions.NewPostgresService(db, catalogService)
	usageService := usage.NewPostgresService(db, redisClient)
	invoiceService := invoices.NewPostgresService(db, catalogService, customerService,
		usageService, taxTable, archiver)

	gateway := payments.NewHTTPGateway(cfg.Gateway, metrics)
	collector := payments.NewCollector(db, gateway, invoiceService, customerService, metrics)

	checkoutService := checkout.NewPostgresService(db, catalogService, subscriptionService)
	endpoints := webhooks.NewEndpointStore(db)
	dispatcher := webhooks.NewDispatcher(db, cfg.Webhooks.Workers, logger, metrics)
	ingestor := webhooks.NewIngestor(db, cfg.Webhooks.SigningSecret, cfg.Webhooks.Tolerance,
		logger, metrics)

	var mailer dunning.Mailer
	if cfg.Mail.Enabled {
		mailer = dunning.NewSMTPMailer(cfg.Mail)
	}
	dunningRunner := dunning.NewRunner(db, nil, collector, invoiceService,
		subscriptionService, customerService, endpoints, mailer, metrics)

	billing.NewEventRouter(invoiceService, subscriptionService, dunningRunner, endpoints).
		RegisterAll(ingestor)

	keyStore := auth.NewPostgresKeyStore(db)
	auditStore := audit.NewStore(db, logger)

	deps := &api.Dependencies{
		Customers:     customerService,
		Catalog:       catalogService,
		Subscriptions: subscriptionService,
		Usage:         usageService,
		Invoices:      invoiceService,
		Payments:      collector,
		Checkout:      checkoutService,
		Endpoints:     endpoints,
		Ingestor:      ingestor,
		Keys:          keyStore,
		Audit:         auditStore,
		Recorder:      auditStore,
		Redis:         redisConn,
	}
	server := api.NewServer(cfg, deps, logger, metrics)

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(db, redisConn)
	observability.RegisterHealthRoutes(healthMux, checker)
	observability.RegisterMetricsEndpoint(healthMux, registry)
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", cfg.Server.Host+":"+cfg.Server.Port).Info("Starting API server")
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(dispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := dispatcher.DeliverDue(gctx, time.Now().UTC(), dispatchBatch); err != nil {
					logger.WithError(err).Warn("Webhook delivery pass failed")
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown failed")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Health server shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Shutdown complete")
}
