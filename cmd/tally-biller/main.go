package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tally/pkg/audit"
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

var (
	invoiceSchedule   = flag.String("invoice-schedule", "0 * * * *", "Cron schedule for period rollover and invoicing (default: every hour)")
	dunningSchedule   = flag.String("dunning-schedule", "*/15 * * * *", "Cron schedule for dunning retries (default: every 15 minutes)")
	rollupSchedule    = flag.String("rollup-schedule", "5 0 * * *", "Cron schedule for daily usage rollup (default: 00:05 UTC)")
	changeSchedule    = flag.String("change-schedule", "30 * * * *", "Cron schedule for scheduled plan changes (default: every hour at :30)")
	expirySchedule    = flag.String("expiry-schedule", "45 * * * *", "Cron schedule for checkout session expiry (default: every hour at :45)")
	reprocessSchedule = flag.String("reprocess-schedule", "*/5 * * * *", "Cron schedule for stuck webhook event reprocessing (default: every 5 minutes)")
	retentionSchedule = flag.String("retention-schedule", "0 2 * * *", "Cron schedule for retention sweeps (default: 02:00 UTC)")
	eventRetention    = flag.Duration("event-retention", 30*24*time.Hour, "How long processed inbound events are kept")
	auditRetention    = flag.Duration("audit-retention", 90*24*time.Hour, "How long audit events are kept")
	dunningBatch      = flag.Int("dunning-batch", 100, "Max dunning steps processed per pass")
	reprocessBatch    = flag.Int("reprocess-batch", 100, "Max stuck events reprocessed per pass")
	runOnce           = flag.Bool("run-once", false, "Run every job once and exit (for testing or backfilling)")
	rollupDate        = flag.String("date", "", "Day to roll up (YYYY-MM-DD). If empty, rolls up yesterday. Only used with --run-once")
)

// biller bundles the services the scheduled jobs drive.
type biller struct {
	subscriptions subscriptions.Service
	invoices      invoices.Service
	collector     *payments.Collector
	dunning       *dunning.Runner
	usage         usage.Service
	checkout      checkout.Service
	ingestor      *webhooks.Ingestor
	audit         *audit.Store
}

func main() {
	_ = godotenv.Load()
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	cm, err := storage.NewConnectionManager(cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer cm.Close()
	db := cm.Primary()

	redisClient, err := storage.NewRedisClient(cfg.Storage)
	if err != nil {
		log.Printf("Redis unavailable, continuing without it: %v", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	var archiver invoices.Archiver
	if cfg.Storage.S3Bucket != "" {
		s3Client, err := storage.NewS3Client(cfg.Storage)
		if err != nil {
			log.Fatalf("Failed to initialize S3 client: %v", err)
		}
		archiver = s3Client
	}

	taxTable, err := tax.LoadTable(cfg.Tax.RateTablePath)
	if err != nil {
		log.Fatalf("Failed to load tax rate table: %v", err)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	customerService := customers.NewPostgresService(db)
	catalogService := catalog.NewPostgresService(db)
	subscriptionService := subscriptions.NewPostgresService(db, catalogService)
	usageService := usage.NewPostgresService(db, redisClient)
	invoiceService := invoices.NewPostgresService(db, catalogService, customerService,
		usageService, taxTable, archiver)

	gateway := payments.NewHTTPGateway(cfg.Gateway, metrics)
	collector := payments.NewCollector(db, gateway, invoiceService, customerService, metrics)

	checkoutService := checkout.NewPostgresService(db, catalogService, subscriptionService)
	endpoints := webhooks.NewEndpointStore(db)
	ingestor := webhooks.NewIngestor(db, cfg.Webhooks.SigningSecret, cfg.Webhooks.Tolerance,
		logger, metrics)

	var mailer dunning.Mailer
	if cfg.Mail.Enabled {
		mailer = dunning.NewSMTPMailer(cfg.Mail)
	}
	dunningRunner := dunning.NewRunner(db, nil, collector, invoiceService,
		subscriptionService, customerService, endpoints, mailer, metrics)

	// Reprocessed events need the same handlers the API server registers.
	billing.NewEventRouter(invoiceService, subscriptionService, dunningRunner, endpoints).
		RegisterAll(ingestor)

	b := &biller{
		subscriptions: subscriptionService,
		invoices:      invoiceService,
		collector:     collector,
		dunning:       dunningRunner,
		usage:         usageService,
		checkout:      checkoutService,
		ingestor:      ingestor,
		audit:         audit.NewStore(db, logger),
	}

	if *runOnce {
		day := time.Now().UTC().AddDate(0, 0, -1)
		if *rollupDate != "" {
			day, err = time.Parse("2006-01-02", *rollupDate)
			if err != nil {
				log.Fatalf("Invalid date format: %v", err)
			}
		}
		if err := b.runAll(context.Background(), day); err != nil {
			log.Fatalf("Run-once failed: %v", err)
		}
		log.Println("Run-once completed successfully")
		return
	}

	c := cron.New()

	schedule := func(name, spec string, job func(context.Context) error) {
		_, err := c.AddFunc(spec, func() {
			if err := job(context.Background()); err != nil {
				log.Printf("%s failed: %v", name, err)
			}
		})
		if err != nil {
			log.Fatalf("Failed to schedule %s: %v", name, err)
		}
	}

	schedule("invoicing", *invoiceSchedule, b.runInvoicing)
	schedule("dunning", *dunningSchedule, b.runDunning)
	schedule("usage rollup", *rollupSchedule, func(ctx context.Context) error {
		return b.runRollup(ctx, time.Now().UTC().AddDate(0, 0, -1))
	})
	schedule("plan changes", *changeSchedule, b.runPlanChanges)
	schedule("checkout expiry", *expirySchedule, b.runCheckoutExpiry)
	schedule("event reprocessing", *reprocessSchedule, b.runReprocess)
	schedule("retention sweep", *retentionSchedule, b.runRetention)

	c.Start()
	log.Println("Tally biller started")
	log.Printf("Invoicing schedule: %s", *invoiceSchedule)
	log.Printf("Dunning schedule: %s", *dunningSchedule)
	log.Printf("Usage rollup schedule: %s", *rollupSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	log.Println("Biller stopped")
}

// runInvoicing closes every due billing period, turns each into a finalized
// invoice and attempts collection. Failed charges are left to dunning.
func (b *biller) runInvoicing(ctx context.Context) error {
	periods, err := b.subscriptions.RolloverDue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(periods) == 0 {
		return nil
	}
	log.Printf("Rolled over %d billing periods", len(periods))

	for _, period := range periods {
		inv, err := b.invoices.GenerateForPeriod(ctx, period)
		if err != nil {
			log.Printf("Invoice generation for subscription %s failed: %v", period.SubscriptionID, err)
			continue
		}
		// Zero-total invoices are still finalized so the customer gets a
		// numbered record of the period; they just skip collection.
		finalized, err := b.invoices.Finalize(ctx, inv.ID)
		if err != nil {
			log.Printf("Finalizing invoice %s failed: %v", inv.ID, err)
			continue
		}
		if finalized.Status != invoices.StatusOpen || finalized.TotalCents <= 0 {
			continue
		}
		if _, err := b.collector.ChargeInvoice(ctx, finalized.ID); err != nil {
			log.Printf("Charging invoice %s failed: %v", finalized.ID, err)
		}
	}
	return nil
}

func (b *biller) runDunning(ctx context.Context) error {
	processed, err := b.dunning.ProcessDue(ctx, time.Now().UTC(), *dunningBatch)
	if err != nil {
		return err
	}
	if processed > 0 {
		log.Printf("Processed %d dunning steps", processed)
	}
	return nil
}

func (b *biller) runRollup(ctx context.Context, day time.Time) error {
	rows, err := b.usage.RollupDay(ctx, day)
	if err != nil {
		return err
	}
	log.Printf("Rolled up %d usage rows for %s", rows, day.Format("2006-01-02"))
	return nil
}

func (b *biller) runPlanChanges(ctx context.Context) error {
	applied, err := b.subscriptions.ApplyDueChanges(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if applied > 0 {
		log.Printf("Applied %d scheduled plan changes", applied)
	}
	return nil
}

func (b *biller) runCheckoutExpiry(ctx context.Context) error {
	expired, err := b.checkout.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if expired > 0 {
		log.Printf("Expired %d stale checkout sessions", expired)
	}
	return nil
}

func (b *biller) runReprocess(ctx context.Context) error {
	processed, err := b.ingestor.ProcessPending(ctx, *reprocessBatch)
	if err != nil {
		return err
	}
	if processed > 0 {
		log.Printf("Reprocessed %d stuck webhook events", processed)
	}
	return nil
}

func (b *biller) runRetention(ctx context.Context) error {
	now := time.Now().UTC()
	pruned, err := b.ingestor.PruneProcessed(ctx, now.Add(-*eventRetention))
	if err != nil {
		return err
	}
	audited, err := b.audit.Prune(ctx, now.Add(-*auditRetention))
	if err != nil {
		return err
	}
	log.Printf("Retention sweep removed %d webhook events, %d audit events", pruned, audited)
	return nil
}

// runAll executes every job once, concurrently where safe. Invoicing runs
// first so dunning and reprocessing see its output.
func (b *biller) runAll(ctx context.Context, rollupDay time.Time) error {
	if err := b.runInvoicing(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.runDunning(gctx) })
	g.Go(func() error { return b.runRollup(gctx, rollupDay) })
	g.Go(func() error { return b.runPlanChanges(gctx) })
	g.Go(func() error { return b.runCheckoutExpiry(gctx) })
	g.Go(func() error { return b.runReprocess(gctx) })
	g.Go(func() error { return b.runRetention(gctx) })
	return g.Wait()
}
