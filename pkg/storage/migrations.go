package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/tally/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create customers table",
			SQL: `
				CREATE TABLE IF NOT EXISTS customers (
					id VARCHAR(64) PRIMARY KEY,
					email VARCHAR(255) NOT NULL,
					name VARCHAR(255) NOT NULL DEFAULT '',
					currency VARCHAR(3) NOT NULL DEFAULT 'usd',
					country VARCHAR(2) NOT NULL DEFAULT '',
					state VARCHAR(64) NOT NULL DEFAULT '',
					postal_code VARCHAR(32) NOT NULL DEFAULT '',
					default_payment_method VARCHAR(64),
					tax_exempt BOOLEAN NOT NULL DEFAULT FALSE,
					metadata JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					deleted_at TIMESTAMP,
					UNIQUE(email)
				);

				CREATE INDEX idx_customers_email ON customers(email);
				CREATE INDEX idx_customers_deleted_at ON customers(deleted_at);
			`,
		},
		{
			Version:     2,
			Description: "Create plans and prices tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS plans (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(name)
				);

				CREATE TABLE IF NOT EXISTS prices (
					id VARCHAR(64) PRIMARY KEY,
					plan_id VARCHAR(64) NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
					currency VARCHAR(3) NOT NULL DEFAULT 'usd',
					unit_amount_cents BIGINT NOT NULL,
					billing_interval VARCHAR(16) NOT NULL,
					usage_type VARCHAR(16) NOT NULL DEFAULT 'licensed',
					metered_unit VARCHAR(64) NOT NULL DEFAULT '',
					included_units BIGINT NOT NULL DEFAULT 0,
					overage_cents BIGINT NOT NULL DEFAULT 0,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_prices_plan_id ON prices(plan_id);
				CREATE INDEX idx_prices_active ON prices(active);
			`,
		},
		{
			Version:     3,
			Description: "Create subscriptions and pending_changes tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id VARCHAR(64) PRIMARY KEY,
					customer_id VARCHAR(64) NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
					plan_id VARCHAR(64) NOT NULL REFERENCES plans(id),
					price_id VARCHAR(64) NOT NULL REFERENCES prices(id),
					status VARCHAR(32) NOT NULL,
					current_period_start TIMESTAMP NOT NULL,
					current_period_end TIMESTAMP NOT NULL,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					canceled_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_subscriptions_customer_id ON subscriptions(customer_id);
				CREATE INDEX idx_subscriptions_status ON subscriptions(status);
				CREATE INDEX idx_subscriptions_period_end ON subscriptions(current_period_end);

				CREATE TABLE IF NOT EXISTS pending_changes (
					id BIGSERIAL PRIMARY KEY,
					subscription_id VARCHAR(64) NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
					target_price_id VARCHAR(64) NOT NULL REFERENCES prices(id),
					effective_at TIMESTAMP NOT NULL,
					applied_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_pending_changes_one_open
					ON pending_changes(subscription_id) WHERE applied_at IS NULL;
			`,
		},
		{
			Version:     4,
			Description: "Create usage_records and usage_rollups tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_records (
					id BIGSERIAL PRIMARY KEY,
					subscription_id VARCHAR(64) NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
					metric VARCHAR(64) NOT NULL,
					quantity BIGINT NOT NULL,
					idempotency_key VARCHAR(255) NOT NULL,
					recorded_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(subscription_id, idempotency_key)
				);

				CREATE INDEX idx_usage_records_sub_metric ON usage_records(subscription_id, metric, recorded_at);

				CREATE TABLE IF NOT EXISTS usage_rollups (
					subscription_id VARCHAR(64) NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
					metric VARCHAR(64) NOT NULL,
					day DATE NOT NULL,
					quantity BIGINT NOT NULL DEFAULT 0,
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (subscription_id, metric, day)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create invoices, line items, and numbering counter tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS invoices (
					id VARCHAR(64) PRIMARY KEY,
					number VARCHAR(32),
					customer_id VARCHAR(64) NOT NULL REFERENCES customers(id),
					subscription_id VARCHAR(64) REFERENCES subscriptions(id),
					status VARCHAR(32) NOT NULL,
					currency VARCHAR(3) NOT NULL DEFAULT 'usd',
					subtotal_cents BIGINT NOT NULL DEFAULT 0,
					tax_cents BIGINT NOT NULL DEFAULT 0,
					total_cents BIGINT NOT NULL DEFAULT 0,
					period_start TIMESTAMP NOT NULL,
					period_end TIMESTAMP NOT NULL,
					finalized_at TIMESTAMP,
					paid_at TIMESTAMP,
					archive_key VARCHAR(255) NOT NULL DEFAULT '',
					attempt_count INT NOT NULL DEFAULT 0,
					next_attempt_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(number)
				);

				CREATE INDEX idx_invoices_customer_id ON invoices(customer_id);
				CREATE INDEX idx_invoices_status ON invoices(status);
				CREATE INDEX idx_invoices_next_attempt_at ON invoices(next_attempt_at);
				CREATE UNIQUE INDEX idx_invoices_one_per_period
					ON invoices(subscription_id, period_start) WHERE subscription_id IS NOT NULL;

				CREATE TABLE IF NOT EXISTS invoice_line_items (
					id BIGSERIAL PRIMARY KEY,
					invoice_id VARCHAR(64) NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
					price_id VARCHAR(64) REFERENCES prices(id),
					description TEXT NOT NULL,
					quantity BIGINT NOT NULL DEFAULT 1,
					amount_cents BIGINT NOT NULL,
					proration BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_invoice_line_items_invoice_id ON invoice_line_items(invoice_id);

				CREATE TABLE IF NOT EXISTS invoice_counters (
					month_key VARCHAR(6) PRIMARY KEY,
					counter INT NOT NULL DEFAULT 0
				);
			`,
		},
		{
			Version:     6,
			Description: "Create payment_attempts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS payment_attempts (
					id BIGSERIAL PRIMARY KEY,
					invoice_id VARCHAR(64) NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
					status VARCHAR(32) NOT NULL,
					gateway_charge_id VARCHAR(128) NOT NULL DEFAULT '',
					failure_code VARCHAR(64) NOT NULL DEFAULT '',
					idempotency_key VARCHAR(255) NOT NULL,
					amount_cents BIGINT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(idempotency_key)
				);

				CREATE INDEX idx_payment_attempts_invoice_id ON payment_attempts(invoice_id);
			`,
		},
		{
			Version:     7,
			Description: "Create inbound webhook_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS webhook_events (
					id VARCHAR(64) PRIMARY KEY,
					gateway_event_id VARCHAR(128) NOT NULL,
					event_type VARCHAR(64) NOT NULL,
					payload JSONB NOT NULL,
					status VARCHAR(32) NOT NULL DEFAULT 'received',
					failure_count INT NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					received_at TIMESTAMP NOT NULL DEFAULT NOW(),
					processed_at TIMESTAMP,
					UNIQUE(gateway_event_id)
				);

				CREATE INDEX idx_webhook_events_status ON webhook_events(status);
				CREATE INDEX idx_webhook_events_type ON webhook_events(event_type);
			`,
		},
		{
			Version:     8,
			Description: "Create outbound webhook endpoint and delivery tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS webhook_endpoints (
					id VARCHAR(64) PRIMARY KEY,
					url TEXT NOT NULL,
					secret VARCHAR(128) NOT NULL,
					event_types TEXT[] NOT NULL DEFAULT '{}',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS webhook_deliveries (
					id VARCHAR(64) PRIMARY KEY,
					endpoint_id VARCHAR(64) NOT NULL REFERENCES webhook_endpoints(id) ON DELETE CASCADE,
					event_type VARCHAR(64) NOT NULL,
					payload JSONB NOT NULL,
					status VARCHAR(32) NOT NULL DEFAULT 'pending',
					attempt_count INT NOT NULL DEFAULT 0,
					next_retry_at TIMESTAMP,
					delivered_at TIMESTAMP,
					last_error TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_webhook_deliveries_status ON webhook_deliveries(status);
				CREATE INDEX idx_webhook_deliveries_next_retry ON webhook_deliveries(next_retry_at);
			`,
		},
		{
			Version:     9,
			Description: "Create checkout_sessions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS checkout_sessions (
					id VARCHAR(64) PRIMARY KEY,
					token VARCHAR(128) NOT NULL,
					customer_id VARCHAR(64) NOT NULL REFERENCES customers(id),
					price_id VARCHAR(64) NOT NULL REFERENCES prices(id),
					status VARCHAR(32) NOT NULL DEFAULT 'open',
					subscription_id VARCHAR(64) REFERENCES subscriptions(id),
					success_url TEXT NOT NULL DEFAULT '',
					cancel_url TEXT NOT NULL DEFAULT '',
					expires_at TIMESTAMP NOT NULL,
					completed_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(token)
				);

				CREATE INDEX idx_checkout_sessions_status ON checkout_sessions(status);
				CREATE INDEX idx_checkout_sessions_expires_at ON checkout_sessions(expires_at);
			`,
		},
		{
			Version:     10,
			Description: "Create dunning_attempts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS dunning_attempts (
					id BIGSERIAL PRIMARY KEY,
					invoice_id VARCHAR(64) NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
					step INT NOT NULL,
					scheduled_at TIMESTAMP NOT NULL,
					executed_at TIMESTAMP,
					outcome VARCHAR(32) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(invoice_id, step)
				);

				CREATE INDEX idx_dunning_attempts_scheduled ON dunning_attempts(scheduled_at) WHERE executed_at IS NULL;
			`,
		},
		{
			Version:     11,
			Description: "Create api_keys table",
			SQL: `
				CREATE TABLE IF NOT EXISTS api_keys (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					key_hash VARCHAR(64) NOT NULL,
					key_prefix VARCHAR(16) NOT NULL,
					scopes TEXT[] NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					last_used_at TIMESTAMP,
					revoked_at TIMESTAMP,
					UNIQUE(key_hash)
				);

				CREATE INDEX idx_api_keys_key_hash ON api_keys(key_hash);
			`,
		},
		{
			Version:     12,
			Description: "Create pending_invoice_items table",
			SQL: `
				CREATE TABLE IF NOT EXISTS pending_invoice_items (
					id BIGSERIAL PRIMARY KEY,
					customer_id VARCHAR(64) NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
					subscription_id VARCHAR(64) REFERENCES subscriptions(id) ON DELETE CASCADE,
					description TEXT NOT NULL,
					amount_cents BIGINT NOT NULL,
					proration BOOLEAN NOT NULL DEFAULT FALSE,
					consumed_invoice_id VARCHAR(64) REFERENCES invoices(id),
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_pending_invoice_items_open
					ON pending_invoice_items(subscription_id) WHERE consumed_invoice_id IS NULL;
			`,
		},
		{
			Version:     13,
			Description: "Create audit_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id BIGSERIAL PRIMARY KEY,
					event_type VARCHAR(64) NOT NULL,
					actor VARCHAR(255) NOT NULL DEFAULT '',
					object_type VARCHAR(64) NOT NULL,
					object_id VARCHAR(64) NOT NULL,
					request_id VARCHAR(64) NOT NULL DEFAULT '',
					data JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_audit_events_object ON audit_events(object_type, object_id);
				CREATE INDEX idx_audit_events_type ON audit_events(event_type);
				CREATE INDEX idx_audit_events_created_at ON audit_events(created_at);
			`,
		},
		{
			Version:     14,
			Description: "Add uniqueness for live subscriptions and active prices",
			SQL: `
				CREATE UNIQUE INDEX idx_subscriptions_one_live_per_plan
					ON subscriptions(customer_id, plan_id) WHERE status <> 'canceled';

				CREATE UNIQUE INDEX idx_prices_one_active_per_terms
					ON prices(plan_id, currency, billing_interval) WHERE active;
			`,
		},
	}
}

// RunMigrations executes all pending migrations in order, each in its own
// transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.Infof("Running migration %d: %s", migration.Version, migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
