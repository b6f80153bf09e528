package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Payment gateway configuration
	Gateway GatewayConfig

	// Inbound webhook verification
	Webhooks WebhookConfig

	// Dunning email configuration
	Mail MailConfig

	// Tax rate table
	Tax TaxConfig

	// API rate and quota limits
	Limits LimitsConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// LimitsConfig holds API throttling knobs
type LimitsConfig struct {
	// DailyUsageRecords caps usage-record ingestion per API key per UTC
	// day. Zero disables the quota.
	DailyUsageRecords int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// GatewayConfig holds payment gateway client configuration
type GatewayConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int

	// Circuit breaker
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// WebhookConfig holds inbound webhook verification settings
type WebhookConfig struct {
	// Secret shared with the payment gateway for signature verification
	SigningSecret string

	// Maximum age of a signed payload before it is rejected
	Tolerance time.Duration

	// Dispatch worker pool size
	Workers int
}

// MailConfig holds SMTP settings for dunning emails
type MailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromAddress string
	Enabled     bool
}

// TaxConfig holds the tax rate table location
type TaxConfig struct {
	RateTablePath string
	HotReload     bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Gateway:       loadGatewayConfig(),
		Webhooks:      loadWebhookConfig(),
		Mail:          loadMailConfig(),
		Tax:           loadTaxConfig(),
		Limits:        loadLimitsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TALLY_HOST", "0.0.0.0"),
		Port:            getEnv("TALLY_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TALLY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TALLY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TALLY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TALLY_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TALLY_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if pgURL := getEnv("TALLY_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("TALLY_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("TALLY_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TALLY_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TALLY_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	if redisURL := getEnv("TALLY_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TALLY_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TALLY_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if poolSize := getEnvInt("TALLY_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	if s3Endpoint := getEnv("TALLY_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("TALLY_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("TALLY_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3AccessKey := getEnv("TALLY_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("TALLY_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	if pathStyle := getEnv("TALLY_S3_USE_PATH_STYLE", ""); pathStyle != "" {
		cfg.S3UsePathStyle = strings.ToLower(pathStyle) == "true"
	}

	if cacheEnabled := getEnv("TALLY_CACHE_ENABLED", ""); cacheEnabled != "" {
		cfg.CacheEnabled = strings.ToLower(cacheEnabled) == "true"
	}
	if l1Size := getEnvInt("TALLY_L1_CACHE_SIZE", 0); l1Size > 0 {
		cfg.L1CacheSize = l1Size
	}

	return cfg
}

func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BaseURL:            getEnv("TALLY_GATEWAY_URL", "https://api.gateway.example.com"),
		APIKey:             getEnv("TALLY_GATEWAY_API_KEY", ""),
		RequestTimeout:     getEnvDuration("TALLY_GATEWAY_TIMEOUT", 15*time.Second),
		MaxRetries:         getEnvInt("TALLY_GATEWAY_MAX_RETRIES", 3),
		BreakerMaxRequests: uint32(getEnvInt("TALLY_GATEWAY_BREAKER_MAX_REQUESTS", 3)),
		BreakerInterval:    getEnvDuration("TALLY_GATEWAY_BREAKER_INTERVAL", time.Minute),
		BreakerTimeout:     getEnvDuration("TALLY_GATEWAY_BREAKER_TIMEOUT", 30*time.Second),
	}
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		SigningSecret: getEnv("TALLY_WEBHOOK_SIGNING_SECRET", ""),
		Tolerance:     getEnvDuration("TALLY_WEBHOOK_TOLERANCE", 5*time.Minute),
		Workers:       getEnvInt("TALLY_WEBHOOK_WORKERS", 8),
	}
}

func loadMailConfig() MailConfig {
	return MailConfig{
		SMTPHost:    getEnv("TALLY_SMTP_HOST", "localhost"),
		SMTPPort:    getEnvInt("TALLY_SMTP_PORT", 587),
		Username:    getEnv("TALLY_SMTP_USERNAME", ""),
		Password:    getEnv("TALLY_SMTP_PASSWORD", ""),
		FromAddress: getEnv("TALLY_MAIL_FROM", "billing@tally.example.com"),
		Enabled:     getEnvBool("TALLY_MAIL_ENABLED", false),
	}
}

func loadTaxConfig() TaxConfig {
	return TaxConfig{
		RateTablePath: getEnv("TALLY_TAX_RATES_PATH", "config/tax_rates.yaml"),
		HotReload:     getEnvBool("TALLY_TAX_HOT_RELOAD", true),
	}
}

func loadLimitsConfig() LimitsConfig {
	return LimitsConfig{
		DailyUsageRecords: getEnvInt("TALLY_DAILY_USAGE_QUOTA", 100000),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("TALLY_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TALLY_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TALLY_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TALLY_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TALLY_OTEL_SERVICE_NAME", "tally-billing"),
		OTelServiceVersion: getEnv("TALLY_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TALLY_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base URL is required")
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway max retries must not be negative")
	}

	if c.Webhooks.SigningSecret == "" {
		return fmt.Errorf("webhook signing secret is required")
	}
	if c.Webhooks.Tolerance <= 0 {
		return fmt.Errorf("webhook tolerance must be positive")
	}

	if c.Mail.Enabled {
		if c.Mail.SMTPHost == "" {
			return fmt.Errorf("SMTP host is required when mail is enabled")
		}
		if c.Mail.FromAddress == "" {
			return fmt.Errorf("mail from address is required when mail is enabled")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
