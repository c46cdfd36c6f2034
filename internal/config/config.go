package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration values used by the billing service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// Environment selects the logger flavour ("development" or "production").
	Environment string

	// SiteURL is the public root of the classifieds site. Click-throughs fall
	// back to it and premium listings link under it.
	SiteURL string

	// Currency is the ISO code prices are charged in.
	Currency string

	// PaymentProvider is "fake" or "stripe".
	PaymentProvider     string
	StripeSecretKey     string
	StripeWebhookSecret string
	// GatewayTimeout bounds each charge call.
	GatewayTimeout time.Duration
	// PastDueGrace is how long a declined subscription stays past_due
	// before it is canceled.
	PastDueGrace time.Duration

	// JWTSecret verifies bearer tokens minted by the account service.
	JWTSecret string

	// RedisURL enables the click-count cache when set.
	RedisURL string
	// RabbitMQURL enables event publishing when set.
	RabbitMQURL string

	// SweepInterval is how often promotion and renewal sweeps are queued.
	SweepInterval     time.Duration
	WorkerConcurrency int
}

const (
	ProviderFake   = "fake"
	ProviderStripe = "stripe"
)

const (
	defaultServerAddress     = ":18111"
	defaultEnvironment       = "development"
	defaultSiteURL           = "http://localhost:3000"
	defaultCurrency          = "usd"
	defaultGatewayTimeout    = 15 * time.Second
	defaultPastDueGrace      = 7 * 24 * time.Hour
	defaultSweepInterval     = 5 * time.Minute
	defaultWorkerConcurrency = 2

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envEnvironment         = "APP_ENV"
	envSiteURL             = "SITE_URL"
	envCurrency            = "CURRENCY"
	envPaymentProvider     = "PAYMENT_PROVIDER"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envGatewayTimeout      = "GATEWAY_TIMEOUT"
	envPastDueGrace        = "PAST_DUE_GRACE"
	envJWTSecret           = "JWT_SECRET"
	envRedisURL            = "REDIS_URL"
	envRabbitMQURL         = "RABBITMQ_URL"
	envSweepInterval       = "SWEEP_INTERVAL"
	envWorkerConcurrency   = "WORKER_CONCURRENCY"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         os.Getenv(envDatabaseURL),
		Environment:         firstNonEmpty(os.Getenv(envEnvironment), defaultEnvironment),
		SiteURL:             strings.TrimRight(firstNonEmpty(os.Getenv(envSiteURL), defaultSiteURL), "/"),
		Currency:            strings.ToLower(firstNonEmpty(os.Getenv(envCurrency), defaultCurrency)),
		PaymentProvider:     strings.ToLower(firstNonEmpty(os.Getenv(envPaymentProvider), ProviderFake)),
		StripeSecretKey:     os.Getenv(envStripeSecretKey),
		StripeWebhookSecret: os.Getenv(envStripeWebhookSecret),
		JWTSecret:           os.Getenv(envJWTSecret),
		RedisURL:            os.Getenv(envRedisURL),
		RabbitMQURL:         os.Getenv(envRabbitMQURL),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envJWTSecret)
	}

	if parsed, err := url.Parse(cfg.SiteURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Config{}, fmt.Errorf("invalid %s: %q must be an absolute URL", envSiteURL, cfg.SiteURL)
	}

	switch cfg.PaymentProvider {
	case ProviderFake:
	case ProviderStripe:
		if cfg.StripeSecretKey == "" {
			return Config{}, fmt.Errorf("%s is required when %s=%s", envStripeSecretKey, envPaymentProvider, ProviderStripe)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s: %q", envPaymentProvider, cfg.PaymentProvider)
	}

	var err error
	if cfg.GatewayTimeout, err = durationEnv(envGatewayTimeout, defaultGatewayTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PastDueGrace, err = durationEnv(envPastDueGrace, defaultPastDueGrace); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationEnv(envSweepInterval, defaultSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = intEnv(envWorkerConcurrency, defaultWorkerConcurrency); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}
