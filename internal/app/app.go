// Package app assembles the billing services from configuration. The server
// and the operator CLI share it so both run against the same wiring.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/billing"
	"github.com/PortNumber53/classifieds/backend/internal/clicks"
	"github.com/PortNumber53/classifieds/backend/internal/config"
	"github.com/PortNumber53/classifieds/backend/internal/events"
	"github.com/PortNumber53/classifieds/backend/internal/migrations"
	"github.com/PortNumber53/classifieds/backend/internal/payments"
	"github.com/PortNumber53/classifieds/backend/internal/store"
)

// App holds the long-lived services.
type App struct {
	Config        config.Config
	DB            *sql.DB
	Store         *store.Store
	Jobs          *store.JobStore
	Catalog       *billing.Catalog
	Ledger        *billing.Ledger
	Subscriptions *billing.SubscriptionManager
	Promotions    *billing.PromotionManager
	Clicks        *clicks.Attributor
	Publisher     events.Publisher

	logger *zap.Logger
	cache  *clicks.RedisCache
}

// OpenDB opens and pings the primary database.
func OpenDB(ctx context.Context, dsn string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logDBTarget(logger, dsn)

	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate applies pending migrations, repairing a dirty schema once.
func Migrate(db *sql.DB, logger *zap.Logger) error {
	err := migrations.Up(db, logger)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "Dirty database version") {
		return err
	}

	logger.Warn("dirty database detected, attempting to fix", zap.Error(err))
	if fixErr := migrations.FixDirtyDatabase(db, logger); fixErr != nil {
		logger.Error("failed to fix dirty database", zap.Error(fixErr))
		return err
	}
	return migrations.Up(db, logger)
}

// New builds every service on top of an open, migrated database.
func New(ctx context.Context, cfg config.Config, db *sql.DB, logger *zap.Logger) (*App, error) {
	s, err := store.New(db)
	if err != nil {
		return nil, err
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		return nil, err
	}

	catalog, err := billing.NewCatalog(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("load pricing catalog: %w", err)
	}

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: db, Store: s, Jobs: jobs, Catalog: catalog, logger: logger}
	a.Publisher = newPublisher(cfg, logger)

	opts := []billing.Option{billing.WithGatewayTimeout(cfg.GatewayTimeout)}
	a.Ledger = billing.NewLedger(s, a.Publisher, logger, opts...)
	a.Subscriptions = billing.NewSubscriptionManager(catalog, gateway, s, a.Publisher, logger,
		append(opts, billing.WithPastDueGrace(cfg.PastDueGrace))...)
	a.Promotions = billing.NewPromotionManager(catalog, gateway, s, s, a.Publisher, logger, opts...)

	inventory, err := store.NewAdInventory(s, cfg.SiteURL)
	if err != nil {
		return nil, err
	}
	var cache clicks.Cache
	if cfg.RedisURL != "" {
		rc, err := clicks.NewRedisCache(ctx, cfg.RedisURL, 0)
		if err != nil {
			logger.Warn("redis unavailable, click counts are not cached", zap.Error(err))
		} else {
			a.cache = rc
			cache = rc
		}
	}
	a.Clicks, err = clicks.NewAttributor(s, inventory, cache, cfg.SiteURL, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("billing services ready",
		zap.String("payment_provider", cfg.PaymentProvider),
		zap.Int("plans", len(catalog.Plans())),
		zap.Int("featured_tiers", len(catalog.FeaturedTiers())))
	return a, nil
}

func newGateway(cfg config.Config, logger *zap.Logger) (payments.Gateway, error) {
	var next payments.Gateway
	switch cfg.PaymentProvider {
	case config.ProviderStripe:
		sg, err := payments.NewStripeGateway(cfg.StripeSecretKey, logger)
		if err != nil {
			return nil, err
		}
		next = sg
	case config.ProviderFake, "":
		if cfg.IsProduction() {
			return nil, errors.New("fake payment provider is not allowed in production")
		}
		next = payments.NewFakeGateway()
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.PaymentProvider)
	}
	return payments.NewBreakerGateway(next, payments.DefaultBreakerSettings(), logger), nil
}

func newPublisher(cfg config.Config, logger *zap.Logger) events.Publisher {
	if cfg.RabbitMQURL == "" {
		return events.NewNoopPublisher(logger)
	}
	p, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable, billing events are only logged", zap.Error(err))
		return events.NewNoopPublisher(logger)
	}
	return p
}

// Close releases the publisher and cache connections. The database is owned
// by the caller.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	return errors.Join(errs...)
}

func logDBTarget(logger *zap.Logger, dsn string) {
	// Only host and database name; the DSN carries credentials.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info("database configured", zap.NamedError("dsn_parse_error", err))
		return
	}
	logger.Info("database configured",
		zap.String("host", u.Hostname()), zap.String("db", strings.TrimPrefix(u.Path, "/")))
}
