package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/app"
	"github.com/PortNumber53/classifieds/backend/internal/config"
	"github.com/PortNumber53/classifieds/backend/internal/handlers"
	"github.com/PortNumber53/classifieds/backend/internal/httpserver"
	"github.com/PortNumber53/classifieds/backend/internal/logging"
	"github.com/PortNumber53/classifieds/backend/internal/middleware"
	"github.com/PortNumber53/classifieds/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := app.OpenDB(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := app.Migrate(db, logger); err != nil {
		return err
	}

	svc, err := app.New(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("closing services", zap.Error(err))
		}
	}()

	auth, err := middleware.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return err
	}

	jobWorker := worker.New(worker.Config{MaxConcurrent: cfg.WorkerConcurrency}, svc.Jobs, logger)
	worker.RegisterBillingJobs(jobWorker, svc.Promotions, svc.Subscriptions, logger)
	scheduler := worker.NewScheduler(jobWorker, cfg.SweepInterval, logger)

	deps := httpserver.Deps{
		DB:            svc.Store,
		Auth:          auth,
		Catalog:       svc.Catalog,
		Subscriptions: svc.Subscriptions,
		Promotions:    svc.Promotions,
		Ledger:        svc.Ledger,
		Clicks:        svc.Clicks,
		Admin: &handlers.AdminHandler{
			Reviews: svc.Promotions,
			Ledger:  svc.Ledger,
			Jobs:    svc.Jobs,
			Sweeps:  scheduler,
			Clicks:  svc.Clicks,
			Logger:  logger,
		},
		Worker:    jobWorker,
		Scheduler: scheduler,
	}
	if cfg.StripeWebhookSecret != "" {
		deps.Stripe = handlers.NewStripeHandler(svc.Ledger, cfg.StripeWebhookSecret, logger)
	} else {
		logger.Info("STRIPE_WEBHOOK_SECRET not set, webhook route disabled")
	}

	srv := httpserver.New(cfg, deps, logger)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("backend starting", zap.String("addr", cfg.ServerAddress), zap.String("env", cfg.Environment))
	if err := srv.Start(); err != nil {
		return err
	}
	<-done
	return nil
}
