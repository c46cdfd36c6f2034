package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/config"
	"github.com/PortNumber53/classifieds/backend/internal/handlers"
	"github.com/PortNumber53/classifieds/backend/internal/middleware"
	"github.com/PortNumber53/classifieds/backend/internal/worker"
)

// Deps carries the services mounted on the router. Nil optional fields leave
// their routes unregistered.
type Deps struct {
	DB            handlers.Pinger
	Auth          *middleware.Authenticator
	Catalog       handlers.CatalogReader
	Subscriptions handlers.SubscriptionService
	Promotions    handlers.PromotionService
	Ledger        handlers.LedgerReader
	Clicks        handlers.ClickThrougher
	Admin         *handlers.AdminHandler
	Stripe        *handlers.StripeHandler
	Worker        *worker.Worker
	Scheduler     *worker.Scheduler
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	scheduler  *worker.Scheduler
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// New constructs an HTTP server using the provided configuration and services.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestLogger(logger.Named("http")))
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.DB))

	if deps.Catalog != nil {
		router.Get("/api/plans", handlers.ListPlans(deps.Catalog))
		router.Get("/api/featured/prices", handlers.FeaturedPrices(deps.Catalog))
	}

	if deps.Clicks != nil {
		router.With(optional(deps.Auth)).Get("/go/{adType}/{adID}", handlers.ClickRedirect(deps.Clicks))
	}

	if deps.Stripe != nil {
		deps.Stripe.RegisterRoutes(router)
	}

	if deps.Auth != nil {
		router.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)

			if deps.Subscriptions != nil {
				r.Post("/api/subscriptions", handlers.Subscribe(deps.Subscriptions, logger))
				r.Get("/api/subscriptions/current", handlers.CurrentSubscription(deps.Subscriptions, logger))
				r.Post("/api/subscriptions/{id}/cancel", handlers.CancelSubscription(deps.Subscriptions, logger))
			}
			if deps.Promotions != nil {
				r.Post("/api/listings/{listingID}/feature", handlers.RequestFeature(deps.Promotions, logger))
				r.Get("/api/promotions", handlers.MyPromotions(deps.Promotions, logger))
			}
			if deps.Ledger != nil {
				r.Get("/api/payments", handlers.PaymentHistory(deps.Ledger, logger))
			}
		})

		if deps.Admin != nil {
			router.Group(func(r chi.Router) {
				r.Use(deps.Auth.Authenticate)
				r.Use(middleware.RequireAdmin)
				deps.Admin.RegisterRoutes(r)
			})
		}
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second + cfg.GatewayTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		worker:     deps.Worker,
		scheduler:  deps.Scheduler,
		logger:     logger.Named("server"),
	}
}

func optional(auth *middleware.Authenticator) func(http.Handler) http.Handler {
	if auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.OptionalAuthenticate
}

// Start begins serving HTTP traffic and starts the worker and scheduler.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.worker != nil {
		s.logger.Info("starting job worker")
		s.worker.Start(ctx)
	}
	if s.scheduler != nil {
		s.logger.Info("starting sweep scheduler")
		s.scheduler.Start(ctx)
	}

	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server, the scheduler and the worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.worker != nil {
		s.logger.Info("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			s.logger.Error("worker shutdown error", zap.Error(werr))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
