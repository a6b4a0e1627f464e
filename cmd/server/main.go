// Package main is the entry point for the billing API server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/appback/billing/internal/config"
	"github.com/appback/billing/internal/database"
	"github.com/appback/billing/internal/handler"
	"github.com/appback/billing/internal/middleware"
	"github.com/appback/billing/internal/payment"
	"github.com/appback/billing/internal/repository"
	"github.com/appback/billing/internal/service"
	"github.com/appback/billing/internal/session"
	"github.com/appback/billing/internal/tax"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Billing.Debug {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		slog.SetDefault(logger)
	}

	logger.Info("Starting billing API",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.Bool("test_mode", cfg.Billing.TestMode()),
		slog.Bool("universal_pricing", cfg.Billing.UniversalPricing),
	)

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to Redis
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	// Upstream clients
	sessions := session.NewVerifier(cfg.Billing.SessionURL, cfg.Billing.SessionTimeout)
	processor := payment.NewStripeProcessor(cfg.Billing.ProcessorKey, cfg.Billing.WebhookSecret)
	var taxes tax.Client
	if cfg.Billing.TaxKey != "" {
		taxes = tax.NewClient(cfg.Billing.TaxBaseURL, cfg.Billing.TaxKey, cfg.Billing.TaxTimeout)
	}

	// Services
	users := repository.NewUserRepository(db.Pool())
	catalog := service.NewPlanCatalog(processor)
	localizer := service.NewLocalizer(catalog, processor, cfg.Billing, logger)
	ledger := service.NewCreditsLedger(processor)
	orchestrator := service.NewOrchestrator(sessions, users, processor, taxes, localizer, ledger, cfg.Billing, logger)
	reconciler := service.NewWebhookReconciler(users, service.NewEventStore(redis), logger)

	// Handlers
	billingHandler := handler.NewBillingHandler(orchestrator)
	webhookHandler := handler.NewWebhookHandler(processor, reconciler, logger)

	// Warm the plan catalog; a failure here is not fatal, the catalog
	// refreshes on first use.
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := catalog.PopulateAll(warmCtx); err != nil {
		logger.Warn("plan catalog warmup failed", "error", err)
	}
	warmCancel()

	// Setup router
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	// Health check endpoints (no auth required)
	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Handle("/metrics", promhttp.Handler())

	// Billing API
	r.Route("/_api/billing", func(r chi.Router) {
		r.With(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig())).
			Post("/", billingHandler.Handle)
		// Webhooks are authenticated by signature, not session, and must
		// not share the client rate limit bucket.
		r.Post("/webhook", webhookHandler.Handle)
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// healthHandler returns a simple health check that always succeeds if the server is running.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler returns a readiness check that verifies database and Redis connections.
func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}

		if err := redis.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","redis":"connected"}`))
	}
}
