// AngelaMos | 2026
// main.go

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/carterperez-dev/varylite/internal/admin"
	"github.com/carterperez-dev/varylite/internal/auth"
	"github.com/carterperez-dev/varylite/internal/billing"
	"github.com/carterperez-dev/varylite/internal/config"
	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/credit"
	"github.com/carterperez-dev/varylite/internal/events"
	"github.com/carterperez-dev/varylite/internal/generation"
	"github.com/carterperez-dev/varylite/internal/health"
	"github.com/carterperez-dev/varylite/internal/middleware"
	"github.com/carterperez-dev/varylite/internal/modelcost"
	"github.com/carterperez-dev/varylite/internal/progression"
	"github.com/carterperez-dev/varylite/internal/reconcile"
	"github.com/carterperez-dev/varylite/internal/server"
	"github.com/carterperez-dev/varylite/internal/user"
)

const (
	drainDelay = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

//nolint:funlen,gocyclo // bootstrap code is inherently verbose
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	decimal.MarshalJSONWithoutQuotes = true

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		configPath = ""
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"name", cfg.App.Name,
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	routes, err := modelcost.ParseRoutes(cfg.Models)
	if err != nil {
		return err
	}

	telemetry, err := core.NewTelemetry(ctx, cfg.Otel, cfg.App)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		telemetry = &core.Telemetry{}
	}
	if telemetry.Enabled() {
		logger.Info("tracing enabled", "endpoint", cfg.Otel.Endpoint)
	}

	var metrics *core.Metrics
	if cfg.Metrics.Enabled {
		metrics = core.NewMetrics()
	}

	db, err := core.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("database connected",
		"max_open_conns", cfg.Database.MaxOpenConns,
		"max_idle_conns", cfg.Database.MaxIdleConns,
	)

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	redis, err := core.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	logger.Info("redis connected",
		"pool_size", cfg.Redis.PoolSize,
	)

	var publisher events.Publisher = events.Noop{}
	var amqpPublisher *events.AMQPPublisher
	if cfg.Events.Enabled {
		amqpPublisher = events.NewAMQPPublisher(cfg.Events.URL, cfg.Events.Queue)
		publisher = amqpPublisher
		logger.Info("domain events enabled", "queue", cfg.Events.Queue)
	}

	registry, err := modelcost.NewRegistry(
		modelcost.NewRepository(db.DB),
		modelcost.RegistryConfig{
			CacheTTL:      cfg.ModelCosts.CacheTTL,
			ReloadChannel: cfg.ModelCosts.ReloadChannel,
			Redis:         redis.Client,
			Logger:        logger,
		},
	)
	if err != nil {
		return err
	}
	defer registry.Close()

	if n, err := registry.Reload(ctx); err != nil {
		logger.Warn("initial model cost load failed", "error", err)
	} else {
		logger.Info("model costs loaded", "models", n, "routes", len(routes))
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := registry.Watch(watchCtx); err != nil &&
			!errors.Is(err, context.Canceled) {
			logger.Error("model cost reload watcher stopped", "error", err)
		}
	}()

	creditRepo := credit.NewRepository(db.DB)

	progressionSvc := progression.NewService(
		progression.NewRepository(db.DB),
		registry,
		progression.ServiceConfig{
			Generations: creditRepo,
			Levels:      progression.ThresholdsFromConfig(cfg.Progression.Levels),
			AdminEmails: cfg.Auth.AdminEmails,
			Publisher:   publisher,
			Metrics:     metrics,
			Logger:      logger,
		},
	)
	progressionHandler := progression.NewHandler(progressionSvc)

	creditSvc := credit.NewService(
		creditRepo,
		registry,
		credit.ServiceConfig{
			SignupBonus:        cfg.Credits.SignupBonusAmount,
			SelfServiceSources: cfg.Credits.SelfServiceSources,
			MaxAddAmount:       cfg.Credits.MaxAddAmountValue,
			Access:             progressionSvc,
			Publisher:          publisher,
			Metrics:            metrics,
			Logger:             logger,
		},
	)
	creditHandler := credit.NewHandler(creditSvc)

	userSvc := user.NewService(user.NewRepository(db.DB), user.ServiceConfig{
		AdminEmails: cfg.Auth.AdminEmails,
		Signup:      creditSvc,
		Balances:    creditSvc,
		Levels:      progressionSvc,
		Logger:      logger,
	})
	userHandler := user.NewHandler(userSvc)

	authSvc := auth.NewService(redis.Client)
	verifier, err := auth.NewVerifier(cfg.Auth, authSvc)
	if err != nil {
		return err
	}
	authHandler := auth.NewHandler(authSvc)
	logger.Info("token verifier initialized", "mode", verifier.Mode())

	modelCostHandler := modelcost.NewHandler(registry)

	providers := generation.WithResilience(
		generation.NewProviders(cfg.Providers),
		cfg.Providers,
		metrics,
	)
	generationSvc := generation.NewService(generation.ServiceConfig{
		Credits:   creditSvc,
		Progress:  progressionSvc,
		Routes:    routes,
		Providers: providers,
		Logger:    logger,
	})
	generationHandler := generation.NewHandler(generationSvc)

	var billingHandler *billing.Handler
	if cfg.Billing.Enabled {
		billingSvc, err := billing.NewService(
			creditSvc,
			progressionSvc,
			cfg.Billing,
			logger,
		)
		if err != nil {
			return err
		}
		billingHandler = billing.NewHandler(
			billingSvc,
			cfg.Billing.StripeWebhookSecret,
			logger,
		)
	}

	var sweeper *reconcile.Sweeper
	if cfg.Reconcile.Enabled {
		sweeper, err = reconcile.NewSweeper(creditSvc, cfg.Reconcile, logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
	}

	var extraChecks []health.Dependency
	if amqpPublisher != nil {
		extraChecks = append(extraChecks, health.Dependency{
			Name:     "broker",
			Checker:  amqpPublisher,
			Optional: true,
		})
	}
	healthHandler := health.NewHandler(db, redis, extraChecks...)

	components := []admin.Component{
		admin.Database(db.Ping, db.Stats),
		admin.Redis(redis.Ping, redis.PoolStats),
	}
	if amqpPublisher != nil {
		components = append(components, admin.Component{
			Name: "events",
			Ping: amqpPublisher.Ping,
		})
	}
	adminHandler := admin.NewHandler(admin.HandlerConfig{
		Components: components,
		Ledger:     creditSvc,
		Catalog:    registry,
	})

	srv := server.New(server.Config{
		ServerConfig:  cfg.Server,
		HealthHandler: healthHandler,
		Logger:        logger,
	})

	router := srv.Router()

	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(logger))
	if metrics != nil {
		router.Use(middleware.Metrics(metrics))
	}
	router.Use(
		middleware.NewRateLimiter(redis.Client, middleware.RateLimitConfig{
			Limit: middleware.Limit(
				cfg.RateLimit.Requests,
				cfg.RateLimit.Burst,
				cfg.RateLimit.Window,
			),
			Skip: middleware.SkipPaths(
				"/healthz", "/readyz", "/livez",
				"/billing/stripe/webhook",
			),
		}).Handler,
	)
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORS(cfg.CORS))

	healthHandler.RegisterRoutes(router)
	if metrics != nil {
		router.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	if billingHandler != nil {
		billingHandler.RegisterRoutes(router)
	}

	authenticator := middleware.Authenticator(verifier, userSvc)
	adminOnly := middleware.RequireAdmin
	generationLimiter := middleware.GenerationLimiter(
		redis.Client,
		cfg.RateLimit.Tiers,
	)

	router.Route("/v1", func(r chi.Router) {
		modelCostHandler.RegisterRoutes(r)

		authHandler.RegisterRoutes(r, authenticator)
		userHandler.RegisterRoutes(r, authenticator)
		creditHandler.RegisterRoutes(r, authenticator)
		progressionHandler.RegisterRoutes(r, authenticator)
		generationHandler.RegisterRoutes(r, authenticator, generationLimiter)

		userHandler.RegisterAdminRoutes(r, authenticator, adminOnly)
		creditHandler.RegisterAdminRoutes(r, authenticator, adminOnly)
		progressionHandler.RegisterAdminRoutes(r, authenticator, adminOnly)
		modelCostHandler.RegisterAdminRoutes(r, authenticator, adminOnly)
		adminHandler.RegisterRoutes(r, authenticator, adminOnly)
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout+drainDelay+5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx, drainDelay); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	stopWatch()

	if amqpPublisher != nil {
		if err := amqpPublisher.Close(); err != nil {
			logger.Error("event publisher close error", "error", err)
		}
	}

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}

	if err := redis.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}

	if err := db.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}

	logger.Info("application stopped")
	return nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
