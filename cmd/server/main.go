package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pixelcredit/backend/internal/audit"
	"github.com/pixelcredit/backend/internal/config"
	"github.com/pixelcredit/backend/internal/database"
	"github.com/pixelcredit/backend/internal/handlers"
	"github.com/pixelcredit/backend/internal/logging"
	"github.com/pixelcredit/backend/internal/metrics"
	mW "github.com/pixelcredit/backend/internal/middleware"
	"github.com/pixelcredit/backend/internal/services"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// @title PixelCredit Generation API
// @version 1.0
// @description Credit-gated image generation with refunds on failure
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("provider.driver", "PROVIDER_DRIVER")
	viper.BindEnv("provider.base_url", "PROVIDER_BASE_URL")
	viper.BindEnv("provider.api_key", "PROVIDER_API_KEY")
	viper.BindEnv("provider.model", "PROVIDER_MODEL")
	viper.BindEnv("ledger.store_driver", "LEDGER_STORE_DRIVER")
	viper.BindEnv("artifacts.root_dir", "ARTIFACTS_ROOT_DIR")
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.pretty", "LOG_PRETTY")

	configErr := viper.ReadInConfig()

	logger := logging.New(config.LoadLogConfig())
	if configErr != nil {
		logger.Info().Err(configErr).Msg("config file not found, using defaults")
	}

	genCfg := config.LoadGenerationConfig()
	providerCfg := config.LoadProviderConfig()
	ledgerCfg := config.LoadLedgerConfig()
	artifactCfg := config.LoadArtifactConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize stores
	var (
		ledger services.LedgerStore
		jobs   services.JobStore
		db     *sql.DB
	)
	switch ledgerCfg.StoreDriver {
	case "memory":
		logger.Warn().Msg("using in-memory stores, balances are lost on restart")
		ledger = services.NewMemoryLedgerStore()
		jobs = services.NewMemoryJobStore()
	default:
		var err error
		db, err = database.InitDB(ctx, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize database")
		}
		defer database.CloseDB()
		ledger = services.NewPostgresLedgerStore(db, ledgerCfg, logger)
		jobs = services.NewPostgresJobStore(db)
	}

	redisClient := database.InitRedis(ctx, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	artifacts, err := services.NewFileArtifactStore(artifactCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize artifact store")
	}

	catalog := services.NewStaticCatalog(config.ToolCostOverrides())
	provider, closeProvider := newProvider(ctx, providerCfg, catalog, logger)
	defer closeProvider()

	stats := services.NewToolStatsService(redisClient, logger)
	engine := services.NewGenerationService(services.GenerationDeps{
		Ledger:    ledger,
		Jobs:      jobs,
		Catalog:   catalog,
		Provider:  provider,
		Artifacts: artifacts,
		Stats:     stats,
		Audit:     audit.NewAuditLogger(logger),
		Alerter:   audit.NewRedisAlerter(redisClient, genCfg.AlertChannel, logger),
	}, genCfg, logger)

	recovery := services.NewRecoveryService(engine, jobs, genCfg, logger)
	if err := recovery.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start recovery sweeper")
	}
	defer recovery.Stop()

	generationHandler := handlers.NewGenerationHandler(engine, catalog, stats, logger)
	creditHandler := handlers.NewCreditHandler(engine, logger)
	artifactHandler := handlers.NewArtifactHandler(artifacts, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(metrics.InstrumentHandler)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy"}
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				status["status"] = "degraded"
			}
		}
		json.NewEncoder(w).Encode(status)
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Get("/artifacts/{ref}", artifactHandler.GetArtifact)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)
			generationHandler.Routes(r)

			r.With(mW.RequireRole("admin")).Post("/admin/credits", creditHandler.Credit)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Generations hold the request open until the job is terminal.
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: genCfg.MaxDeadline + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), genCfg.MaxDeadline)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

func newProvider(ctx context.Context, cfg *config.ProviderConfig, catalog *services.StaticCatalog, logger zerolog.Logger) (services.ProviderAdapter, func()) {
	var backend services.ProviderBackend
	closeFn := func() {}

	switch cfg.Driver {
	case "gemini":
		gemini, err := services.NewGeminiBackend(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize gemini backend")
		}
		backend = gemini
		closeFn = func() {
			if err := gemini.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close gemini client")
			}
		}
	default:
		backend = services.NewOpenAICompatibleBackend(cfg, &http.Client{})
	}

	logger.Info().Str("backend", backend.Name()).Str("model", cfg.Model).Msg("provider configured")
	return services.NewRetryingProvider(backend, catalog, cfg, logger), closeFn
}
