package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/config"
	"github.com/amerfu/llmbudget/internal/handlers"
	"github.com/amerfu/llmbudget/internal/middleware"
	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/gate"
)

const defaultRequestTimeout = 30 * time.Second

type RouterConfig struct {
	Config   *config.Config
	Logger   *zap.Logger
	Engine   *budget.Engine
	Gate     *gate.Gate
	Recorder *gate.Recorder
	Stats    *gate.RequestStats
	// HealthChecks are reported by /health and /ready.
	HealthChecks map[string]handlers.Pinger
}

func NewRouter(cfg *RouterConfig) http.Handler {
	r := chi.NewRouter()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Config.Server.WriteTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	// Basic middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(timeout))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.MetricsMiddleware(logger))

	// CORS
	if len(cfg.Config.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Config.CORS.AllowedOrigins,
			AllowedMethods:   cfg.Config.CORS.AllowedMethods,
			AllowedHeaders:   cfg.Config.CORS.AllowedHeaders,
			ExposedHeaders:   cfg.Config.CORS.ExposedHeaders,
			AllowCredentials: cfg.Config.CORS.AllowCredentials,
			MaxAge:           cfg.Config.CORS.MaxAge,
		}))
	}

	healthHandler := handlers.NewHealthHandler(cfg.HealthChecks)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics live on the main port unless a dedicated one is configured.
	if cfg.Config.Monitoring.EnableMetrics && cfg.Config.Server.MetricsPort == 0 {
		r.Handle("/metrics", promhttp.Handler())
	}

	authMiddleware := middleware.NewAuthMiddleware(&middleware.AuthConfig{
		Logger:    logger,
		MasterKey: cfg.Config.Auth.MasterKey,
	})
	if !authMiddleware.Enabled() {
		logger.Warn("No master key configured, admin and hook endpoints are unauthenticated")
	}

	hookHandler := handlers.NewHookHandler(logger, cfg.Gate, cfg.Recorder)
	r.Route("/hooks", func(r chi.Router) {
		r.Use(authMiddleware.RequireMasterKey)
		r.Post("/pre-call", hookHandler.PreCall)
		r.Post("/post-call", hookHandler.PostCall)
	})

	r.Mount("/budget", NewBudgetSubRouter(&BudgetRouterConfig{
		Logger: logger,
		Engine: cfg.Engine,
		Stats:  cfg.Stats,
		Auth:   authMiddleware,
	}))

	return r
}
