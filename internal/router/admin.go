package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/handlers/admin"
	"github.com/amerfu/llmbudget/internal/middleware"
	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/gate"
)

type BudgetRouterConfig struct {
	Logger *zap.Logger
	Engine *budget.Engine
	Stats  *gate.RequestStats
	Auth   *middleware.AuthMiddleware
}

// NewBudgetSubRouter creates the budget admin routes to be mounted on the
// main router. Only /health is reachable without the master key.
func NewBudgetSubRouter(cfg *BudgetRouterConfig) http.Handler {
	r := chi.NewRouter()

	budgetHandler := admin.NewBudgetHandler(cfg.Logger, cfg.Engine, cfg.Stats)

	r.Get("/health", budgetHandler.Health)

	r.Group(func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth.RequireMasterKey)
		}

		r.Route("/users", func(r chi.Router) {
			r.Get("/", budgetHandler.ListBudgets)
			r.Post("/", budgetHandler.CreateBudget)
			r.Get("/{userID}", budgetHandler.GetBudget)
			r.Post("/{userID}/check", budgetHandler.CheckBudget)
			r.Post("/{userID}/usage", budgetHandler.TrackUsage)
			r.Post("/{userID}/reset-monthly", budgetHandler.ResetBudget)
		})

		r.Post("/reset-monthly", budgetHandler.ResetAllBudgets)
		r.Get("/models/pricing", budgetHandler.GetPricing)
		r.Get("/stats/requests", budgetHandler.GetRequestStats)
		r.Delete("/stats/requests", budgetHandler.ResetRequestStats)
	})

	return r
}
