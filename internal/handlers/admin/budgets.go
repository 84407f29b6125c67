package admin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/models"
	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/gate"
	"github.com/amerfu/llmbudget/internal/services/pricing"
)

const defaultCheckModel = "chatgpt-4o-latest"

type BudgetHandler struct {
	baseHandler
	engine *budget.Engine
	stats  *gate.RequestStats
}

func NewBudgetHandler(logger *zap.Logger, engine *budget.Engine, stats *gate.RequestStats) *BudgetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = gate.NewRequestStats()
	}
	return &BudgetHandler{
		baseHandler: baseHandler{logger: logger},
		engine:      engine,
		stats:       stats,
	}
}

type CreateBudgetRequest struct {
	UserID       string   `json:"user_id"`
	DailyLimit   *float64 `json:"daily_limit"`
	MonthlyLimit *float64 `json:"monthly_limit"`
}

type CheckBudgetRequest struct {
	Model           string `json:"model"`
	EstimatedTokens *int   `json:"estimated_tokens"`
}

type TrackUsageRequest struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	RequestID    string `json:"request_id,omitempty"`
}

type TrackUsageResponse struct {
	Success      bool    `json:"success"`
	UserID       string  `json:"user_id"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Error        string  `json:"error,omitempty"`
}

type BudgetListEntry struct {
	UserID string `json:"user_id"`
	models.BudgetSummary
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
}

// NewBudgetListEntry summarizes a stored budget for listing.
func NewBudgetListEntry(b *models.UserBudget) BudgetListEntry {
	return BudgetListEntry{
		UserID: b.UserID,
		BudgetSummary: models.BudgetSummary{
			DailyLimit:       b.DailyLimit,
			MonthlyLimit:     b.MonthlyLimit,
			DailySpent:       b.DailySpend,
			MonthlySpent:     b.MonthlySpend,
			DailyRemaining:   b.DailyRemaining(),
			MonthlyRemaining: b.MonthlyRemaining(),
			DailyState:       models.StateOf(b.DailySpend, b.DailyLimit),
			MonthlyState:     models.StateOf(b.MonthlySpend, b.MonthlyLimit),
			LastResetDate:    b.LastResetDate,
		},
		TotalInputTokens:  b.TotalInputTokens,
		TotalOutputTokens: b.TotalOutputTokens,
	}
}

// CreateBudget creates or updates the limits of a user. Omitted limits
// fall back to the service defaults.
func (h *BudgetHandler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var req CreateBudgetRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		h.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	daily, monthly := h.engine.DefaultLimits()
	if req.DailyLimit != nil {
		daily = *req.DailyLimit
	}
	if req.MonthlyLimit != nil {
		monthly = *req.MonthlyLimit
	}

	created, err := h.engine.CreateOrUpdateUserBudget(r.Context(), req.UserID, daily, monthly)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	status, verb := http.StatusOK, "updated"
	if created {
		status, verb = http.StatusCreated, "created"
	}
	h.sendJSON(w, status, map[string]interface{}{
		"success":       true,
		"created":       created,
		"message":       "Budget " + verb + " for user " + req.UserID,
		"user_id":       req.UserID,
		"daily_limit":   daily,
		"monthly_limit": monthly,
	})
}

// ListBudgets returns every budget ordered by user id
func (h *BudgetHandler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := h.engine.ListBudgets(r.Context())
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	entries := make([]BudgetListEntry, 0, len(budgets))
	for i := range budgets {
		entries = append(entries, NewBudgetListEntry(&budgets[i]))
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"budgets": entries,
		"total":   len(entries),
	})
}

// GetBudget returns the budget and usage statistics of a user
func (h *BudgetHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetUserStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, stats)
}

func (h *BudgetHandler) CheckBudget(w http.ResponseWriter, r *http.Request) {
	var req CheckBudgetRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Model == "" {
		req.Model = defaultCheckModel
	}
	tokens := pricing.DefaultEstimate
	if req.EstimatedTokens != nil {
		tokens = *req.EstimatedTokens
	}

	decision, err := h.engine.CheckBudget(r.Context(), chi.URLParam(r, "userID"), req.Model, tokens)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, decision)
}

// TrackUsage charges a completed request to a user
func (h *BudgetHandler) TrackUsage(w http.ResponseWriter, r *http.Request) {
	var req TrackUsageRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Model == "" {
		h.sendError(w, http.StatusBadRequest, "model is required")
		return
	}

	userID := chi.URLParam(r, "userID")
	cost, err := h.engine.Track(r.Context(), budget.Usage{
		UserID:       userID,
		Model:        req.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		RequestID:    req.RequestID,
	})
	resp := TrackUsageResponse{
		Success:      true,
		UserID:       userID,
		Model:        req.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		Cost:         cost,
	}
	if errors.Is(err, budget.ErrStoreUnavailable) {
		// The cost is known even though it was not persisted.
		h.logger.Error("Usage not recorded", zap.String("user_id", userID), zap.Error(err))
		resp.Success = false
		resp.Error = "usage not recorded: budget store unavailable"
		h.sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	h.sendJSON(w, http.StatusOK, resp)
}

// ResetBudget starts a new monthly window for one user
func (h *BudgetHandler) ResetBudget(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.engine.ResetMonthly(r.Context(), userID); err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user_id": userID,
	})
}

// ResetAllBudgets starts a new monthly window for every user
func (h *BudgetHandler) ResetAllBudgets(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ResetAllMonthly(r.Context())
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"users_reset": n,
	})
}

func (h *BudgetHandler) GetPricing(w http.ResponseWriter, r *http.Request) {
	table := h.engine.Pricing()
	prices := make(map[string]pricing.Rate)
	for _, p := range table.List() {
		prices[p.Model] = p.Rate
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"models":   prices,
		"fallback": table.Fallback(),
		"currency": "USD",
		"unit":     "per 1K tokens",
	})
}

func (h *BudgetHandler) GetRequestStats(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, h.stats.Snapshot())
}

func (h *BudgetHandler) ResetRequestStats(w http.ResponseWriter, r *http.Request) {
	h.stats.Reset()
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// Health reports whether the budget store is reachable
func (h *BudgetHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		h.logger.Warn("Budget store health check failed", zap.Error(err))
		h.sendJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "budget_manager",
			"store":   "unavailable",
		})
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "budget_manager",
		"store":   "connected",
	})
}
