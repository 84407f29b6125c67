package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/models"
	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/gate"
	"github.com/amerfu/llmbudget/internal/services/pricing"
)

type brokenStore struct {
	budget.Store
}

func (brokenStore) Get(ctx context.Context, userID string) (*models.UserBudget, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (brokenStore) RecordUsage(ctx context.Context, rec *models.UsageRecord, seed *models.UserBudget) error {
	return errors.New("dial tcp: connection refused")
}

func (brokenStore) Ping(ctx context.Context) error {
	return errors.New("dial tcp: connection refused")
}

func newTestEngine(t *testing.T, store budget.Store) *budget.Engine {
	t.Helper()
	table, err := pricing.NewTable(nil, pricing.DefaultFallback, false)
	require.NoError(t, err)
	engine, err := budget.NewEngine(budget.Config{Store: store, Pricing: table})
	require.NoError(t, err)
	return engine
}

func newTestRouter(h *BudgetHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/budget/users", h.CreateBudget)
	r.Get("/budget/users", h.ListBudgets)
	r.Get("/budget/users/{userID}", h.GetBudget)
	r.Post("/budget/users/{userID}/check", h.CheckBudget)
	r.Post("/budget/users/{userID}/usage", h.TrackUsage)
	r.Post("/budget/users/{userID}/reset-monthly", h.ResetBudget)
	r.Post("/budget/reset-monthly", h.ResetAllBudgets)
	r.Get("/budget/models/pricing", h.GetPricing)
	r.Get("/budget/stats/requests", h.GetRequestStats)
	r.Delete("/budget/stats/requests", h.ResetRequestStats)
	r.Get("/budget/health", h.Health)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestBudgetLifecycle(t *testing.T) {
	engine := newTestEngine(t, budget.NewMemoryStore())
	r := newTestRouter(NewBudgetHandler(zap.NewNop(), engine, nil))

	rec := do(t, r, http.MethodGet, "/budget/users/alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPost, "/budget/users", map[string]interface{}{
		"user_id": "alice", "daily_limit": 5.0, "monthly_limit": 50.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]interface{}
	decode(t, rec, &created)
	assert.Equal(t, true, created["created"])

	rec = do(t, r, http.MethodPost, "/budget/users", map[string]interface{}{
		"user_id": "alice", "daily_limit": 6.0, "monthly_limit": 60.0,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodPost, "/budget/users/alice/usage", map[string]interface{}{
		"model": "gpt-4-turbo", "input_tokens": 1000, "output_tokens": 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var tracked TrackUsageResponse
	decode(t, rec, &tracked)
	assert.True(t, tracked.Success)
	assert.InDelta(t, 0.04, tracked.Cost, 1e-9)

	rec = do(t, r, http.MethodGet, "/budget/users/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.UserStats
	decode(t, rec, &stats)
	assert.Equal(t, 6.0, stats.Budget.DailyLimit)
	assert.Equal(t, 60.0, stats.Budget.MonthlyLimit)
	assert.InDelta(t, 0.04, stats.Budget.MonthlySpent, 1e-9)
	assert.Equal(t, int64(2000), stats.Usage.TotalTokens)
	require.Len(t, stats.RecentModels, 1)
	assert.Equal(t, "gpt-4-turbo", stats.RecentModels[0].Model)

	rec = do(t, r, http.MethodGet, "/budget/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Budgets []BudgetListEntry `json:"budgets"`
		Total   int               `json:"total"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "alice", list.Budgets[0].UserID)
	assert.Equal(t, models.WindowUnderLimit, list.Budgets[0].DailyState)

	rec = do(t, r, http.MethodPost, "/budget/users/alice/reset-monthly", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	b, err := engine.GetUserStats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, b.Budget.MonthlySpent)
	assert.InDelta(t, 0.04, b.Budget.DailySpent, 1e-9)

	rec = do(t, r, http.MethodPost, "/budget/reset-monthly", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reset map[string]interface{}
	decode(t, rec, &reset)
	assert.Equal(t, 1.0, reset["users_reset"])
}

func TestCreateBudgetDefaultsAndValidation(t *testing.T) {
	r := newTestRouter(NewBudgetHandler(nil, newTestEngine(t, budget.NewMemoryStore()), nil))

	rec := do(t, r, http.MethodPost, "/budget/users", map[string]interface{}{"user_id": "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, budget.DefaultDailyLimit, body["daily_limit"])
	assert.Equal(t, budget.DefaultMonthlyLimit, body["monthly_limit"])

	rec = do(t, r, http.MethodPost, "/budget/users", map[string]interface{}{"daily_limit": 1.0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/budget/users", map[string]interface{}{
		"user_id": "bob", "daily_limit": -1.0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/budget/users", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCheckBudgetEndpoint(t *testing.T) {
	engine := newTestEngine(t, budget.NewMemoryStore())
	r := newTestRouter(NewBudgetHandler(nil, engine, nil))

	rec := do(t, r, http.MethodPost, "/budget/users/carol/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d budget.Decision
	decode(t, rec, &d)
	assert.True(t, d.Allowed)
	assert.Equal(t, "chatgpt-4o-latest", d.Model)
	assert.Equal(t, pricing.DefaultEstimate, d.EstimatedTokens)
	assert.InDelta(t, 0.02, d.EstimatedCost, 1e-9)

	var wire map[string]interface{}
	decode(t, rec, &wire)
	for _, field := range []string{"allowed", "daily_remaining", "monthly_remaining",
		"estimated_cost", "daily_spend", "monthly_spend"} {
		assert.Contains(t, wire, field)
	}
	assert.Equal(t, true, wire["allowed"])

	_, err := engine.CreateOrUpdateUserBudget(context.Background(), "carol", 0.01, 100)
	require.NoError(t, err)

	rec = do(t, r, http.MethodPost, "/budget/users/carol/check", map[string]interface{}{
		"model": "gpt-4-turbo", "estimated_tokens": 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &d)
	assert.False(t, d.Allowed)
	assert.Equal(t, []models.Window{models.WindowDaily}, d.Exceeded)

	rec = do(t, r, http.MethodPost, "/budget/users/carol/check", map[string]interface{}{
		"estimated_tokens": -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrackUsageRequiresModel(t *testing.T) {
	r := newTestRouter(NewBudgetHandler(nil, newTestEngine(t, budget.NewMemoryStore()), nil))

	rec := do(t, r, http.MethodPost, "/budget/users/dave/usage", map[string]interface{}{"input_tokens": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/budget/users/dave/usage", map[string]interface{}{
		"model": "gpt-4-turbo", "input_tokens": -1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetMonthlyUnknownUser(t *testing.T) {
	r := newTestRouter(NewBudgetHandler(nil, newTestEngine(t, budget.NewMemoryStore()), nil))

	rec := do(t, r, http.MethodPost, "/budget/users/nobody/reset-monthly", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoreUnavailable(t *testing.T) {
	r := newTestRouter(NewBudgetHandler(nil, newTestEngine(t, brokenStore{}), nil))

	rec := do(t, r, http.MethodGet, "/budget/users/alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, r, http.MethodPost, "/budget/users/alice/check", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, r, http.MethodPost, "/budget/users/alice/usage", map[string]interface{}{
		"model": "chatgpt-4o-latest", "input_tokens": 500, "output_tokens": 200,
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var tracked TrackUsageResponse
	decode(t, rec, &tracked)
	assert.False(t, tracked.Success)
	assert.Equal(t, "alice", tracked.UserID)
	assert.InDelta(t, 0.0055, tracked.Cost, 1e-12)
	assert.NotEmpty(t, tracked.Error)

	rec = do(t, r, http.MethodGet, "/budget/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestCreateBudgetUsesConfiguredDefaults(t *testing.T) {
	table, err := pricing.NewTable(nil, pricing.DefaultFallback, false)
	require.NoError(t, err)
	daily, monthly := 2.5, 25.0
	engine, err := budget.NewEngine(budget.Config{
		Store:               budget.NewMemoryStore(),
		Pricing:             table,
		DefaultDailyLimit:   &daily,
		DefaultMonthlyLimit: &monthly,
	})
	require.NoError(t, err)
	r := newTestRouter(NewBudgetHandler(nil, engine, nil))

	rec := do(t, r, http.MethodPost, "/budget/users", map[string]interface{}{"user_id": "explicit"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, 2.5, body["daily_limit"])
	assert.Equal(t, 25.0, body["monthly_limit"])

	rec = do(t, r, http.MethodPost, "/budget/users/implicit/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, user := range []string{"explicit", "implicit"} {
		stats, err := engine.GetUserStats(context.Background(), user)
		require.NoError(t, err)
		assert.Equal(t, 2.5, stats.Budget.DailyLimit, user)
		assert.Equal(t, 25.0, stats.Budget.MonthlyLimit, user)
	}
}

func TestPricingAndHealth(t *testing.T) {
	r := newTestRouter(NewBudgetHandler(nil, newTestEngine(t, budget.NewMemoryStore()), nil))

	rec := do(t, r, http.MethodGet, "/budget/models/pricing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Models   map[string]pricing.Rate `json:"models"`
		Fallback pricing.Rate            `json:"fallback"`
		Currency string                  `json:"currency"`
	}
	decode(t, rec, &body)
	assert.Equal(t, pricing.Rate{Input: 0.01, Output: 0.03}, body.Models["gpt-4-turbo"])
	assert.Equal(t, pricing.DefaultFallback, body.Fallback)
	assert.Equal(t, "USD", body.Currency)
	assert.Len(t, body.Models, len(pricing.DefaultRates()))

	rec = do(t, r, http.MethodGet, "/budget/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestRequestStatsEndpoints(t *testing.T) {
	stats := gate.NewRequestStats()
	stats.RecordSuccess("gpt-4-turbo", 100, 0.01, 0)
	r := newTestRouter(NewBudgetHandler(nil, newTestEngine(t, budget.NewMemoryStore()), stats))

	rec := do(t, r, http.MethodGet, "/budget/stats/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap gate.StatsSnapshot
	decode(t, rec, &snap)
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.ModelStats["gpt-4-turbo"].Requests)

	rec = do(t, r, http.MethodDelete, "/budget/stats/requests", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, stats.Snapshot().TotalRequests)
}
