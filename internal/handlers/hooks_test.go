package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/gate"
	"github.com/amerfu/llmbudget/internal/services/pricing"
)

func newHookHandler(t *testing.T) (*HookHandler, *budget.Engine, *gate.RequestStats) {
	t.Helper()

	table, err := pricing.NewTable(nil, pricing.DefaultFallback, false)
	require.NoError(t, err)
	engine, err := budget.NewEngine(budget.Config{Store: budget.NewMemoryStore(), Pricing: table})
	require.NoError(t, err)

	stats := gate.NewRequestStats()
	g := gate.New(gate.Config{Engine: engine, Stats: stats})
	return NewHookHandler(nil, g, gate.NewRecorder(engine, stats, nil)), engine, stats
}

func post(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body)))
	return rec
}

func TestPreCallThenPostCall(t *testing.T) {
	h, engine, stats := newHookHandler(t)

	rec := post(t, h.PreCall, `{
		"headers": {"x-user-id": "alice"},
		"request": {"model": "gpt-4-turbo", "messages": [{"role": "user", "content": "hi"}]}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var pre PreCallResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pre))
	assert.True(t, pre.Allowed)
	require.NotNil(t, pre.BudgetInfo)
	assert.Equal(t, "alice", pre.BudgetInfo.UserID)
	require.NotNil(t, pre.BudgetInfo.PreCheck)

	postBody, err := json.Marshal(map[string]interface{}{
		"budget_info": pre.BudgetInfo,
		"response": map[string]interface{}{
			"id":    "chatcmpl-1",
			"usage": map[string]int{"prompt_tokens": 500, "completion_tokens": 500},
		},
		"latency_ms": 250,
	})
	require.NoError(t, err)

	rec = post(t, h.PostCall, string(postBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ID         string          `json:"id"`
		BudgetInfo gate.BudgetInfo `json:"budget_info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.InDelta(t, 0.02, resp.BudgetInfo.Cost, 1e-9)
	require.NotNil(t, resp.BudgetInfo.DailyRemaining)
	assert.InDelta(t, 9.98, *resp.BudgetInfo.DailyRemaining, 1e-9)

	s, err := engine.GetUserStats(context.Background(), "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, s.Budget.DailySpent, 1e-9)
	assert.Equal(t, int64(1), stats.Snapshot().SuccessfulRequests)
}

func TestPreCallDenied(t *testing.T) {
	h, engine, _ := newHookHandler(t)
	_, err := engine.CreateOrUpdateUserBudget(context.Background(), "bob", 0, 0)
	require.NoError(t, err)

	rec := post(t, h.PreCall, `{"headers": {"User-ID": "bob"}, "request": {"model": "gpt-4-turbo"}}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var payload gate.BudgetExceededError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "budget_exceeded", payload.Error.Type)
	assert.Equal(t, "BUDGET_EXCEEDED", payload.Error.Code)
	assert.Contains(t, payload.Error.Message, "Daily budget exceeded")
	assert.Contains(t, payload.Error.Message, "Monthly budget exceeded")
	assert.Zero(t, payload.Error.Details.DailyRemaining)
}

func TestPostCallFailureNotCharged(t *testing.T) {
	h, engine, stats := newHookHandler(t)

	rec := post(t, h.PostCall, `{
		"budget_info": {"user_id": "carol", "model": "gpt-4-turbo", "request_id": "r1"},
		"response": {"error": "boom"},
		"success": false
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"error": "boom"}`, rec.Body.String())

	_, err := engine.GetUserStats(context.Background(), "carol")
	assert.True(t, errors.Is(err, budget.ErrUserNotFound))
	assert.Equal(t, int64(1), stats.Snapshot().FailedRequests)
}

func TestPostCallWithoutTicket(t *testing.T) {
	h, _, _ := newHookHandler(t)

	rec := post(t, h.PostCall, `{"response": {"id": "x"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id": "x"}`, rec.Body.String())

	rec = post(t, h.PostCall, `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestHooksRejectMalformedBodies(t *testing.T) {
	h, _, _ := newHookHandler(t)

	assert.Equal(t, http.StatusBadRequest, post(t, h.PreCall, `{`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h.PreCall, ``).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h.PostCall, `[1,2]`).Code)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	healthy := NewHealthHandler(map[string]Pinger{"store": stubPinger{}})
	rec := httptest.NewRecorder()
	healthy.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	healthy.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	degraded := NewHealthHandler(map[string]Pinger{
		"store":  stubPinger{},
		"events": stubPinger{err: errors.New("redis down")},
	})
	rec = httptest.NewRecorder()
	degraded.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "healthy", body.Services["store"].Status)
	assert.Equal(t, "redis down", body.Services["events"].Message)

	rec = httptest.NewRecorder()
	degraded.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
