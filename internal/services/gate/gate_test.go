package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/models"
	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/pricing"
)

// unavailableStore fails every read.
type unavailableStore struct {
	budget.Store
}

func (unavailableStore) Get(ctx context.Context, userID string) (*models.UserBudget, error) {
	return nil, errors.New("connection refused")
}

func (unavailableStore) RecordUsage(ctx context.Context, rec *models.UsageRecord, seed *models.UserBudget) error {
	return errors.New("connection refused")
}

func newEngine(t *testing.T, store budget.Store) *budget.Engine {
	t.Helper()

	table, err := pricing.NewTable(nil, pricing.DefaultFallback, false)
	require.NoError(t, err)

	engine, err := budget.NewEngine(budget.Config{
		Store:   store,
		Pricing: table,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	return engine
}

const chatBody = `{"model":"gpt-4-turbo","max_tokens":100,"messages":[{"role":"user","content":"hello world!"}]}`

func TestAdmitAllowed(t *testing.T) {
	engine := newEngine(t, budget.NewMemoryStore())
	stats := NewRequestStats()
	g := New(Config{Engine: engine, Stats: stats})

	h := headers("X-User-ID", "alice", RequestIDHeader, "req-1")
	adm := g.Admit(context.Background(), h, json.RawMessage(chatBody))

	require.True(t, adm.Allowed)
	assert.False(t, adm.FailedOpen)
	assert.Nil(t, adm.Denial)
	require.NotNil(t, adm.Ticket)

	ticket := adm.Ticket
	assert.Equal(t, "alice", ticket.UserID)
	assert.Equal(t, ResolverHeader, ticket.IdentitySource)
	assert.Equal(t, "gpt-4-turbo", ticket.Model)
	assert.Equal(t, "req-1", ticket.RequestID)
	assert.Equal(t, 103, ticket.EstimatedTokens)
	require.NotNil(t, ticket.PreCheck)
	assert.Equal(t, budget.DefaultDailyLimit, ticket.PreCheck.DailyRemaining)
	assert.Equal(t, budget.DefaultMonthlyLimit, ticket.PreCheck.MonthlyRemaining)
	assert.InDelta(t, 0.00412, ticket.PreCheck.EstimatedCost, 1e-9)
	assert.Zero(t, stats.Snapshot().DeniedRequests)
}

func TestAdmitDenied(t *testing.T) {
	store := budget.NewMemoryStore()
	engine := newEngine(t, store)
	_, err := engine.CreateOrUpdateUserBudget(context.Background(), "alice", 0.001, 100)
	require.NoError(t, err)

	stats := NewRequestStats()
	g := New(Config{Engine: engine, Stats: stats})

	adm := g.Admit(context.Background(), headers("X-User-ID", "alice"), json.RawMessage(chatBody))

	assert.False(t, adm.Allowed)
	assert.Nil(t, adm.Ticket)
	require.NotNil(t, adm.Denial)
	assert.Equal(t, ErrorTypeBudgetExceeded, adm.Denial.Error.Type)
	assert.Equal(t, ErrorCodeBudgetExceeded, adm.Denial.Error.Code)
	assert.Contains(t, adm.Denial.Error.Message, "Daily budget exceeded")
	assert.InDelta(t, 0.001, adm.Denial.Error.Details.DailyRemaining, 1e-9)
	assert.InDelta(t, 100, adm.Denial.Error.Details.MonthlyRemaining, 1e-9)
	assert.InDelta(t, 0.00412, adm.Denial.Error.Details.EstimatedCost, 1e-9)
	assert.Equal(t, int64(1), stats.Snapshot().DeniedRequests)

	raw, err := json.Marshal(adm.Denial)
	require.NoError(t, err)
	var payload map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "BUDGET_EXCEEDED", payload["error"]["code"])
	assert.Contains(t, payload["error"], "details")
}

func TestAdmitDeniesHugeMaxTokens(t *testing.T) {
	engine := newEngine(t, budget.NewMemoryStore())
	_, err := engine.CreateOrUpdateUserBudget(context.Background(), "broke", 0, 0)
	require.NoError(t, err)

	stats := NewRequestStats()
	g := New(Config{Engine: engine, Stats: stats})

	body := `{"model":"gpt-4-turbo","max_tokens":9223372036854775807,"messages":[{"role":"user","content":"hi"}]}`
	adm := g.Admit(context.Background(), headers("X-User-ID", "broke"), json.RawMessage(body))

	assert.False(t, adm.Allowed)
	assert.False(t, adm.FailedOpen)
	require.NotNil(t, adm.Denial)
	assert.Equal(t, pricing.MaxEstimate, adm.Decision.EstimatedTokens)
	assert.Zero(t, stats.Snapshot().FailOpenChecks)
	assert.Equal(t, int64(1), stats.Snapshot().DeniedRequests)
}

func TestAdmitFailsOpenOnStoreError(t *testing.T) {
	stats := NewRequestStats()
	g := New(Config{Engine: newEngine(t, unavailableStore{}), Stats: stats})

	adm := g.Admit(context.Background(), headers("X-User-ID", "alice"), json.RawMessage(chatBody))

	assert.True(t, FailOpen)
	assert.True(t, adm.Allowed)
	assert.True(t, adm.FailedOpen)
	require.NotNil(t, adm.Ticket)
	assert.Equal(t, "alice", adm.Ticket.UserID)
	assert.Nil(t, adm.Ticket.PreCheck)
	assert.Equal(t, int64(1), stats.Snapshot().FailOpenChecks)
}

func TestAdmitFailsOpenWithoutIdentity(t *testing.T) {
	g := New(Config{
		Engine:   newEngine(t, budget.NewMemoryStore()),
		Identity: Chain{HeaderResolver{Headers: DefaultUserHeaders}},
	})

	adm := g.Admit(context.Background(), http.Header{}, json.RawMessage(chatBody))
	assert.True(t, adm.Allowed)
	assert.True(t, adm.FailedOpen)
	assert.Nil(t, adm.Ticket)
}

func TestAdmitDefaults(t *testing.T) {
	g := New(Config{Engine: newEngine(t, budget.NewMemoryStore())})

	adm := g.Admit(context.Background(), http.Header{}, nil)
	require.True(t, adm.Allowed)
	require.NotNil(t, adm.Ticket)
	assert.Equal(t, DefaultUserID, adm.Ticket.UserID)
	assert.Equal(t, UnknownModel, adm.Ticket.Model)
	assert.Equal(t, pricing.DefaultEstimate, adm.Ticket.EstimatedTokens)
	assert.NotEmpty(t, adm.Ticket.RequestID)
	assert.False(t, adm.Decision.KnownModel)
}
