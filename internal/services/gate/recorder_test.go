package gate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/llmbudget/internal/services/budget"
)

const providerResponse = `{"id":"chatcmpl-1","object":"chat.completion","usage":{"prompt_tokens":1000,"completion_tokens":1000,"total_tokens":2000}}`

func TestParseUsage(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		input  int
		output int
	}{
		{"openai", `{"usage":{"prompt_tokens":12,"completion_tokens":30}}`, 12, 30},
		{"anthropic", `{"usage":{"input_tokens":7,"output_tokens":9}}`, 7, 9},
		{"openai wins", `{"usage":{"prompt_tokens":1,"input_tokens":7,"completion_tokens":2}}`, 1, 2},
		{"missing usage", `{"id":"x"}`, 0, 0},
		{"empty", ``, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUsage(json.RawMessage(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.input, u.Input())
			assert.Equal(t, tt.output, u.Output())
		})
	}

	_, err := ParseUsage(json.RawMessage(`[`))
	assert.Error(t, err)
}

func TestRecordCharges(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, budget.NewMemoryStore())
	stats := NewRequestStats()
	g := New(Config{Engine: engine, Stats: stats})
	rec := NewRecorder(engine, stats, nil)

	adm := g.Admit(ctx, headers("X-User-ID", "alice", RequestIDHeader, "req-9"), json.RawMessage(chatBody))
	require.NotNil(t, adm.Ticket)

	out, info, err := rec.Record(ctx, Outcome{
		Ticket:   adm.Ticket,
		Response: json.RawMessage(providerResponse),
		Success:  true,
		Latency:  1500 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.InDelta(t, 0.04, info.Cost, 1e-9)
	require.NotNil(t, info.DailyRemaining)
	require.NotNil(t, info.MonthlyRemaining)
	assert.InDelta(t, 9.96, *info.DailyRemaining, 1e-9)
	assert.InDelta(t, 99.96, *info.MonthlyRemaining, 1e-9)
	assert.Empty(t, info.Error)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &body))
	assert.JSONEq(t, `"chatcmpl-1"`, string(body["id"]))
	var attached BudgetInfo
	require.NoError(t, json.Unmarshal(body["budget_info"], &attached))
	assert.Equal(t, "alice", attached.UserID)
	assert.Equal(t, "req-9", attached.RequestID)

	stats2, err := engine.GetUserStats(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.04, stats2.Budget.DailySpent, 1e-9)
	assert.Equal(t, int64(1000), stats2.Usage.TotalInputTokens)

	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap.SuccessfulRequests)
	assert.Equal(t, int64(2000), snap.TotalTokens)
	assert.InDelta(t, 1.5, snap.AverageResponseTime, 1e-9)
}

func TestRecordFailureIsNotCharged(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, budget.NewMemoryStore())
	stats := NewRequestStats()
	rec := NewRecorder(engine, stats, nil)

	ticket := &Ticket{UserID: "bob", Model: "gpt-4-turbo", RequestID: "r"}
	resp := json.RawMessage(`{"error":{"message":"upstream timeout"}}`)

	out, info, err := rec.Record(ctx, Outcome{Ticket: ticket, Response: resp, Success: false, Latency: time.Second})
	require.NoError(t, err)
	assert.Nil(t, info)
	assert.Equal(t, string(resp), string(out))

	_, err = engine.GetUserStats(ctx, "bob")
	assert.ErrorIs(t, err, budget.ErrUserNotFound)
	assert.Equal(t, int64(1), stats.Snapshot().FailedRequests)
}

func TestRecordWithoutPreCheck(t *testing.T) {
	engine := newEngine(t, budget.NewMemoryStore())
	rec := NewRecorder(engine, nil, nil)

	ticket := &Ticket{UserID: "carol", Model: "gpt-4-turbo", RequestID: "r"}
	out, info, err := rec.Record(context.Background(), Outcome{
		Ticket:   ticket,
		Response: json.RawMessage(providerResponse),
		Success:  true,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.04, info.Cost, 1e-9)
	assert.Nil(t, info.DailyRemaining)
	assert.NotContains(t, string(out), "daily_remaining")
}

func TestRecordStoreFailureKeepsCost(t *testing.T) {
	rec := NewRecorder(newEngine(t, unavailableStore{}), nil, nil)

	ticket := &Ticket{UserID: "dave", Model: "gpt-4-turbo", RequestID: "r"}
	_, info, err := rec.Record(context.Background(), Outcome{
		Ticket:   ticket,
		Response: json.RawMessage(providerResponse),
		Success:  true,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.04, info.Cost, 1e-9)
	assert.Equal(t, "usage not recorded", info.Error)
}

func TestRecordNilTicket(t *testing.T) {
	rec := NewRecorder(newEngine(t, budget.NewMemoryStore()), nil, nil)
	resp := json.RawMessage(providerResponse)

	out, info, err := rec.Record(context.Background(), Outcome{Response: resp, Success: true})
	require.NoError(t, err)
	assert.Nil(t, info)
	assert.Equal(t, string(resp), string(out))
}

func TestRecordNonObjectResponse(t *testing.T) {
	rec := NewRecorder(newEngine(t, budget.NewMemoryStore()), nil, nil)
	resp := json.RawMessage(`"plain text"`)

	out, info, err := rec.Record(context.Background(), Outcome{
		Ticket:   &Ticket{UserID: "erin", Model: "gpt-4-turbo"},
		Response: resp,
		Success:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Zero(t, info.Cost)
	assert.Equal(t, string(resp), string(out))
}
