package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/middleware"
	"github.com/amerfu/llmbudget/internal/services/budget"
)

// BudgetInfo is attached to a provider response after its usage is charged.
// Remaining values are omitted when the admission check failed open.
type BudgetInfo struct {
	UserID           string   `json:"user_id"`
	Model            string   `json:"model"`
	RequestID        string   `json:"request_id,omitempty"`
	Cost             float64  `json:"cost"`
	DailyRemaining   *float64 `json:"daily_remaining,omitempty"`
	MonthlyRemaining *float64 `json:"monthly_remaining,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Outcome is a finished provider call reported to the recorder.
type Outcome struct {
	Ticket   *Ticket
	Response json.RawMessage
	Success  bool
	Latency  time.Duration
}

// TokenUsage is the usage block of a provider response. Both the OpenAI
// and the Anthropic field names are accepted.
type TokenUsage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	InputTokens      *int `json:"input_tokens"`
	OutputTokens     *int `json:"output_tokens"`
}

func (u TokenUsage) Input() int {
	return firstCount(u.PromptTokens, u.InputTokens)
}

func (u TokenUsage) Output() int {
	return firstCount(u.CompletionTokens, u.OutputTokens)
}

func firstCount(values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

// ParseUsage reads the usage block of a provider response. A response
// without one reports zero tokens.
func ParseUsage(response json.RawMessage) (TokenUsage, error) {
	var body struct {
		Usage TokenUsage `json:"usage"`
	}
	if len(response) == 0 {
		return TokenUsage{}, nil
	}
	if err := json.Unmarshal(response, &body); err != nil {
		return TokenUsage{}, fmt.Errorf("parse provider usage: %w", err)
	}
	return body.Usage, nil
}

// Recorder runs the post-request hook: it charges actual usage and
// annotates the response with the resulting budget state.
type Recorder struct {
	engine *budget.Engine
	stats  *RequestStats
	logger *zap.Logger
}

func NewRecorder(engine *budget.Engine, stats *RequestStats, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = NewRequestStats()
	}
	return &Recorder{engine: engine, stats: stats, logger: logger}
}

// Record charges a successful call and returns the response with a
// budget_info member. Failed calls are counted but never charged, and
// their response is returned unchanged. A nil ticket means the request
// was never admitted through the gate.
func (r *Recorder) Record(ctx context.Context, out Outcome) (json.RawMessage, *BudgetInfo, error) {
	if out.Ticket == nil {
		return out.Response, nil, nil
	}
	t := out.Ticket

	if !out.Success {
		r.stats.RecordFailure(t.Model, out.Latency)
		middleware.RecordProviderRequest(t.Model, false)
		r.logger.Info("Provider request failed, not charged",
			zap.String("user_id", t.UserID),
			zap.String("model", t.Model),
			zap.String("request_id", t.RequestID),
			zap.Duration("latency", out.Latency))
		return out.Response, nil, nil
	}

	usage, err := ParseUsage(out.Response)
	if err != nil {
		r.logger.Warn("Unreadable provider usage, charging zero tokens",
			zap.String("request_id", t.RequestID), zap.Error(err))
	}
	in, outTokens := usage.Input(), usage.Output()

	info := &BudgetInfo{
		UserID:    t.UserID,
		Model:     t.Model,
		RequestID: t.RequestID,
	}

	cost, err := r.engine.Track(ctx, budget.Usage{
		UserID:       t.UserID,
		Model:        t.Model,
		InputTokens:  in,
		OutputTokens: outTokens,
		RequestID:    t.RequestID,
		Metadata: map[string]any{
			"identity_source":  t.IdentitySource,
			"estimated_tokens": t.EstimatedTokens,
			"latency_ms":       out.Latency.Milliseconds(),
		},
	})
	info.Cost = cost
	if err != nil {
		if errors.Is(err, budget.ErrStoreUnavailable) {
			middleware.RecordStoreError("track")
		}
		info.Error = "usage not recorded"
		r.logger.Error("Failed to track usage",
			zap.String("user_id", t.UserID),
			zap.String("model", t.Model),
			zap.String("request_id", t.RequestID),
			zap.Float64("cost", cost),
			zap.Error(err))
	} else {
		middleware.RecordUsage(t.Model, cost, in, outTokens)
	}

	if t.PreCheck != nil {
		daily := t.PreCheck.DailyRemaining - cost
		monthly := t.PreCheck.MonthlyRemaining - cost
		info.DailyRemaining = &daily
		info.MonthlyRemaining = &monthly
	}

	r.stats.RecordSuccess(t.Model, int64(in+outTokens), cost, out.Latency)
	middleware.RecordProviderRequest(t.Model, true)

	annotated, err := attachBudgetInfo(out.Response, info)
	if err != nil {
		r.logger.Warn("Response is not a JSON object, budget info not attached",
			zap.String("request_id", t.RequestID), zap.Error(err))
		return out.Response, info, nil
	}
	return annotated, info, nil
}

func attachBudgetInfo(response json.RawMessage, info *BudgetInfo) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(response) > 0 {
		if err := json.Unmarshal(response, &fields); err != nil {
			return nil, err
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	fields["budget_info"] = raw
	return json.Marshal(fields)
}
