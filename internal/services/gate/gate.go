package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/middleware"
	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/pricing"
)

// FailOpen is the policy applied when the budget check itself fails: the
// request is admitted and the failure is logged and counted.
const FailOpen = true

const (
	UnknownModel    = "unknown"
	RequestIDHeader = "X-Request-ID"

	ErrorTypeBudgetExceeded = "budget_exceeded"
	ErrorCodeBudgetExceeded = "BUDGET_EXCEEDED"
)

// PreCheck is the headroom observed by the admission check.
type PreCheck struct {
	DailyRemaining   float64 `json:"daily_remaining"`
	MonthlyRemaining float64 `json:"monthly_remaining"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// Ticket travels with an admitted request from the pre-call hook to the
// post-call hook. PreCheck is nil when the check failed open.
type Ticket struct {
	UserID          string    `json:"user_id"`
	IdentitySource  string    `json:"identity_source,omitempty"`
	Model           string    `json:"model"`
	RequestID       string    `json:"request_id"`
	EstimatedTokens int       `json:"estimated_tokens"`
	PreCheck        *PreCheck `json:"pre_check,omitempty"`
	AdmittedAt      time.Time `json:"admitted_at"`
}

type ErrorDetails struct {
	DailyRemaining   float64 `json:"daily_remaining"`
	MonthlyRemaining float64 `json:"monthly_remaining"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

type ErrorBody struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Code    string       `json:"code"`
	Details ErrorDetails `json:"details"`
}

// BudgetExceededError is the payload returned to callers of a denied request.
type BudgetExceededError struct {
	Error ErrorBody `json:"error"`
}

// Admission is the result of Admit. Exactly one of Ticket and Denial is set
// unless no identity could be resolved and the request failed open.
type Admission struct {
	Allowed    bool                 `json:"allowed"`
	FailedOpen bool                 `json:"failed_open,omitempty"`
	Ticket     *Ticket              `json:"budget_info,omitempty"`
	Denial     *BudgetExceededError `json:"denial,omitempty"`
	Decision   *budget.Decision     `json:"decision,omitempty"`
}

// Gate runs the pre-request admission check.
type Gate struct {
	engine   *budget.Engine
	identity Chain
	stats    *RequestStats
	logger   *zap.Logger
	now      func() time.Time
}

type Config struct {
	Engine   *budget.Engine
	Identity Chain
	Stats    *RequestStats
	Logger   *zap.Logger
}

func New(cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = NewRequestStats()
	}
	if len(cfg.Identity) == 0 {
		cfg.Identity = Chain{
			HeaderResolver{Headers: DefaultUserHeaders},
			DefaultResolver{UserID: DefaultUserID},
		}
	}
	return &Gate{
		engine:   cfg.Engine,
		identity: cfg.Identity,
		stats:    cfg.Stats,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

type requestFields struct {
	Model string `json:"model"`
}

// Admit decides whether the request described by headers and body may be
// forwarded to the provider.
func (g *Gate) Admit(ctx context.Context, headers http.Header, body json.RawMessage) *Admission {
	var fields requestFields
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			g.logger.Debug("Request body is not a JSON object", zap.Error(err))
		}
	}
	model := fields.Model
	if model == "" {
		model = UnknownModel
	}

	ident, err := g.identity.Resolve(headers)
	if err != nil {
		g.failOpen(err, zap.String("model", model))
		return &Admission{Allowed: true, FailedOpen: true}
	}

	requestID := headers.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ticket := &Ticket{
		UserID:          ident.UserID,
		IdentitySource:  ident.Source,
		Model:           model,
		RequestID:       requestID,
		EstimatedTokens: pricing.EstimateTokens(body),
		AdmittedAt:      g.now().UTC(),
	}

	decision, err := g.engine.CheckBudget(ctx, ticket.UserID, model, ticket.EstimatedTokens)
	if err != nil {
		if errors.Is(err, budget.ErrStoreUnavailable) {
			middleware.RecordStoreError("check")
		}
		g.failOpen(err,
			zap.String("user_id", ticket.UserID),
			zap.String("model", model),
			zap.String("request_id", requestID))
		return &Admission{Allowed: true, FailedOpen: true, Ticket: ticket}
	}

	if !decision.Allowed {
		middleware.RecordBudgetCheck(middleware.CheckDenied)
		g.stats.RecordDenied()
		g.logger.Warn("Request rejected due to budget limit",
			zap.String("user_id", ticket.UserID),
			zap.String("model", model),
			zap.String("request_id", requestID),
			zap.Float64("estimated_cost", decision.EstimatedCost),
			zap.String("reason", decision.Reason))
		return &Admission{
			Denial:   Denial(decision),
			Decision: decision,
		}
	}

	middleware.RecordBudgetCheck(middleware.CheckAllowed)
	ticket.PreCheck = &PreCheck{
		DailyRemaining:   decision.DailyRemaining,
		MonthlyRemaining: decision.MonthlyRemaining,
		EstimatedCost:    decision.EstimatedCost,
	}
	return &Admission{Allowed: true, Ticket: ticket, Decision: decision}
}

func (g *Gate) failOpen(err error, fields ...zap.Field) {
	middleware.RecordBudgetCheck(middleware.CheckFailOpen)
	g.stats.RecordFailOpen()
	g.logger.Error("Budget check failed, admitting request",
		append(fields, zap.Error(err), zap.Bool("fail_open", FailOpen))...)
}

// Denial builds the error payload for a denied decision.
func Denial(d *budget.Decision) *BudgetExceededError {
	return &BudgetExceededError{
		Error: ErrorBody{
			Type:    ErrorTypeBudgetExceeded,
			Message: d.Reason,
			Code:    ErrorCodeBudgetExceeded,
			Details: ErrorDetails{
				DailyRemaining:   d.DailyRemaining,
				MonthlyRemaining: d.MonthlyRemaining,
				EstimatedCost:    d.EstimatedCost,
			},
		},
	}
}
