package budget

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/models"
	"github.com/amerfu/llmbudget/internal/services/pricing"
)

const (
	DefaultDailyLimit   = 10.0
	DefaultMonthlyLimit = 100.0
	DefaultStoreTimeout = 2 * time.Second
	DefaultStatsWindow  = 7 * 24 * time.Hour
)

// Decision is the outcome of an admission check. Remaining headroom and
// spends are reported before the estimate is applied.
type Decision struct {
	Allowed          bool            `json:"allowed"`
	Reason           string          `json:"reason,omitempty"`
	UserID           string          `json:"user_id"`
	Model            string          `json:"model"`
	EstimatedTokens  int             `json:"estimated_tokens"`
	EstimatedCost    float64         `json:"estimated_cost"`
	DailyRemaining   float64         `json:"daily_remaining"`
	MonthlyRemaining float64         `json:"monthly_remaining"`
	DailySpend       float64         `json:"daily_spend"`
	MonthlySpend     float64         `json:"monthly_spend"`
	DailyLimit       float64         `json:"daily_limit"`
	MonthlyLimit     float64         `json:"monthly_limit"`
	Exceeded         []models.Window `json:"exceeded,omitempty"`
	KnownModel       bool            `json:"known_model"`
}

// Usage is one completed request to be charged.
type Usage struct {
	UserID       string
	Model        string
	InputTokens  int
	OutputTokens int
	RequestID    string
	Metadata     map[string]any
}

// EventSink receives budget notifications. Delivery is best effort.
type EventSink interface {
	PublishUsage(ctx context.Context, rec *models.UsageRecord) error
	PublishBudgetExceeded(ctx context.Context, decision *Decision) error
}

type Config struct {
	Store   Store
	Pricing *pricing.Table
	Logger  *zap.Logger
	Events  EventSink

	// Limits given to auto-provisioned users. Nil selects DefaultDailyLimit
	// and DefaultMonthlyLimit; zero is a valid limit.
	DefaultDailyLimit   *float64
	DefaultMonthlyLimit *float64
	// Location is the timezone whose calendar date bounds the daily window.
	Location     *time.Location
	StoreTimeout time.Duration
	StatsWindow  time.Duration

	Now func() time.Time
}

// Engine implements admission checks and usage accounting on top of a Store.
type Engine struct {
	store   Store
	pricing *pricing.Table
	logger  *zap.Logger
	events  EventSink

	defaultDaily   float64
	defaultMonthly float64
	loc            *time.Location
	timeout        time.Duration
	statsWindow    time.Duration
	now            func() time.Time
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("budget store is required")
	}
	if cfg.Pricing == nil {
		return nil, fmt.Errorf("pricing table is required")
	}
	daily, monthly := DefaultDailyLimit, DefaultMonthlyLimit
	if cfg.DefaultDailyLimit != nil {
		daily = *cfg.DefaultDailyLimit
	}
	if cfg.DefaultMonthlyLimit != nil {
		monthly = *cfg.DefaultMonthlyLimit
	}
	if daily < 0 || monthly < 0 {
		return nil, invalidArgument("default limits must be >= 0")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = DefaultStatsWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		store:          cfg.Store,
		pricing:        cfg.Pricing,
		logger:         cfg.Logger,
		events:         cfg.Events,
		defaultDaily:   daily,
		defaultMonthly: monthly,
		loc:            cfg.Location,
		timeout:        cfg.StoreTimeout,
		statsWindow:    cfg.StatsWindow,
		now:            cfg.Now,
	}, nil
}

func (e *Engine) Pricing() *pricing.Table {
	return e.pricing
}

// DefaultLimits returns the limits given to users provisioned without
// explicit ones.
func (e *Engine) DefaultLimits() (daily, monthly float64) {
	return e.defaultDaily, e.defaultMonthly
}

func (e *Engine) today() string {
	return models.FormatDate(e.now(), e.loc)
}

func (e *Engine) seed(userID string, daily, monthly float64) *models.UserBudget {
	return &models.UserBudget{
		UserID:        userID,
		DailyLimit:    daily,
		MonthlyLimit:  monthly,
		LastResetDate: e.today(),
	}
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// CheckBudget decides whether userID may spend the estimated cost of
// estimatedTokens on model. A missing budget is provisioned with default
// limits and a stale daily window is reset before the comparison.
func (e *Engine) CheckBudget(ctx context.Context, userID, model string, estimatedTokens int) (*Decision, error) {
	if userID == "" {
		return nil, invalidArgument("user id is required")
	}
	if estimatedTokens < 0 {
		return nil, invalidArgument("estimated tokens must be >= 0")
	}

	b, err := e.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	today := e.today()
	if b.NeedsDailyReset(today) {
		sctx, cancel := e.withTimeout(ctx)
		reset, err := e.store.ResetDailyIfStale(sctx, userID, today)
		cancel()
		if err != nil {
			return nil, storeError("reset daily spend", err)
		}
		if reset {
			e.logger.Debug("Daily budget window reset",
				zap.String("user_id", userID),
				zap.String("previous", b.LastResetDate),
				zap.String("today", today))
		}
		b.DailySpend = 0
		b.LastResetDate = today
	}

	rate, known := e.pricing.EstimateRate(model)
	estimated := rate.Cost(estimatedTokens, estimatedTokens)

	d := &Decision{
		Allowed:          true,
		UserID:           userID,
		Model:            model,
		EstimatedTokens:  estimatedTokens,
		EstimatedCost:    estimated,
		DailyRemaining:   b.DailyRemaining(),
		MonthlyRemaining: b.MonthlyRemaining(),
		DailySpend:       b.DailySpend,
		MonthlySpend:     b.MonthlySpend,
		DailyLimit:       b.DailyLimit,
		MonthlyLimit:     b.MonthlyLimit,
		KnownModel:       known,
	}

	var reasons []string
	if b.DailySpend+estimated > b.DailyLimit {
		d.Exceeded = append(d.Exceeded, models.WindowDaily)
		reasons = append(reasons, fmt.Sprintf("Daily budget exceeded: $%.4f + $%.4f > $%.2f",
			b.DailySpend, estimated, b.DailyLimit))
	}
	if b.MonthlySpend+estimated > b.MonthlyLimit {
		d.Exceeded = append(d.Exceeded, models.WindowMonthly)
		reasons = append(reasons, fmt.Sprintf("Monthly budget exceeded: $%.4f + $%.4f > $%.2f",
			b.MonthlySpend, estimated, b.MonthlyLimit))
	}
	if len(reasons) > 0 {
		d.Allowed = false
		d.Reason = strings.Join(reasons, "; ")
		e.publishExceeded(ctx, d)
	}

	return d, nil
}

func (e *Engine) loadOrCreate(ctx context.Context, userID string) (*models.UserBudget, error) {
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()

	b, err := e.store.Get(sctx, userID)
	if err == nil {
		return b, nil
	}
	if !isNotFound(err) {
		return nil, storeError("load budget", err)
	}

	b, err = e.store.CreateIfAbsent(sctx, e.seed(userID, e.defaultDaily, e.defaultMonthly))
	if err != nil {
		return nil, storeError("create budget", err)
	}
	e.logger.Info("Provisioned default budget",
		zap.String("user_id", userID),
		zap.Float64("daily_limit", b.DailyLimit),
		zap.Float64("monthly_limit", b.MonthlyLimit))
	return b, nil
}

// TrackUsage charges a completed request. The computed cost is returned
// even when persisting it fails; the error then wraps ErrStoreUnavailable.
func (e *Engine) TrackUsage(ctx context.Context, userID, model string, inputTokens, outputTokens int) (float64, error) {
	return e.Track(ctx, Usage{
		UserID:       userID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

// Track is TrackUsage with correlation data attached to the usage record.
func (e *Engine) Track(ctx context.Context, u Usage) (float64, error) {
	if u.UserID == "" {
		return 0, invalidArgument("user id is required")
	}
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		return 0, invalidArgument("token counts must be >= 0")
	}

	rate, known := e.pricing.ChargeRate(u.Model)
	cost := rate.Cost(u.InputTokens, u.OutputTokens)
	if !known {
		e.logger.Warn("No pricing for model",
			zap.String("model", u.Model),
			zap.Float64("charged", cost))
	}

	rec := &models.UsageRecord{
		UserID:       u.UserID,
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Cost:         cost,
		Timestamp:    e.now().UTC(),
		RequestID:    u.RequestID,
	}
	if len(u.Metadata) > 0 {
		meta, err := encodeMetadata(u.Metadata)
		if err != nil {
			e.logger.Warn("Dropping unencodable usage metadata", zap.Error(err))
		} else {
			rec.Metadata = meta
		}
	}

	sctx, cancel := e.withTimeout(ctx)
	err := e.store.RecordUsage(sctx, rec, e.seed(u.UserID, e.defaultDaily, e.defaultMonthly))
	cancel()
	if err != nil {
		return cost, storeError("record usage", err)
	}

	e.logger.Debug("Usage tracked",
		zap.String("user_id", u.UserID),
		zap.String("model", u.Model),
		zap.Int("input_tokens", u.InputTokens),
		zap.Int("output_tokens", u.OutputTokens),
		zap.Float64("cost", cost))

	if e.events != nil {
		if err := e.events.PublishUsage(ctx, rec); err != nil {
			e.logger.Debug("Failed to publish usage event", zap.Error(err))
		}
	}
	return cost, nil
}

// GetUserStats reports limits, spends, token totals and the per-model
// breakdown of the trailing stats window.
func (e *Engine) GetUserStats(ctx context.Context, userID string) (*models.UserStats, error) {
	if userID == "" {
		return nil, invalidArgument("user id is required")
	}

	sctx, cancel := e.withTimeout(ctx)
	defer cancel()

	b, err := e.store.Get(sctx, userID)
	if err != nil {
		return nil, storeError("load budget", err)
	}

	recent, err := e.store.ModelUsageSince(sctx, userID, e.now().UTC().Add(-e.statsWindow))
	if err != nil {
		return nil, storeError("aggregate usage", err)
	}
	if recent == nil {
		recent = []models.ModelUsage{}
	}

	return &models.UserStats{
		UserID: userID,
		Budget: summarize(b),
		Usage: models.TokenSummary{
			TotalInputTokens:  b.TotalInputTokens,
			TotalOutputTokens: b.TotalOutputTokens,
			TotalTokens:       b.TotalInputTokens + b.TotalOutputTokens,
		},
		RecentModels: recent,
	}, nil
}

func summarize(b *models.UserBudget) models.BudgetSummary {
	return models.BudgetSummary{
		DailyLimit:       b.DailyLimit,
		MonthlyLimit:     b.MonthlyLimit,
		DailySpent:       b.DailySpend,
		MonthlySpent:     b.MonthlySpend,
		DailyRemaining:   b.DailyRemaining(),
		MonthlyRemaining: b.MonthlyRemaining(),
		DailyState:       models.StateOf(b.DailySpend, b.DailyLimit),
		MonthlyState:     models.StateOf(b.MonthlySpend, b.MonthlyLimit),
		LastResetDate:    b.LastResetDate,
	}
}

// CreateOrUpdateUserBudget sets the limits of userID. It reports true when
// a new budget was created.
func (e *Engine) CreateOrUpdateUserBudget(ctx context.Context, userID string, dailyLimit, monthlyLimit float64) (bool, error) {
	if userID == "" {
		return false, invalidArgument("user id is required")
	}
	if dailyLimit < 0 || monthlyLimit < 0 {
		return false, invalidArgument("limits must be >= 0")
	}

	sctx, cancel := e.withTimeout(ctx)
	defer cancel()

	created, err := e.store.UpsertLimits(sctx, e.seed(userID, dailyLimit, monthlyLimit))
	if err != nil {
		return false, storeError("upsert budget", err)
	}

	e.logger.Info("User budget saved",
		zap.String("user_id", userID),
		zap.Bool("created", created),
		zap.Float64("daily_limit", dailyLimit),
		zap.Float64("monthly_limit", monthlyLimit))
	return created, nil
}

func (e *Engine) ListBudgets(ctx context.Context) ([]models.UserBudget, error) {
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()

	budgets, err := e.store.List(sctx)
	if err != nil {
		return nil, storeError("list budgets", err)
	}
	return budgets, nil
}

// ResetMonthly starts a new monthly window for userID.
func (e *Engine) ResetMonthly(ctx context.Context, userID string) error {
	if userID == "" {
		return invalidArgument("user id is required")
	}

	sctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := e.store.ResetMonthly(sctx, userID); err != nil {
		return storeError("reset monthly spend", err)
	}
	e.logger.Info("Monthly budget window reset", zap.String("user_id", userID))
	return nil
}

// ResetAllMonthly starts a new monthly window for every user.
func (e *Engine) ResetAllMonthly(ctx context.Context) (int64, error) {
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()

	n, err := e.store.ResetAllMonthly(sctx)
	if err != nil {
		return 0, storeError("reset monthly spend", err)
	}
	e.logger.Info("Monthly budget windows reset", zap.Int64("users", n))
	return n, nil
}

// Ping checks that the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return storeError("ping", e.store.Ping(sctx))
}

func (e *Engine) publishExceeded(ctx context.Context, d *Decision) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishBudgetExceeded(ctx, d); err != nil {
		e.logger.Debug("Failed to publish budget exceeded event", zap.Error(err))
	}
}
