package models

import (
	"time"
)

// UserBudget holds the spend limits and running counters of one identity.
type UserBudget struct {
	UserID            string    `gorm:"primaryKey;type:varchar(255)" json:"user_id"`
	DailyLimit        float64   `gorm:"type:decimal(12,6);not null" json:"daily_limit"`
	MonthlyLimit      float64   `gorm:"type:decimal(12,6);not null" json:"monthly_limit"`
	DailySpend        float64   `gorm:"type:decimal(12,6);not null;default:0" json:"daily_spend"`
	MonthlySpend      float64   `gorm:"type:decimal(12,6);not null;default:0" json:"monthly_spend"`
	TotalInputTokens  int64     `gorm:"not null;default:0" json:"total_input_tokens"`
	TotalOutputTokens int64     `gorm:"not null;default:0" json:"total_output_tokens"`
	LastResetDate     string    `gorm:"type:varchar(10);not null" json:"last_reset_date"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (UserBudget) TableName() string {
	return "user_budgets"
}

// DailyRemaining returns the daily headroom, negative when overspent.
func (b *UserBudget) DailyRemaining() float64 {
	return b.DailyLimit - b.DailySpend
}

// MonthlyRemaining returns the monthly headroom, negative when overspent.
func (b *UserBudget) MonthlyRemaining() float64 {
	return b.MonthlyLimit - b.MonthlySpend
}

// NeedsDailyReset reports whether the daily window started before today.
// today must be formatted with DateLayout.
func (b *UserBudget) NeedsDailyReset(today string) bool {
	return b.LastResetDate < today
}

// Window names a budget period.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// WindowState is the position of a window's spend relative to its limit.
type WindowState string

const (
	WindowUnderLimit WindowState = "UNDER_LIMIT"
	WindowAtLimit    WindowState = "AT_LIMIT"
	WindowOverLimit  WindowState = "OVER_LIMIT"
)

// StateOf classifies spend against limit.
func StateOf(spend, limit float64) WindowState {
	switch {
	case spend < limit:
		return WindowUnderLimit
	case spend == limit:
		return WindowAtLimit
	default:
		return WindowOverLimit
	}
}

// BudgetSummary is the budget section of a stats response.
type BudgetSummary struct {
	DailyLimit       float64     `json:"daily_limit"`
	MonthlyLimit     float64     `json:"monthly_limit"`
	DailySpent       float64     `json:"daily_spent"`
	MonthlySpent     float64     `json:"monthly_spent"`
	DailyRemaining   float64     `json:"daily_remaining"`
	MonthlyRemaining float64     `json:"monthly_remaining"`
	DailyState       WindowState `json:"daily_state"`
	MonthlyState     WindowState `json:"monthly_state"`
	LastResetDate    string      `json:"last_reset_date"`
}

// TokenSummary is the cumulative token section of a stats response.
type TokenSummary struct {
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
}

// UserStats is the full statistics view of one user.
type UserStats struct {
	UserID       string        `json:"user_id"`
	Budget       BudgetSummary `json:"budget"`
	Usage        TokenSummary  `json:"usage"`
	RecentModels []ModelUsage  `json:"recent_models"`
}
