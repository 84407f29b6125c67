package models

import (
	"sort"
	"time"

	"gorm.io/datatypes"
)

// UsageRecord is an append-only log entry for one completed request.
type UsageRecord struct {
	BaseModel
	UserID       string    `gorm:"type:varchar(255);not null;index:idx_usage_user_time,priority:1" json:"user_id"`
	Model        string    `gorm:"type:varchar(100);not null" json:"model"`
	InputTokens  int       `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens int       `gorm:"not null;default:0" json:"output_tokens"`
	Cost         float64   `gorm:"type:decimal(12,6);not null;default:0" json:"cost"`
	Timestamp    time.Time `gorm:"column:request_timestamp;not null;index:idx_usage_user_time,priority:2" json:"timestamp"`

	RequestID string         `gorm:"type:varchar(64)" json:"request_id,omitempty"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
}

func (UsageRecord) TableName() string {
	return "user_usage_logs"
}

// TotalTokens returns input plus output tokens.
func (u *UsageRecord) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ModelUsage aggregates usage records of one model.
type ModelUsage struct {
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Requests     int64   `json:"requests"`
}

// SortModelUsage orders by descending cost, then model name.
func SortModelUsage(usage []ModelUsage) {
	sort.Slice(usage, func(i, j int) bool {
		if usage[i].Cost != usage[j].Cost {
			return usage[i].Cost > usage[j].Cost
		}
		return usage[i].Model < usage[j].Model
	})
}
