package budget

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/amerfu/llmbudget/internal/models"
)

// Store persists user budgets and usage records. Implementations must apply
// spend increments atomically on the server side.
type Store interface {
	// Get returns the budget of userID or ErrUserNotFound.
	Get(ctx context.Context, userID string) (*models.UserBudget, error)

	// CreateIfAbsent inserts seed unless a budget for seed.UserID exists, and
	// returns the stored budget either way.
	CreateIfAbsent(ctx context.Context, seed *models.UserBudget) (*models.UserBudget, error)

	// UpsertLimits sets both limits, creating the budget when missing. Spends
	// and token counters of an existing budget are left untouched.
	UpsertLimits(ctx context.Context, seed *models.UserBudget) (created bool, err error)

	// ResetDailyIfStale zeroes daily spend and sets last_reset_date to today
	// only when last_reset_date < today. It reports whether a reset happened.
	ResetDailyIfStale(ctx context.Context, userID, today string) (bool, error)

	// RecordUsage appends rec and increments the owner's spends and token
	// counters in one atomic operation, creating the budget from seed when
	// missing.
	RecordUsage(ctx context.Context, rec *models.UsageRecord, seed *models.UserBudget) error

	// ModelUsageSince aggregates the user's records at or after since per
	// model, ordered by descending cost.
	ModelUsageSince(ctx context.Context, userID string, since time.Time) ([]models.ModelUsage, error)

	// List returns every budget ordered by user id.
	List(ctx context.Context) ([]models.UserBudget, error)

	// ResetMonthly zeroes the monthly spend of userID or returns ErrUserNotFound.
	ResetMonthly(ctx context.Context, userID string) error

	// ResetAllMonthly zeroes every monthly spend and returns the affected count.
	ResetAllMonthly(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}

func encodeMetadata(meta map[string]any) (datatypes.JSON, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}
