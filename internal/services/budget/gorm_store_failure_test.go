package budget_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/pricing"
)

func setupMockEngine(t *testing.T) (sqlmock.Sqlmock, *budget.Engine) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	table, err := pricing.NewTable(nil, pricing.DefaultFallback, false)
	require.NoError(t, err)

	engine, err := budget.NewEngine(budget.Config{
		Store:   budget.NewGormStore(gormDB),
		Pricing: table,
	})
	require.NoError(t, err)
	return mock, engine
}

func TestGormStoreFailures(t *testing.T) {
	ctx := context.Background()
	connErr := errors.New("connection refused")

	t.Run("CheckBudget", func(t *testing.T) {
		mock, engine := setupMockEngine(t)
		mock.ExpectQuery(`SELECT \* FROM "user_budgets"`).WillReturnError(connErr)

		_, err := engine.CheckBudget(ctx, "alice", "gpt-4-turbo", 100)
		require.Error(t, err)
		assert.True(t, errors.Is(err, budget.ErrStoreUnavailable))
		assert.True(t, errors.Is(err, connErr))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("TrackUsageReturnsCost", func(t *testing.T) {
		mock, engine := setupMockEngine(t)
		mock.ExpectBegin().WillReturnError(connErr)

		cost, err := engine.TrackUsage(ctx, "alice", "gpt-4-turbo", 1000, 1000)
		require.Error(t, err)
		assert.True(t, errors.Is(err, budget.ErrStoreUnavailable))
		assert.InDelta(t, 0.04, cost, 1e-12)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetUserStatsNotFound", func(t *testing.T) {
		mock, engine := setupMockEngine(t)
		mock.ExpectQuery(`SELECT \* FROM "user_budgets"`).
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

		_, err := engine.GetUserStats(ctx, "ghost")
		assert.True(t, errors.Is(err, budget.ErrUserNotFound))
		assert.False(t, errors.Is(err, budget.ErrStoreUnavailable))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
