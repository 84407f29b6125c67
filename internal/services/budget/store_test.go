package budget_test

import (
	"testing"

	"github.com/amerfu/llmbudget/internal/services/budget"
	"github.com/amerfu/llmbudget/internal/services/budget/storetest"
	"github.com/amerfu/llmbudget/internal/testutil"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) budget.Store {
		return budget.NewMemoryStore()
	})
}

func TestGormStoreSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) budget.Store {
		return budget.NewGormStore(testutil.NewSQLiteDB(t))
	})
}

func TestGormStorePostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping PostgreSQL container test in short mode")
	}

	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	storetest.Run(t, func(t *testing.T) budget.Store {
		res := db.Exec("TRUNCATE user_budgets, user_usage_logs")
		if res.Error != nil {
			t.Fatalf("Failed to truncate tables: %v", res.Error)
		}
		return budget.NewGormStore(db)
	})
}
