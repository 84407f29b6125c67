// Package storetest holds behaviour tests shared by every budget.Store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/llmbudget/internal/models"
	"github.com/amerfu/llmbudget/internal/services/budget"
)

// Run exercises a Store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) budget.Store) {
	ctx := context.Background()

	seed := func(id string) *models.UserBudget {
		return &models.UserBudget{UserID: id, DailyLimit: 10, MonthlyLimit: 100, LastResetDate: "2024-05-01"}
	}
	record := func(id, model string, in, out int, cost float64, at time.Time) *models.UsageRecord {
		return &models.UsageRecord{UserID: id, Model: model, InputTokens: in, OutputTokens: out, Cost: cost, Timestamp: at.UTC()}
	}

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nobody")
		assert.True(t, errors.Is(err, budget.ErrUserNotFound))
	})

	t.Run("CreateIfAbsent", func(t *testing.T) {
		s := newStore(t)
		b, err := s.CreateIfAbsent(ctx, seed("alice"))
		require.NoError(t, err)
		assert.Equal(t, "alice", b.UserID)
		assert.Equal(t, 10.0, b.DailyLimit)
		assert.Equal(t, 100.0, b.MonthlyLimit)
		assert.Equal(t, 0.0, b.DailySpend)
		assert.Equal(t, "2024-05-01", b.LastResetDate)

		other := seed("alice")
		other.DailyLimit = 1
		b, err = s.CreateIfAbsent(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, 10.0, b.DailyLimit, "existing budget must win")
	})

	t.Run("UpsertLimits", func(t *testing.T) {
		s := newStore(t)
		created, err := s.UpsertLimits(ctx, seed("bob"))
		require.NoError(t, err)
		assert.True(t, created)

		require.NoError(t, s.RecordUsage(ctx, record("bob", "m", 100, 200, 0.5, time.Now()), seed("bob")))

		update := seed("bob")
		update.DailyLimit = 5
		update.MonthlyLimit = 0
		created, err = s.UpsertLimits(ctx, update)
		require.NoError(t, err)
		assert.False(t, created)

		b, err := s.Get(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, 5.0, b.DailyLimit)
		assert.Equal(t, 0.0, b.MonthlyLimit)
		assert.InDelta(t, 0.5, b.DailySpend, 1e-9, "spend survives a limit update")
		assert.Equal(t, int64(100), b.TotalInputTokens)
		assert.Equal(t, int64(200), b.TotalOutputTokens)
	})

	t.Run("ResetDailyIfStale", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.RecordUsage(ctx, record("carol", "m", 1, 1, 2, time.Now()), seed("carol")))

		reset, err := s.ResetDailyIfStale(ctx, "carol", "2024-05-01")
		require.NoError(t, err)
		assert.False(t, reset, "same day is not stale")

		reset, err = s.ResetDailyIfStale(ctx, "carol", "2024-05-02")
		require.NoError(t, err)
		assert.True(t, reset)

		reset, err = s.ResetDailyIfStale(ctx, "carol", "2024-05-02")
		require.NoError(t, err)
		assert.False(t, reset, "second reset on the same day is a no-op")

		b, err := s.Get(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, 0.0, b.DailySpend)
		assert.InDelta(t, 2.0, b.MonthlySpend, 1e-9, "monthly spend is untouched")
		assert.Equal(t, "2024-05-02", b.LastResetDate)
	})

	t.Run("RecordUsageProvisions", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.RecordUsage(ctx, record("dave", "m", 10, 20, 0.25, time.Now()), seed("dave")))

		b, err := s.Get(ctx, "dave")
		require.NoError(t, err)
		assert.Equal(t, 10.0, b.DailyLimit)
		assert.InDelta(t, 0.25, b.DailySpend, 1e-9)
		assert.InDelta(t, 0.25, b.MonthlySpend, 1e-9)
		assert.Equal(t, int64(10), b.TotalInputTokens)
		assert.Equal(t, int64(20), b.TotalOutputTokens)
	})

	t.Run("ModelUsageSince", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		require.NoError(t, s.RecordUsage(ctx, record("erin", "cheap", 100, 100, 0.1, now.Add(-time.Hour)), seed("erin")))
		require.NoError(t, s.RecordUsage(ctx, record("erin", "pricey", 10, 10, 1.0, now.Add(-2*time.Hour)), seed("erin")))
		require.NoError(t, s.RecordUsage(ctx, record("erin", "cheap", 50, 50, 0.1, now.Add(-30*time.Minute)), seed("erin")))
		require.NoError(t, s.RecordUsage(ctx, record("erin", "old", 1, 1, 5.0, now.Add(-10*24*time.Hour)), seed("erin")))
		require.NoError(t, s.RecordUsage(ctx, record("frank", "cheap", 1, 1, 9.0, now), seed("frank")))

		usage, err := s.ModelUsageSince(ctx, "erin", now.Add(-7*24*time.Hour))
		require.NoError(t, err)
		require.Len(t, usage, 2)

		assert.Equal(t, "pricey", usage[0].Model)
		assert.InDelta(t, 1.0, usage[0].Cost, 1e-9)
		assert.Equal(t, int64(1), usage[0].Requests)

		assert.Equal(t, "cheap", usage[1].Model)
		assert.Equal(t, int64(150), usage[1].InputTokens)
		assert.Equal(t, int64(150), usage[1].OutputTokens)
		assert.InDelta(t, 0.2, usage[1].Cost, 1e-9)
		assert.Equal(t, int64(2), usage[1].Requests)

		usage, err = s.ModelUsageSince(ctx, "nobody", now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, usage)
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"zed", "amy", "mia"} {
			_, err := s.CreateIfAbsent(ctx, seed(id))
			require.NoError(t, err)
		}
		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "amy", list[0].UserID)
		assert.Equal(t, "mia", list[1].UserID)
		assert.Equal(t, "zed", list[2].UserID)
	})

	t.Run("ResetMonthly", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.RecordUsage(ctx, record("gina", "m", 1, 1, 3, time.Now()), seed("gina")))
		require.NoError(t, s.RecordUsage(ctx, record("hank", "m", 1, 1, 4, time.Now()), seed("hank")))

		require.NoError(t, s.ResetMonthly(ctx, "gina"))
		b, err := s.Get(ctx, "gina")
		require.NoError(t, err)
		assert.Equal(t, 0.0, b.MonthlySpend)
		assert.InDelta(t, 3.0, b.DailySpend, 1e-9, "daily spend is untouched")

		err = s.ResetMonthly(ctx, "nobody")
		assert.True(t, errors.Is(err, budget.ErrUserNotFound))

		n, err := s.ResetAllMonthly(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		b, err = s.Get(ctx, "hank")
		require.NoError(t, err)
		assert.Equal(t, 0.0, b.MonthlySpend)
	})

	t.Run("ConcurrentRecordUsage", func(t *testing.T) {
		s := newStore(t)
		const workers, perWorker = 8, 10

		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					rec := record("ivy", fmt.Sprintf("model-%d", w%2), 3, 7, 0.25, time.Now())
					if err := s.RecordUsage(ctx, rec, seed("ivy")); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		b, err := s.Get(ctx, "ivy")
		require.NoError(t, err)
		total := float64(workers*perWorker) * 0.25
		assert.InDelta(t, total, b.DailySpend, 1e-9, "no lost updates")
		assert.InDelta(t, total, b.MonthlySpend, 1e-9)
		assert.Equal(t, int64(workers*perWorker*3), b.TotalInputTokens)
		assert.Equal(t, int64(workers*perWorker*7), b.TotalOutputTokens)

		usage, err := s.ModelUsageSince(ctx, "ivy", time.Now().Add(-time.Hour))
		require.NoError(t, err)
		var requests int64
		for _, u := range usage {
			requests += u.Requests
		}
		assert.Equal(t, int64(workers*perWorker), requests)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
