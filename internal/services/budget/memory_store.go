package budget

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amerfu/llmbudget/internal/models"
)

// MemoryStore keeps budgets in process memory. State is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	budgets map[string]*models.UserBudget
	usage   map[string][]models.UsageRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets: make(map[string]*models.UserBudget),
		usage:   make(map[string][]models.UsageRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*models.UserBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, seed *models.UserBudget) (*models.UserBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.createLocked(seed)
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) createLocked(seed *models.UserBudget) *models.UserBudget {
	if b, ok := s.budgets[seed.UserID]; ok {
		return b
	}
	now := s.now()
	b := &models.UserBudget{
		UserID:        seed.UserID,
		DailyLimit:    seed.DailyLimit,
		MonthlyLimit:  seed.MonthlyLimit,
		LastResetDate: seed.LastResetDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.budgets[seed.UserID] = b
	return b
}

func (s *MemoryStore) UpsertLimits(ctx context.Context, seed *models.UserBudget) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.budgets[seed.UserID]; ok {
		b.DailyLimit = seed.DailyLimit
		b.MonthlyLimit = seed.MonthlyLimit
		b.UpdatedAt = s.now()
		return false, nil
	}
	s.createLocked(seed)
	return true, nil
}

func (s *MemoryStore) ResetDailyIfStale(ctx context.Context, userID, today string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	if b.LastResetDate >= today {
		return false, nil
	}
	b.DailySpend = 0
	b.LastResetDate = today
	b.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) RecordUsage(ctx context.Context, rec *models.UsageRecord, seed *models.UserBudget) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.createLocked(seed)
	b.DailySpend += rec.Cost
	b.MonthlySpend += rec.Cost
	b.TotalInputTokens += int64(rec.InputTokens)
	b.TotalOutputTokens += int64(rec.OutputTokens)
	b.UpdatedAt = s.now()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.usage[rec.UserID] = append(s.usage[rec.UserID], *rec)
	return nil
}

func (s *MemoryStore) ModelUsageSince(ctx context.Context, userID string, since time.Time) ([]models.ModelUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byModel := make(map[string]*models.ModelUsage)
	for _, rec := range s.usage[userID] {
		if rec.Timestamp.Before(since) {
			continue
		}
		mu, ok := byModel[rec.Model]
		if !ok {
			mu = &models.ModelUsage{Model: rec.Model}
			byModel[rec.Model] = mu
		}
		mu.InputTokens += int64(rec.InputTokens)
		mu.OutputTokens += int64(rec.OutputTokens)
		mu.Cost += rec.Cost
		mu.Requests++
	}

	out := make([]models.ModelUsage, 0, len(byModel))
	for _, mu := range byModel {
		out = append(out, *mu)
	}
	models.SortModelUsage(out)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]models.UserBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.UserBudget, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ResetMonthly(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[userID]
	if !ok {
		return ErrUserNotFound
	}
	b.MonthlySpend = 0
	b.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ResetAllMonthly(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, b := range s.budgets {
		b.MonthlySpend = 0
		b.UpdatedAt = now
	}
	return int64(len(s.budgets)), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
