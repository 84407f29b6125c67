package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/models"
	"github.com/amerfu/llmbudget/internal/services/budget"
)

// Budget hash fields.
const (
	fieldUserID       = "user_id"
	fieldDailyLimit   = "daily_limit"
	fieldMonthlyLimit = "monthly_limit"
	fieldDailySpend   = "daily_spend"
	fieldMonthlySpend = "monthly_spend"
	fieldInputTokens  = "total_input_tokens"
	fieldOutputTokens = "total_output_tokens"
	fieldLastReset    = "last_reset_date"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
)

// createScript inserts a budget hash unless it exists.
// KEYS: budget hash, user set. ARGV: user id, daily limit, monthly limit,
// last reset date, now.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'user_id', ARGV[1],
  'daily_limit', ARGV[2],
  'monthly_limit', ARGV[3],
  'daily_spend', '0',
  'monthly_spend', '0',
  'total_input_tokens', '0',
  'total_output_tokens', '0',
  'last_reset_date', ARGV[4],
  'created_at', ARGV[5],
  'updated_at', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// upsertScript sets both limits, creating the hash when missing.
// Same KEYS and ARGV as createScript.
var upsertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'daily_limit', ARGV[2], 'monthly_limit', ARGV[3], 'updated_at', ARGV[5])
  return 0
end
redis.call('HSET', KEYS[1],
  'user_id', ARGV[1],
  'daily_limit', ARGV[2],
  'monthly_limit', ARGV[3],
  'daily_spend', '0',
  'monthly_spend', '0',
  'total_input_tokens', '0',
  'total_output_tokens', '0',
  'last_reset_date', ARGV[4],
  'created_at', ARGV[5],
  'updated_at', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// resetDailyScript zeroes daily spend when last_reset_date < today.
// KEYS: budget hash. ARGV: today, now. Returns -1 when the hash is missing.
var resetDailyScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last_reset_date')
if not last then
  return -1
end
if last < ARGV[1] then
  redis.call('HSET', KEYS[1], 'daily_spend', '0', 'last_reset_date', ARGV[1], 'updated_at', ARGV[2])
  return 1
end
return 0
`)

// resetMonthlyScript zeroes monthly spend. KEYS: budget hash. ARGV: now.
var resetMonthlyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'monthly_spend', '0', 'updated_at', ARGV[1])
return 1
`)

// Store is a budget.Store backed by Redis. Each user is a hash; usage
// records live in a per-user sorted set scored by timestamp in milliseconds.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

func NewStore(client *redis.Client, logger *zap.Logger, prefix string) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		logger: logger,
		prefix: prefix,
	}
}

var _ budget.Store = (*Store)(nil)

func (s *Store) budgetKey(userID string) string {
	return fmt.Sprintf("%sbudget:user:%s", s.prefix, userID)
}

func (s *Store) usageKey(userID string) string {
	return fmt.Sprintf("%sbudget:usage:%s", s.prefix, userID)
}

func (s *Store) usersKey() string {
	return s.prefix + "budget:users"
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *Store) Get(ctx context.Context, userID string) (*models.UserBudget, error) {
	fields, err := s.client.HGetAll(ctx, s.budgetKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read budget: %w", err)
	}
	if len(fields) == 0 {
		return nil, budget.ErrUserNotFound
	}
	return parseBudget(fields)
}

func (s *Store) seedArgs(seed *models.UserBudget) []interface{} {
	return []interface{}{
		seed.UserID,
		formatFloat(seed.DailyLimit),
		formatFloat(seed.MonthlyLimit),
		seed.LastResetDate,
		now(),
	}
}

func (s *Store) CreateIfAbsent(ctx context.Context, seed *models.UserBudget) (*models.UserBudget, error) {
	keys := []string{s.budgetKey(seed.UserID), s.usersKey()}
	if err := createScript.Run(ctx, s.client, keys, s.seedArgs(seed)...).Err(); err != nil {
		return nil, fmt.Errorf("failed to create budget: %w", err)
	}
	return s.Get(ctx, seed.UserID)
}

func (s *Store) UpsertLimits(ctx context.Context, seed *models.UserBudget) (bool, error) {
	keys := []string{s.budgetKey(seed.UserID), s.usersKey()}
	created, err := upsertScript.Run(ctx, s.client, keys, s.seedArgs(seed)...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to upsert budget: %w", err)
	}
	return created == 1, nil
}

func (s *Store) ResetDailyIfStale(ctx context.Context, userID, today string) (bool, error) {
	res, err := resetDailyScript.Run(ctx, s.client, []string{s.budgetKey(userID)}, today, now()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reset daily spend: %w", err)
	}
	if res == -1 {
		return false, budget.ErrUserNotFound
	}
	return res == 1, nil
}

func (s *Store) RecordUsage(ctx context.Context, rec *models.UsageRecord, seed *models.UserBudget) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	member, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}

	key := s.budgetKey(rec.UserID)
	ts := now()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldUserID, rec.UserID)
		pipe.HSetNX(ctx, key, fieldDailyLimit, formatFloat(seed.DailyLimit))
		pipe.HSetNX(ctx, key, fieldMonthlyLimit, formatFloat(seed.MonthlyLimit))
		pipe.HSetNX(ctx, key, fieldLastReset, seed.LastResetDate)
		pipe.HSetNX(ctx, key, fieldCreatedAt, ts)
		pipe.SAdd(ctx, s.usersKey(), rec.UserID)

		pipe.HIncrByFloat(ctx, key, fieldDailySpend, rec.Cost)
		pipe.HIncrByFloat(ctx, key, fieldMonthlySpend, rec.Cost)
		pipe.HIncrBy(ctx, key, fieldInputTokens, int64(rec.InputTokens))
		pipe.HIncrBy(ctx, key, fieldOutputTokens, int64(rec.OutputTokens))
		pipe.HSet(ctx, key, fieldUpdatedAt, ts)

		pipe.ZAdd(ctx, s.usageKey(rec.UserID), redis.Z{
			Score:  float64(rec.Timestamp.UnixMilli()),
			Member: string(member),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *Store) ModelUsageSince(ctx context.Context, userID string, since time.Time) ([]models.ModelUsage, error) {
	members, err := s.client.ZRangeByScore(ctx, s.usageKey(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage records: %w", err)
	}

	byModel := make(map[string]*models.ModelUsage)
	for _, member := range members {
		var rec models.UsageRecord
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			s.logger.Warn("Skipping malformed usage record", zap.String("user_id", userID), zap.Error(err))
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

func (s *Store) List(ctx context.Context) ([]models.UserBudget, error) {
	ids, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.budgetKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to read budgets: %w", err)
		}
	}

	out := make([]models.UserBudget, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		b, err := parseBudget(fields)
		if err != nil {
			s.logger.Warn("Skipping malformed budget", zap.String("user_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) ResetMonthly(ctx context.Context, userID string) error {
	res, err := resetMonthlyScript.Run(ctx, s.client, []string{s.budgetKey(userID)}, now()).Int()
	if err != nil {
		return fmt.Errorf("failed to reset monthly spend: %w", err)
	}
	if res == 0 {
		return budget.ErrUserNotFound
	}
	return nil
}

func (s *Store) ResetAllMonthly(ctx context.Context) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	var n int64
	for _, id := range ids {
		err := s.ResetMonthly(ctx, id)
		if errors.Is(err, budget.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func parseBudget(fields map[string]string) (*models.UserBudget, error) {
	b := &models.UserBudget{
		UserID:        fields[fieldUserID],
		LastResetDate: fields[fieldLastReset],
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{fieldDailyLimit, &b.DailyLimit},
		{fieldMonthlyLimit, &b.MonthlyLimit},
		{fieldDailySpend, &b.DailySpend},
		{fieldMonthlySpend, &b.MonthlySpend},
	}
	for _, f := range floats {
		v, err := parseFloatField(fields, f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	ints := []struct {
		name string
		dst  *int64
	}{
		{fieldInputTokens, &b.TotalInputTokens},
		{fieldOutputTokens, &b.TotalOutputTokens},
	}
	for _, f := range ints {
		raw, ok := fields[f.name]
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", f.name, raw, err)
		}
		*f.dst = v
	}

	if t, err := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt]); err == nil {
		b.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err == nil {
		b.UpdatedAt = t
	}
	return b, nil
}

func parseFloatField(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return v, nil
}
