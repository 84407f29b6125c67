package budget

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amerfu/llmbudget/internal/models"
)

// GormStore keeps budgets in a SQL database through gorm. Increments are
// issued as "col = col + ?" so concurrent writers never lose updates.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, userID string) (*models.UserBudget, error) {
	var b models.UserBudget
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *GormStore) CreateIfAbsent(ctx context.Context, seed *models.UserBudget) (*models.UserBudget, error) {
	var out *models.UserBudget
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := insertIfAbsent(tx, seed); err != nil {
			return err
		}
		var b models.UserBudget
		if err := tx.Where("user_id = ?", seed.UserID).First(&b).Error; err != nil {
			return err
		}
		out = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertIfAbsent(tx *gorm.DB, seed *models.UserBudget) (bool, error) {
	b := models.UserBudget{
		UserID:        seed.UserID,
		DailyLimit:    seed.DailyLimit,
		MonthlyLimit:  seed.MonthlyLimit,
		LastResetDate: seed.LastResetDate,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&b)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) UpsertLimits(ctx context.Context, seed *models.UserBudget) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := insertIfAbsent(tx, seed)
		if err != nil {
			return err
		}
		if inserted {
			created = true
			return nil
		}
		return tx.Model(&models.UserBudget{}).
			Where("user_id = ?", seed.UserID).
			Updates(map[string]interface{}{
				"daily_limit":   seed.DailyLimit,
				"monthly_limit": seed.MonthlyLimit,
				"updated_at":    time.Now(),
			}).Error
	})
	return created, err
}

func (s *GormStore) ResetDailyIfStale(ctx context.Context, userID, today string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.UserBudget{}).
		Where("user_id = ? AND last_reset_date < ?", userID, today).
		Updates(map[string]interface{}{
			"daily_spend":     0,
			"last_reset_date": today,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) RecordUsage(ctx context.Context, rec *models.UsageRecord, seed *models.UserBudget) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := insertIfAbsent(tx, seed); err != nil {
			return err
		}

		err := tx.Model(&models.UserBudget{}).
			Where("user_id = ?", rec.UserID).
			Updates(map[string]interface{}{
				"daily_spend":         gorm.Expr("daily_spend + ?", rec.Cost),
				"monthly_spend":       gorm.Expr("monthly_spend + ?", rec.Cost),
				"total_input_tokens":  gorm.Expr("total_input_tokens + ?", rec.InputTokens),
				"total_output_tokens": gorm.Expr("total_output_tokens + ?", rec.OutputTokens),
				"updated_at":          time.Now(),
			}).Error
		if err != nil {
			return err
		}

		return tx.Create(rec).Error
	})
}

func (s *GormStore) ModelUsageSince(ctx context.Context, userID string, since time.Time) ([]models.ModelUsage, error) {
	var out []models.ModelUsage
	err := s.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Select("model, SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens, " +
			"SUM(cost) AS cost, COUNT(*) AS requests").
		Where("user_id = ? AND request_timestamp >= ?", userID, since.UTC()).
		Group("model").
		Order("SUM(cost) DESC, model ASC").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) List(ctx context.Context) ([]models.UserBudget, error) {
	var out []models.UserBudget
	if err := s.db.WithContext(ctx).Order("user_id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) ResetMonthly(ctx context.Context, userID string) error {
	res := s.db.WithContext(ctx).Model(&models.UserBudget{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"monthly_spend": 0,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *GormStore) ResetAllMonthly(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&models.UserBudget{}).
		Updates(map[string]interface{}{
			"monthly_spend": 0,
			"updated_at":    time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
