package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shop/internal/model"
)

// RewardRepository reward record repository interface
type RewardRepository interface {
	// CreateOnce inserts record unless its dedup key exists; created is false for a duplicate
	CreateOnce(ctx context.Context, record *model.RewardRecord) (created bool, err error)

	// ListByUser lists a user's accruals, newest first
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.RewardRecord, error)

	// TotalPoints sums a user's points
	TotalPoints(ctx context.Context, userID string) (int64, error)
}

type rewardRepository struct {
	db *gorm.DB
}

// NewRewardRepository creates a reward repository
func NewRewardRepository(db *gorm.DB) RewardRepository {
	return &rewardRepository{db: db}
}

func (r *rewardRepository) CreateOnce(ctx context.Context, record *model.RewardRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *rewardRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.RewardRecord, error) {
	var records []*model.RewardRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("accrued_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *rewardRepository) TotalPoints(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.RewardRecord{}).
		Select("COALESCE(SUM(points), 0)").
		Where("user_id = ?", userID).
		Scan(&total).Error
	return total, err
}
