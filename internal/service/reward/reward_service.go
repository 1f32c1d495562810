package reward

import (
	"context"
	"fmt"
	"time"

	"shop/internal/model"
	"shop/internal/monitor"
	"shop/internal/repository"
	"shop/pkg/log"
)

// RewardService accrues loyalty points for completed orders.
type RewardService interface {
	// Accrue records the points of msg exactly once per dedup key.
	// Storage errors are returned so the message is redelivered.
	Accrue(ctx context.Context, msg model.RewardsMessage) error

	// Balance returns the accrued total of a user.
	Balance(ctx context.Context, userID string) (int64, error)

	// History lists a user's most recent accruals.
	History(ctx context.Context, userID string, limit int) ([]*model.RewardRecord, error)
}

type rewardService struct {
	repo    repository.RewardRepository
	metrics *monitor.MetricsCollector
	now     func() time.Time
}

// NewRewardService creates a reward service
func NewRewardService(repo repository.RewardRepository, metrics *monitor.MetricsCollector) RewardService {
	return &rewardService{
		repo:    repo,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *rewardService) Accrue(ctx context.Context, msg model.RewardsMessage) error {
	record := &model.RewardRecord{
		OrderID:   msg.OrderID,
		UserID:    msg.UserID,
		Points:    msg.RewardsActivity,
		AccruedAt: s.now(),
		DedupKey:  msg.Key(),
	}

	created, err := s.repo.CreateOnce(ctx, record)
	if err != nil {
		return fmt.Errorf("accrue rewards for order %d: %w", msg.OrderID, err)
	}

	entry := log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":  msg.OrderID,
		"user_id":   msg.UserID,
		"points":    msg.RewardsActivity,
		"dedup_key": record.DedupKey,
	})
	if !created {
		entry.Info("Duplicate reward event skipped")
		return nil
	}

	s.metrics.RecordRewardPoints(msg.RewardsActivity)
	entry.Info("Rewards accrued")
	return nil
}

func (s *rewardService) Balance(ctx context.Context, userID string) (int64, error) {
	return s.repo.TotalPoints(ctx, userID)
}

func (s *rewardService) History(ctx context.Context, userID string, limit int) ([]*model.RewardRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListByUser(ctx, userID, limit)
}
