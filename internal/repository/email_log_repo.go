package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shop/internal/model"
)

// EmailLogRepository email log repository interface
type EmailLogRepository interface {
	// CreateOnce inserts the log row; with a dedup key a repeat is skipped and created is false
	CreateOnce(ctx context.Context, record *model.EmailLogRecord) (created bool, err error)

	// MarkDelivered flags the row as handed to the mail server
	MarkDelivered(ctx context.Context, id int64) error
}

type emailLogRepository struct {
	db *gorm.DB
}

// NewEmailLogRepository creates an email log repository
func NewEmailLogRepository(db *gorm.DB) EmailLogRepository {
	return &emailLogRepository{db: db}
}

func (r *emailLogRepository) CreateOnce(ctx context.Context, record *model.EmailLogRecord) (bool, error) {
	db := r.db.WithContext(ctx)
	if record.DedupKey != nil {
		db = db.Clauses(clause.OnConflict{DoNothing: true})
	}
	result := db.Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *emailLogRepository) MarkDelivered(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.EmailLogRecord{}).
		Where("id = ?", id).
		Update("delivered", true).Error
}
