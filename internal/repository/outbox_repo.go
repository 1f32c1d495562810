package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"shop/internal/model"
)

const maxLastErrorLen = 512

// OutboxRepository stores events committed alongside order state changes.
type OutboxRepository interface {
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.OutboxMessage, error)
	MarkSent(ctx context.Context, id int64) error
	MarkSentByKey(ctx context.Context, dedupKey string) error
	MarkFailed(ctx context.Context, id int64, cause error, park bool) error
	CountPending(ctx context.Context) (int64, error)
}

type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates an outbox repository
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

// ListPending returns unsent events created before cutoff. Rows that failed
// fewer times come first so a poisoned row cannot hold back the rest.
func (r *outboxRepository) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.OutboxMessage, error) {
	var events []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Where("created_at < ?", cutoff).
		Order("attempts ASC, created_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *outboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.markSent(r.db.WithContext(ctx).Where("id = ?", id))
}

// MarkSentByKey is used right after an inline publish, when the row id is not known.
func (r *outboxRepository) MarkSentByKey(ctx context.Context, dedupKey string) error {
	return r.markSent(r.db.WithContext(ctx).Where("dedup_key = ?", dedupKey))
}

func (r *outboxRepository) markSent(db *gorm.DB) error {
	now := time.Now()
	return db.Model(&model.OutboxMessage{}).
		Where("status = ?", model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":  model.OutboxStatusSent,
			"sent_at": &now,
		}).Error
}

// MarkFailed records a failed publish. A parked row is no longer relayed.
func (r *outboxRepository) MarkFailed(ctx context.Context, id int64, cause error, park bool) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	updates := map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": msg,
	}
	if park {
		updates["status"] = model.OutboxStatusParked
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Where("status = ?", model.OutboxStatusPending).
		Updates(updates).Error
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("status = ?", model.OutboxStatusPending).
		Count(&count).Error
	return count, err
}
