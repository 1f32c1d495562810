package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shop/internal/model"
	"shop/pkg/utils"
)

// OrderFilter narrows ListOrders. An empty UserID lists every user.
type OrderFilter struct {
	UserID   string
	Status   model.OrderStatus
	Page     int
	PageSize int
}

// OrderRepository order repository interface
type OrderRepository interface {
	// Create order header and details in one transaction
	Create(ctx context.Context, order *model.OrderHeader) error

	// Get order with details; utils.ErrOrderNotFound when missing
	GetByID(ctx context.Context, id int64) (*model.OrderHeader, error)

	// List orders newest first
	List(ctx context.Context, filter OrderFilter) ([]*model.OrderHeader, int64, error)

	// SetPaymentSession stores the checkout session id if version still matches
	SetPaymentSession(ctx context.Context, id, version int64, sessionID string) error

	// UpdateStatus moves the order to status if version still matches
	UpdateStatus(ctx context.Context, id, version int64, status model.OrderStatus) error

	// Approve records the payment intent, moves to Approved and stores the
	// outbox event in the same transaction
	Approve(ctx context.Context, id, version int64, intentID string, event *model.OutboxMessage) error

	// ListPendingWithSession pages through Pending orders with a checkout session
	ListPendingWithSession(ctx context.Context, scan PendingScan) ([]*model.OrderHeader, error)

	// CountPendingWithoutSession counts Pending orders that never got a checkout session
	CountPendingWithoutSession(ctx context.Context, cutoff time.Time) (int64, error)
}

// orderRepository order repository implementation
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates an order repository
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create creates an order
func (r *orderRepository) Create(ctx context.Context, order *model.OrderHeader) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Details").Create(order).Error; err != nil {
			return err
		}

		if len(order.Details) > 0 {
			for i := range order.Details {
				order.Details[i].OrderHeaderID = order.ID
			}
			if err := tx.Create(&order.Details).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

// GetByID gets an order by ID
func (r *orderRepository) GetByID(ctx context.Context, id int64) (*model.OrderHeader, error) {
	var order model.OrderHeader
	err := r.db.WithContext(ctx).
		Preload("Details").
		Where("id = ?", id).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// List lists orders
func (r *orderRepository) List(ctx context.Context, filter OrderFilter) ([]*model.OrderHeader, int64, error) {
	var orders []*model.OrderHeader
	var total int64

	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	offset := (filter.Page - 1) * filter.PageSize

	db := r.db.WithContext(ctx).Model(&model.OrderHeader{})
	if filter.UserID != "" {
		db = db.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		db = db.Where("status = ?", filter.Status)
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Offset(offset).
		Limit(filter.PageSize).
		Order("created_at DESC").
		Preload("Details").
		Find(&orders).Error

	return orders, total, err
}

// SetPaymentSession sets the checkout session id
func (r *orderRepository) SetPaymentSession(ctx context.Context, id, version int64, sessionID string) error {
	return compareAndSwap(r.db.WithContext(ctx), id, version, map[string]interface{}{
		"payment_session_id": sessionID,
	})
}

// UpdateStatus updates order status
func (r *orderRepository) UpdateStatus(ctx context.Context, id, version int64, status model.OrderStatus) error {
	return compareAndSwap(r.db.WithContext(ctx), id, version, map[string]interface{}{
		"status": status,
	})
}

// Approve approves a paid order
func (r *orderRepository) Approve(ctx context.Context, id, version int64, intentID string, event *model.OutboxMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := compareAndSwap(tx, id, version, map[string]interface{}{
			"status":            model.OrderStatusApproved,
			"payment_intent_id": intentID,
		}); err != nil {
			return err
		}
		if event == nil {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(event).Error
	})
}

// PendingScan selects one page of orders awaiting payment validation.
// Pages are ordered by (created_at, id); After resumes behind the last row seen.
type PendingScan struct {
	Since time.Time // zero for no lower bound
	Until time.Time
	After *ScanCursor
	Limit int
}

// ScanCursor is the position of the last order returned by a scan.
type ScanCursor struct {
	CreatedAt time.Time
	ID        int64
}

// ListPendingWithSession lists orders awaiting payment validation
func (r *orderRepository) ListPendingWithSession(ctx context.Context, scan PendingScan) ([]*model.OrderHeader, error) {
	var orders []*model.OrderHeader

	query := r.db.WithContext(ctx).
		Where("status = ?", model.OrderStatusPending).
		Where("payment_session_id <> ''").
		Where("created_at < ?", scan.Until)
	if !scan.Since.IsZero() {
		query = query.Where("created_at >= ?", scan.Since)
	}
	if scan.After != nil {
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))",
			scan.After.CreatedAt, scan.After.CreatedAt, scan.After.ID)
	}

	err := query.
		Order("created_at ASC, id ASC").
		Limit(scan.Limit).
		Find(&orders).Error

	return orders, err
}

// CountPendingWithoutSession counts orders stuck before checkout
func (r *orderRepository) CountPendingWithoutSession(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OrderHeader{}).
		Where("status = ?", model.OrderStatusPending).
		Where("(payment_session_id = '' OR payment_session_id IS NULL)").
		Where("created_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

// compareAndSwap applies updates only when the row still has version, bumping it.
func compareAndSwap(db *gorm.DB, id, version int64, updates map[string]interface{}) error {
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now()

	result := db.Model(&model.OrderHeader{}).
		Where("id = ? AND version = ?", id, version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.ErrConcurrentUpdate
	}
	return nil
}
