package model

import "time"

// RewardRecord is one accrual of reward points for an order.
// DedupKey is unique so a redelivered event cannot accrue twice.
type RewardRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   int64     `gorm:"not null;index" json:"order_id"`
	UserID    string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Points    int       `gorm:"not null" json:"points"`
	AccruedAt time.Time `gorm:"not null" json:"accrued_at"`
	DedupKey  string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"dedup_key"`
}

// TableName set name
func (RewardRecord) TableName() string {
	return "reward_records"
}
