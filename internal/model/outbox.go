package model

import "time"

// OutboxStatus tracks relay progress of an outbox row.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	// OutboxStatusParked rows exhausted their publish attempts and wait for an operator
	OutboxStatusParked OutboxStatus = "parked"
)

// OutboxMessage is an event committed with the state change that produced it
// and published afterwards.
type OutboxMessage struct {
	ID          int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	Destination string       `gorm:"type:varchar(128);not null" json:"destination"`
	DedupKey    string       `gorm:"type:varchar(128);not null;uniqueIndex" json:"dedup_key"`
	Payload     string       `gorm:"type:text;not null" json:"payload"`
	Status      OutboxStatus `gorm:"type:varchar(16);not null;index:idx_outbox_status_created,priority:1" json:"status"`
	Attempts    int          `gorm:"not null;default:0" json:"attempts"`
	LastError   string       `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	CreatedAt   time.Time    `gorm:"not null;index:idx_outbox_status_created,priority:2" json:"created_at"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
}

// TableName set name
func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
