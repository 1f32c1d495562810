package model

import "time"

// EmailLogRecord is the audit row written for every notification attempt.
type EmailLogRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"type:varchar(255);not null;index" json:"email"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	SentAt    time.Time `gorm:"not null" json:"sent_at"`
	Delivered bool      `gorm:"not null;default:false" json:"delivered"`
	// nil for ad-hoc mails; MySQL allows many NULLs under a unique index
	DedupKey *string `gorm:"type:varchar(128);uniqueIndex" json:"dedup_key,omitempty"`
}

// TableName set name
func (EmailLogRecord) TableName() string {
	return "email_logs"
}
