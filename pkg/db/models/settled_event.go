package models

import "time"

// SettledEvent marks a settlement key as applied. Its primary key is what
// makes webhook settlement exactly-once.
type SettledEvent struct {
	SettlementKey string    `gorm:"column:settlement_key;primaryKey"`
	EventID       string    `gorm:"column:event_id;not null"`
	EventType     string    `gorm:"column:event_type;not null"`
	UserID        string    `gorm:"column:user_id;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

func (SettledEvent) TableName() string { return "settled_events" }
