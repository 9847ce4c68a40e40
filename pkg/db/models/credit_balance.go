package models

import "time"

// CreditBalance holds a user's one-time page credits.
type CreditBalance struct {
	UserID      string    `gorm:"column:user_id;primaryKey"`
	Balance     int64     `gorm:"column:balance;not null;default:0"`
	LastUpdated time.Time `gorm:"column:last_updated;not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }
