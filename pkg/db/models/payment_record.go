package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
)

// PaymentRecord is an append-only payment_history entry.
type PaymentRecord struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	UserID        string              `gorm:"column:user_id;not null;index"`
	TransactionID string              `gorm:"column:transaction_id;not null"`
	Amount        decimal.Decimal     `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency      string              `gorm:"column:currency;not null"`
	Credits       *int64              `gorm:"column:credits"`
	TierID        *enums.TierID       `gorm:"column:tier_id"`
	Kind          enums.PaymentKind   `gorm:"column:kind;not null"`
	Status        enums.PaymentStatus `gorm:"column:status;not null"`
	CreatedAt     time.Time           `gorm:"column:created_at;not null"`
}

func (PaymentRecord) TableName() string { return "payment_history" }
