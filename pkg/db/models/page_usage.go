package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
)

// PageUsage records pages drawn from one source for one conversion.
type PageUsage struct {
	ID           uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	UserID       string            `gorm:"column:user_id;not null;index"`
	Pages        int64             `gorm:"column:pages;not null"`
	Source       enums.UsageSource `gorm:"column:source;not null"`
	DocumentName string            `gorm:"column:document_name"`
	CreatedAt    time.Time         `gorm:"column:created_at;not null"`
}

func (PageUsage) TableName() string { return "page_usage" }
