package models

import (
	"time"

	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
)

// Subscription is the per-user recurring allotment. One row per user.
type Subscription struct {
	UserID               string                   `gorm:"column:user_id;primaryKey"`
	TierID               enums.TierID             `gorm:"column:tier_id;not null;default:'free'"`
	Status               enums.SubscriptionStatus `gorm:"column:status;not null;default:'active'"`
	PagesPerMonth        int64                    `gorm:"column:pages_per_month;not null"`
	PagesUsedThisMonth   int64                    `gorm:"column:pages_used_this_month;not null;default:0"`
	CurrentPeriodStart   time.Time                `gorm:"column:current_period_start;not null"`
	CurrentPeriodEnd     time.Time                `gorm:"column:current_period_end;not null"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	StripeCustomerID     *string                  `gorm:"column:stripe_customer_id"`
	StripeSubscriptionID *string                  `gorm:"column:stripe_subscription_id"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (Subscription) TableName() string { return "subscriptions" }
