package ledger

import (
	"time"

	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
)

// BillingPeriod is the length of a locally managed subscription period.
const BillingPeriod = 30 * 24 * time.Hour

// Breakdown splits a user's spendable pages by source.
type Breakdown struct {
	SubscriptionRemaining int64
	CreditBalance         int64
	Total                 int64
}

// Effective computes spendable pages. Subscription pages count only while
// the subscription is active; credits always count. Never negative.
func Effective(sub *models.Subscription, creditBalance int64) Breakdown {
	var subRemaining int64
	if sub != nil && sub.Status == enums.SubscriptionStatusActive {
		subRemaining = sub.PagesPerMonth - sub.PagesUsedThisMonth
		if subRemaining < 0 {
			subRemaining = 0
		}
	}
	if creditBalance < 0 {
		creditBalance = 0
	}
	return Breakdown{
		SubscriptionRemaining: subRemaining,
		CreditBalance:         creditBalance,
		Total:                 subRemaining + creditBalance,
	}
}

// PeriodExpired reports whether the subscription period has lapsed at now.
func PeriodExpired(sub *models.Subscription, now time.Time) bool {
	return sub != nil && !sub.CurrentPeriodEnd.IsZero() && !now.Before(sub.CurrentPeriodEnd)
}

// NextPeriod returns a fresh period starting at start.
func NextPeriod(start time.Time) (time.Time, time.Time) {
	start = start.UTC()
	return start, start.Add(BillingPeriod)
}
