package enums

import "slices"

// SubscriptionStatus is the locally stored subscription state. Processor
// states are folded into these four values at the webhook boundary.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
)

var subscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusCanceled,
	SubscriptionStatusPastDue,
	SubscriptionStatusUnpaid,
}

func (s SubscriptionStatus) IsValid() bool { return slices.Contains(subscriptionStatuses, s) }
