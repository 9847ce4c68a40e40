package enums

import "slices"

// OutboxAggregateType names what an outbox row is about. Every billing event
// belongs to one user's account.
type OutboxAggregateType string

const AggregateBillingAccount OutboxAggregateType = "billing_account"

func (a OutboxAggregateType) IsValid() bool { return a == AggregateBillingAccount }

// OutboxEventType names the billing event carried by an outbox row.
type OutboxEventType string

const (
	EventBalanceChanged OutboxEventType = "balance_changed"
	EventPaymentFailed  OutboxEventType = "payment_failed"
)

func (e OutboxEventType) IsValid() bool {
	return slices.Contains([]OutboxEventType{EventBalanceChanged, EventPaymentFailed}, e)
}

// OutboxDLQErrorReason says why a billing event was parked instead of
// published.
type OutboxDLQErrorReason string

const (
	// Pub/Sub kept failing until the attempt cap.
	OutboxDLQReasonMaxAttempts OutboxDLQErrorReason = "max_attempts"
	// The row's type, aggregate or payload is not a known billing event.
	OutboxDLQReasonUndecodable OutboxDLQErrorReason = "undecodable"
	// The topic is missing or refused the message outright.
	OutboxDLQReasonUnroutable OutboxDLQErrorReason = "unroutable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return slices.Contains([]OutboxDLQErrorReason{
		OutboxDLQReasonMaxAttempts,
		OutboxDLQReasonUndecodable,
		OutboxDLQReasonUnroutable,
	}, r)
}
