package payloads

import (
	"time"

	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
)

// BalanceChangedEvent is published after any settlement that moves a user's
// spendable pages. Consumers use it instead of polling the balance endpoint.
type BalanceChangedEvent struct {
	UserID           string                   `json:"user_id"`
	Reason           string                   `json:"reason"`
	SettlementKey    string                   `json:"settlement_key"`
	CreditBalance    int64                    `json:"credit_balance"`
	TierID           enums.TierID             `json:"tier_id,omitempty"`
	Status           enums.SubscriptionStatus `json:"status,omitempty"`
	PagesPerMonth    int64                    `json:"pages_per_month"`
	PagesRemaining   int64                    `json:"pages_remaining"`
	CurrentPeriodEnd *time.Time               `json:"current_period_end,omitempty"`
}

// PaymentFailedEvent reports a failed charge. Balances are untouched.
type PaymentFailedEvent struct {
	UserID         string `json:"user_id"`
	TransactionID  string `json:"transaction_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason,omitempty"`
}

func (BalanceChangedEvent) EventType() enums.OutboxEventType { return enums.EventBalanceChanged }
func (e BalanceChangedEvent) AccountID() string { return e.UserID }

func (PaymentFailedEvent) EventType() enums.OutboxEventType { return enums.EventPaymentFailed }
func (e PaymentFailedEvent) AccountID() string { return e.UserID }
