package settlement

import (
	"slices"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
)

type Kind string

const (
	KindCreditsPurchased     Kind = "credits_purchased"
	KindSubscriptionStarted  Kind = "subscription_started"
	KindSubscriptionUpdated  Kind = "subscription_updated"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindSubscriptionRenewed  Kind = "subscription_renewed"
	KindPaymentFailed        Kind = "payment_failed"
)

// Source identifies the processor delivery an event was decoded from.
type Source struct {
	EventID   string
	EventType string
}

// Event is a decoded, typed financial event. The set of implementations is
// closed; the engine switches over them exhaustively.
type Event interface {
	Kind() Kind
	Origin() Source
	SettlementKey() string
	validate() error
}

// CreditsPurchased settles a completed one-time credit checkout.
type CreditsPurchased struct {
	Source
	SessionID   string
	UserID      string
	Credits     int64
	AmountCents int64
	Currency    string
	CustomerID  string
}

func (e CreditsPurchased) Kind() Kind             { return KindCreditsPurchased }
func (e CreditsPurchased) Origin() Source         { return e.Source }
func (e CreditsPurchased) SettlementKey() string { return "checkout_session:" + e.SessionID }

func (e CreditsPurchased) validate() error {
	if err := requireFields(map[string]string{"sessionId": e.SessionID, "userId": e.UserID}); err != nil {
		return err
	}
	if e.Credits <= 0 {
		return invalidAmount("credits must be a positive integer", e.Credits)
	}
	if e.AmountCents < 0 {
		return invalidAmount("amount must not be negative", e.AmountCents)
	}
	return nil
}

// SubscriptionStarted settles a completed subscription checkout.
type SubscriptionStarted struct {
	Source
	SessionID      string
	UserID         string
	TierID         enums.TierID
	PagesPerMonth  int64
	AmountCents    int64
	Currency       string
	CustomerID     string
	SubscriptionID string
}

func (e SubscriptionStarted) Kind() Kind             { return KindSubscriptionStarted }
func (e SubscriptionStarted) Origin() Source         { return e.Source }
func (e SubscriptionStarted) SettlementKey() string { return "checkout_session:" + e.SessionID }

func (e SubscriptionStarted) validate() error {
	if err := requireFields(map[string]string{"sessionId": e.SessionID, "userId": e.UserID}); err != nil {
		return err
	}
	if !e.TierID.IsPaid() {
		return pkgerrors.New(pkgerrors.CodeMissingMetadata, "tierId does not name a paid tier").
			WithDetails(map[string]any{"tierId": e.TierID})
	}
	if e.TierID.Negotiated() && e.PagesPerMonth <= 0 {
		return invalidAmount("negotiated tier needs a positive page allotment", e.PagesPerMonth)
	}
	if e.AmountCents < 0 {
		return invalidAmount("amount must not be negative", e.AmountCents)
	}
	return nil
}

// SubscriptionUpdated carries the processor's view of a subscription.
// TierID is set only when the active price maps to a known tier.
type SubscriptionUpdated struct {
	Source
	SubscriptionID     string
	UserID             string
	Status             enums.SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TierID             enums.TierID
}

func (e SubscriptionUpdated) Kind() Kind             { return KindSubscriptionUpdated }
func (e SubscriptionUpdated) Origin() Source         { return e.Source }
func (e SubscriptionUpdated) SettlementKey() string { return "event:" + e.EventID }

func (e SubscriptionUpdated) validate() error {
	if err := requireOne("subscriptionId or userId", e.SubscriptionID, e.UserID); err != nil {
		return err
	}
	if !e.Status.IsValid() {
		return pkgerrors.New(pkgerrors.CodeMissingMetadata, "subscription status unknown").
			WithDetails(map[string]any{"status": e.Status})
	}
	return requireFields(map[string]string{"eventId": e.EventID})
}

// SubscriptionCanceled reverts the user to the free tier.
type SubscriptionCanceled struct {
	Source
	SubscriptionID string
	UserID         string
}

func (e SubscriptionCanceled) Kind() Kind             { return KindSubscriptionCanceled }
func (e SubscriptionCanceled) Origin() Source         { return e.Source }
func (e SubscriptionCanceled) SettlementKey() string { return "event:" + e.EventID }

func (e SubscriptionCanceled) validate() error {
	if err := requireOne("subscriptionId or userId", e.SubscriptionID, e.UserID); err != nil {
		return err
	}
	return requireFields(map[string]string{"eventId": e.EventID})
}

// SubscriptionRenewed rolls the billing period after a paid cycle invoice.
type SubscriptionRenewed struct {
	Source
	InvoiceID      string
	SubscriptionID string
	UserID         string
	AmountCents    int64
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

func (e SubscriptionRenewed) Kind() Kind             { return KindSubscriptionRenewed }
func (e SubscriptionRenewed) Origin() Source         { return e.Source }
func (e SubscriptionRenewed) SettlementKey() string { return "invoice:" + e.InvoiceID }

func (e SubscriptionRenewed) validate() error {
	if err := requireFields(map[string]string{"invoiceId": e.InvoiceID}); err != nil {
		return err
	}
	if err := requireOne("subscriptionId or userId", e.SubscriptionID, e.UserID); err != nil {
		return err
	}
	if e.AmountCents < 0 {
		return invalidAmount("amount must not be negative", e.AmountCents)
	}
	return nil
}

// PaymentFailed records a failed charge. An empty UserID means the payer
// could not be identified and the event is dropped.
type PaymentFailed struct {
	Source
	TransactionID  string
	SubscriptionID string
	UserID         string
	AmountCents    int64
	Currency       string
	Reason         string
}

func (e PaymentFailed) Kind() Kind             { return KindPaymentFailed }
func (e PaymentFailed) Origin() Source         { return e.Source }
func (e PaymentFailed) SettlementKey() string { return "event:" + e.EventID }

func (e PaymentFailed) validate() error {
	if err := requireFields(map[string]string{"eventId": e.EventID, "transactionId": e.TransactionID}); err != nil {
		return err
	}
	if e.AmountCents < 0 {
		return invalidAmount("amount must not be negative", e.AmountCents)
	}
	return nil
}

func requireFields(fields map[string]string) error {
	missing := []string{}
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return pkgerrors.New(pkgerrors.CodeMissingMetadata, "required event fields missing").
		WithDetails(map[string]any{"missing": missing})
}

func requireOne(label string, values ...string) error {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeMissingMetadata, "required event fields missing").
		WithDetails(map[string]any{"missing": []string{label}})
}

func invalidAmount(msg string, value int64) error {
	return pkgerrors.New(pkgerrors.CodeInvalidAmount, msg).WithDetails(map[string]any{"value": value})
}

