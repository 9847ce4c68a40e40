package stripewebhook

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/pdf2md-billing/internal/settlement"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	pkgstripe "github.com/angelmondragon/pdf2md-billing/pkg/stripe"
)

// Metadata keys written by the checkout initiator.
const (
	MetaUserID        = pkgstripe.MetadataUserID
	MetaLegacyUserID  = pkgstripe.MetadataLegacyUserID
	MetaType          = pkgstripe.MetadataType
	MetaCredits       = pkgstripe.MetadataCredits
	MetaTierID        = pkgstripe.MetadataTierID
	MetaPagesPerMonth = pkgstripe.MetadataPagesPerMonth
)

// MapStatus folds processor subscription states into the stored statuses.
func MapStatus(status stripe.SubscriptionStatus) enums.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return enums.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusIncomplete:
		return enums.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return enums.SubscriptionStatusUnpaid
	default:
		return enums.SubscriptionStatusCanceled
	}
}

// Decode turns a verified processor event into a settlement event. It
// returns nil for event types that carry nothing to settle.
func (s *Service) Decode(ctx context.Context, event *stripe.Event) (settlement.Event, error) {
	if event == nil || event.Data == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	src := settlement.Source{EventID: event.ID, EventType: string(event.Type)}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
		}
		return s.fromCheckoutSession(src, &session)

	case stripe.EventTypeCustomerSubscriptionUpdated, stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription")
		}
		return s.FromSubscription(src, &sub, event.Type == stripe.EventTypeCustomerSubscriptionDeleted), nil

	case stripe.EventTypePaymentIntentPaymentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent")
		}
		return fromPaymentIntent(src, &intent), nil

	case stripe.EventTypeInvoicePaymentFailed, stripe.EventTypeInvoicePaid:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode invoice")
		}
		return s.fromInvoice(ctx, src, event, &invoice)

	default:
		return nil, nil
	}
}

func (s *Service) fromCheckoutSession(src settlement.Source, session *stripe.CheckoutSession) (settlement.Event, error) {
	// async payment methods complete the session before the money moves
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return nil, nil
	}

	meta := session.Metadata
	userID := userIDFrom(meta)
	kind, err := checkoutKind(meta)
	if err != nil {
		return nil, err
	}

	var customerID string
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	currency := strings.ToLower(string(session.Currency))

	if kind == enums.CheckoutKindCredits {
		credits, err := parsePositive(meta, MetaCredits)
		if err != nil {
			return nil, err
		}
		return settlement.CreditsPurchased{
			Source:      src,
			SessionID:   session.ID,
			UserID:      userID,
			Credits:     credits,
			AmountCents: session.AmountTotal,
			Currency:    currency,
			CustomerID:  customerID,
		}, nil
	}

	tierID := enums.TierCustom
	if raw := strings.TrimSpace(meta[MetaTierID]); raw != "" {
		parsed, err := enums.ParseTierID(raw)
		if err != nil {
			return nil, pkgerrors.New(pkgerrors.CodeMissingMetadata, "tierId metadata unknown").
				WithDetails(map[string]any{"tierId": raw})
		}
		tierID = parsed
	}
	var pages int64
	if tierID.Negotiated() {
		key := MetaPagesPerMonth
		if strings.TrimSpace(meta[key]) == "" {
			key = MetaCredits
		}
		if pages, err = parsePositive(meta, key); err != nil {
			return nil, err
		}
	}
	var subscriptionID string
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	return settlement.SubscriptionStarted{
		Source:         src,
		SessionID:      session.ID,
		UserID:         userID,
		TierID:         tierID,
		PagesPerMonth:  pages,
		AmountCents:    session.AmountTotal,
		Currency:       currency,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
	}, nil
}

// FromSubscription converts a processor subscription into an update, or a
// cancel when it was deleted or has reached a terminal state.
func (s *Service) FromSubscription(src settlement.Source, sub *stripe.Subscription, deleted bool) settlement.Event {
	userID := userIDFrom(sub.Metadata)
	status := MapStatus(sub.Status)
	if deleted || status == enums.SubscriptionStatusCanceled {
		return settlement.SubscriptionCanceled{Source: src, SubscriptionID: sub.ID, UserID: userID}
	}

	ev := settlement.SubscriptionUpdated{
		Source:            src,
		SubscriptionID:    sub.ID,
		UserID:            userID,
		Status:            status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		ev.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		ev.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		if item.Price != nil {
			if tier, ok := s.catalog.TierByPrice(item.Price.ID); ok {
				ev.TierID = tier.ID
			}
		}
	}
	return ev
}

// fromPaymentIntent only attributes failures through metadata. Intents
// without it belong to subscription invoices, which are settled from
// invoice.payment_failed.
func fromPaymentIntent(src settlement.Source, intent *stripe.PaymentIntent) settlement.Event {
	reason := ""
	if intent.LastPaymentError != nil {
		reason = string(intent.LastPaymentError.Code)
		if reason == "" {
			reason = intent.LastPaymentError.Msg
		}
	}
	return settlement.PaymentFailed{
		Source:        src,
		TransactionID: intent.ID,
		UserID:        userIDFrom(intent.Metadata),
		AmountCents:   intent.Amount,
		Currency:      strings.ToLower(string(intent.Currency)),
		Reason:        reason,
	}
}

func (s *Service) fromInvoice(ctx context.Context, src settlement.Source, event *stripe.Event, invoice *stripe.Invoice) (settlement.Event, error) {
	if event.Type == stripe.EventTypeInvoicePaid && invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		return nil, nil
	}

	subscriptionID := event.GetObjectValue("parent", "subscription_details", "subscription")
	if subscriptionID == "" {
		subscriptionID = event.GetObjectValue("subscription")
	}
	userID := strings.TrimSpace(event.GetObjectValue("parent", "subscription_details", "metadata", MetaUserID))
	if userID == "" && invoice.Customer != nil && s.customers != nil {
		found, err := s.customers.FindUserIDByCustomer(ctx, invoice.Customer.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve invoice customer")
		}
		userID = found
	}
	currency := strings.ToLower(string(invoice.Currency))

	if event.Type == stripe.EventTypeInvoicePaymentFailed {
		return settlement.PaymentFailed{
			Source:         src,
			TransactionID:  invoice.ID,
			SubscriptionID: subscriptionID,
			UserID:         userID,
			AmountCents:    invoice.AmountDue,
			Currency:       currency,
			Reason:         "invoice_payment_failed",
		}, nil
	}

	ev := settlement.SubscriptionRenewed{
		Source:         src,
		InvoiceID:      invoice.ID,
		SubscriptionID: subscriptionID,
		UserID:         userID,
		AmountCents:    invoice.AmountPaid,
		Currency:       currency,
	}
	if invoice.Lines != nil && len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Period != nil {
		ev.PeriodStart = unixTime(invoice.Lines.Data[0].Period.Start)
		ev.PeriodEnd = unixTime(invoice.Lines.Data[0].Period.End)
	}
	return ev, nil
}

func userIDFrom(meta map[string]string) string {
	if v := strings.TrimSpace(meta[MetaUserID]); v != "" {
		return v
	}
	return strings.TrimSpace(meta[MetaLegacyUserID])
}

// checkoutKind reads the type discriminator, inferring it from the other
// keys when absent.
func checkoutKind(meta map[string]string) (enums.CheckoutKind, error) {
	if raw := strings.TrimSpace(meta[MetaType]); raw != "" {
		kind, err := enums.ParseCheckoutKind(raw)
		if err != nil {
			return "", pkgerrors.New(pkgerrors.CodeMissingMetadata, "checkout type metadata unknown").
				WithDetails(map[string]any{"type": raw})
		}
		return kind, nil
	}
	switch {
	case strings.TrimSpace(meta[MetaTierID]) != "":
		return enums.CheckoutKindSubscription, nil
	case strings.TrimSpace(meta[MetaCredits]) != "":
		return enums.CheckoutKindCredits, nil
	}
	return "", pkgerrors.New(pkgerrors.CodeMissingMetadata, "required event fields missing").
		WithDetails(map[string]any{"missing": []string{MetaType}})
}

func parsePositive(meta map[string]string, key string) (int64, error) {
	raw := strings.TrimSpace(meta[key])
	if raw == "" {
		return 0, pkgerrors.New(pkgerrors.CodeMissingMetadata, "required event fields missing").
			WithDetails(map[string]any{"missing": []string{key}})
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeInvalidAmount, key+" must be a positive integer").
			WithDetails(map[string]any{key: raw})
	}
	return n, nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
