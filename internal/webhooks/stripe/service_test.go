package stripewebhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	"github.com/angelmondragon/pdf2md-billing/internal/settlement"
	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
)

func TestService_CheckoutCreditsBecomesCreditsPurchased(t *testing.T) {
	service, engine := newTestService(t)

	event := wireEvent(t, stripe.EventTypeCheckoutSessionCompleted, map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"amount_total":   500,
		"currency":       "usd",
		"payment_status": "paid",
		"customer":       "cus_1",
		"metadata":       map[string]string{"userId": "user-1", "type": "credits", "credits": "100"},
	})

	if _, err := service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	got, ok := engine.last().(settlement.CreditsPurchased)
	if !ok {
		t.Fatalf("expected CreditsPurchased, got %T", engine.last())
	}
	if got.UserID != "user-1" || got.Credits != 100 || got.AmountCents != 500 || got.CustomerID != "cus_1" {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.SettlementKey() != "checkout_session:cs_1" {
		t.Fatalf("unexpected key %s", got.SettlementKey())
	}
	if got.EventID != event.ID {
		t.Fatalf("expected source event id to be carried")
	}
}

func TestService_CheckoutInfersSubscriptionFromTier(t *testing.T) {
	service, engine := newTestService(t)

	event := wireEvent(t, stripe.EventTypeCheckoutSessionCompleted, map[string]any{
		"id":             "cs_sub",
		"object":         "checkout.session",
		"amount_total":   999,
		"payment_status": "paid",
		"subscription":   "sub_1",
		"metadata":       map[string]string{"firebaseUID": "user-2", "tierId": "standard"},
	})

	if _, err := service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	got, ok := engine.last().(settlement.SubscriptionStarted)
	if !ok {
		t.Fatalf("expected SubscriptionStarted, got %T", engine.last())
	}
	if got.UserID != "user-2" || got.TierID != enums.TierStandard || got.SubscriptionID != "sub_1" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestService_CheckoutCustomPagesFromCredits(t *testing.T) {
	service, engine := newTestService(t)

	event := wireEvent(t, stripe.EventTypeCheckoutSessionCompleted, map[string]any{
		"id":             "cs_custom",
		"object":         "checkout.session",
		"payment_status": "paid",
		"metadata":       map[string]string{"userId": "user-3", "type": "subscription", "credits": "750"},
	})

	if _, err := service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	got := engine.last().(settlement.SubscriptionStarted)
	if got.TierID != enums.TierCustom || got.PagesPerMonth != 750 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestService_CheckoutMetadataErrors(t *testing.T) {
	cases := map[string]struct {
		metadata map[string]string
		code     pkgerrors.Code
	}{
		"no discriminator": {map[string]string{"userId": "u"}, pkgerrors.CodeMissingMetadata},
		"credits missing":  {map[string]string{"userId": "u", "type": "credits"}, pkgerrors.CodeMissingMetadata},
		"credits text":     {map[string]string{"userId": "u", "type": "credits", "credits": "lots"}, pkgerrors.CodeInvalidAmount},
		"credits negative": {map[string]string{"userId": "u", "type": "credits", "credits": "-5"}, pkgerrors.CodeInvalidAmount},
		"unknown tier":     {map[string]string{"userId": "u", "tierId": "gold"}, pkgerrors.CodeMissingMetadata},
		"unknown type":     {map[string]string{"userId": "u", "type": "gift"}, pkgerrors.CodeMissingMetadata},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			service, engine := newTestService(t)
			event := wireEvent(t, stripe.EventTypeCheckoutSessionCompleted, map[string]any{
				"id":             "cs_bad",
				"object":         "checkout.session",
				"payment_status": "paid",
				"metadata":       tc.metadata,
			})
			_, err := service.HandleEvent(context.Background(), event)
			if !pkgerrors.IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if len(engine.events) != 0 {
				t.Fatalf("engine must not be called")
			}
		})
	}
}

func TestService_UnpaidCheckoutIsNotSettled(t *testing.T) {
	service, engine := newTestService(t)

	event := wireEvent(t, stripe.EventTypeCheckoutSessionCompleted, map[string]any{
		"id":             "cs_async",
		"object":         "checkout.session",
		"payment_status": "unpaid",
		"metadata":       map[string]string{"userId": "u", "type": "credits", "credits": "100"},
	})
	res, err := service.HandleEvent(context.Background(), event)
	if err != nil || res != nil {
		t.Fatalf("expected no-op, got %+v %v", res, err)
	}
	if len(engine.events) != 0 {
		t.Fatalf("engine must not be called")
	}
}

func TestService_SubscriptionUpdatedMapsStatusAndTier(t *testing.T) {
	service, engine := newTestService(t)
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)

	event := wireEvent(t, stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id":                   "sub_1",
		"object":               "subscription",
		"status":               "incomplete",
		"cancel_at_period_end": true,
		"metadata":             map[string]string{"userId": "user-1"},
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id":                   "si_1",
				"current_period_start": start.Unix(),
				"current_period_end":   end.Unix(),
				"price":                map[string]any{"id": "price_premium"},
			}},
		},
	})

	if _, err := service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	got, ok := engine.last().(settlement.SubscriptionUpdated)
	if !ok {
		t.Fatalf("expected SubscriptionUpdated, got %T", engine.last())
	}
	if got.Status != enums.SubscriptionStatusPastDue || got.TierID != enums.TierPremium || !got.CancelAtPeriodEnd {
		t.Fatalf("unexpected event %+v", got)
	}
	if !got.CurrentPeriodEnd.Equal(end) || !got.CurrentPeriodStart.Equal(start) {
		t.Fatalf("unexpected period %s - %s", got.CurrentPeriodStart, got.CurrentPeriodEnd)
	}
}

func TestService_SubscriptionDeletedBecomesCancel(t *testing.T) {
	service, engine := newTestService(t)

	event := wireEvent(t, stripe.EventTypeCustomerSubscriptionDeleted, map[string]any{
		"id":     "sub_1",
		"object": "subscription",
		"status": "canceled",
	})
	if _, err := service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	got, ok := engine.last().(settlement.SubscriptionCanceled)
	if !ok || got.SubscriptionID != "sub_1" {
		t.Fatalf("expected cancel for sub_1, got %+v", engine.last())
	}
}

func TestService_InvoiceFailureResolvesCustomer(t *testing.T) {
	service, engine := newTestService(t)

	event := wireEvent(t, stripe.EventTypeInvoicePaymentFailed, map[string]any{
		"id":         "in_1",
		"object":     "invoice",
		"customer":   "cus_known",
		"amount_due": 999,
		"currency":   "usd",
		"parent": map[string]any{
			"type":                 "subscription_details",
			"subscription_details": map[string]any{"subscription": "sub_1"},
		},
	})
	if _, err := service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	got, ok := engine.last().(settlement.PaymentFailed)
	if !ok {
		t.Fatalf("expected PaymentFailed, got %T", engine.last())
	}
	if got.UserID != "user-known" || got.SubscriptionID != "sub_1" || got.TransactionID != "in_1" || got.AmountCents != 999 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestService_InvoicePaidOnlySettlesCycles(t *testing.T) {
	service, engine := newTestService(t)
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)

	invoice := func(reason string) map[string]any {
		return map[string]any{
			"id":             "in_" + reason,
			"object":         "invoice",
			"billing_reason": reason,
			"amount_paid":    999,
			"currency":       "usd",
			"parent": map[string]any{
				"type": "subscription_details",
				"subscription_details": map[string]any{
					"subscription": "sub_1",
					"metadata":     map[string]string{"userId": "user-1"},
				},
			},
			"lines": map[string]any{
				"object": "list",
				"data": []map[string]any{{
					"id":     "il_1",
					"period": map[string]any{"start": start.Unix(), "end": end.Unix()},
				}},
			},
		}
	}

	if _, err := service.HandleEvent(context.Background(), wireEvent(t, stripe.EventTypeInvoicePaid, invoice("subscription_create"))); err != nil {
		t.Fatalf("handle create invoice: %v", err)
	}
	if len(engine.events) != 0 {
		t.Fatalf("first invoice is settled by checkout, not renewal")
	}

	if _, err := service.HandleEvent(context.Background(), wireEvent(t, stripe.EventTypeInvoicePaid, invoice("subscription_cycle"))); err != nil {
		t.Fatalf("handle cycle invoice: %v", err)
	}
	got, ok := engine.last().(settlement.SubscriptionRenewed)
	if !ok {
		t.Fatalf("expected SubscriptionRenewed, got %T", engine.last())
	}
	if got.UserID != "user-1" || got.SubscriptionID != "sub_1" || !got.PeriodEnd.Equal(end) {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.SettlementKey() != "invoice:in_subscription_cycle" {
		t.Fatalf("unexpected key %s", got.SettlementKey())
	}
}

func TestService_PaymentIntentFailureUsesMetadata(t *testing.T) {
	service, engine := newTestService(t)

	event := wireEvent(t, stripe.EventTypePaymentIntentPaymentFailed, map[string]any{
		"id":                 "pi_1",
		"object":             "payment_intent",
		"amount":             2000,
		"currency":           "usd",
		"metadata":           map[string]string{"userId": "user-1", "type": "credits", "credits": "500"},
		"last_payment_error": map[string]any{"code": "card_declined", "message": "Your card was declined."},
	})
	if _, err := service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	got := engine.last().(settlement.PaymentFailed)
	if got.UserID != "user-1" || got.Reason != "card_declined" || got.AmountCents != 2000 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestService_UnknownEventIsNoop(t *testing.T) {
	service, engine := newTestService(t)

	res, err := service.HandleEvent(context.Background(), wireEvent(t, "customer.created", map[string]any{"id": "cus_1"}))
	if err != nil || res != nil {
		t.Fatalf("expected no-op, got %+v %v", res, err)
	}
	if len(engine.events) != 0 {
		t.Fatalf("engine must not be called")
	}
}

func TestService_NilEventRejected(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.HandleEvent(context.Background(), nil); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMapStatus(t *testing.T) {
	tests := map[stripe.SubscriptionStatus]enums.SubscriptionStatus{
		stripe.SubscriptionStatusActive:            enums.SubscriptionStatusActive,
		stripe.SubscriptionStatusTrialing:          enums.SubscriptionStatusActive,
		stripe.SubscriptionStatusPastDue:           enums.SubscriptionStatusPastDue,
		stripe.SubscriptionStatusIncomplete:        enums.SubscriptionStatusPastDue,
		stripe.SubscriptionStatusUnpaid:            enums.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusCanceled:          enums.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusIncompleteExpired: enums.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusPaused:            enums.SubscriptionStatusCanceled,
	}
	for in, want := range tests {
		if got := MapStatus(in); got != want {
			t.Fatalf("%s: expected %s got %s", in, want, got)
		}
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceParams{}); err == nil {
		t.Fatal("expected error without engine")
	}
	if _, err := NewService(ServiceParams{Engine: &recordingEngine{}}); err == nil {
		t.Fatal("expected error without customer directory")
	}
}

func newTestService(t *testing.T) (*Service, *recordingEngine) {
	t.Helper()
	engine := &recordingEngine{}
	service, err := NewService(ServiceParams{
		Engine:    engine,
		Customers: stubCustomers{"cus_known": "user-known"},
		Catalog: catalog.New(config.StripeConfig{
			PriceStandardTier: "price_standard",
			PricePremiumTier:  "price_premium",
		}),
	})
	if err != nil {
		t.Fatalf("setup service: %v", err)
	}
	return service, engine
}

// wireEvent round-trips the event through JSON the way the signature
// verifier hands it over, so Data.Object is populated.
func wireEvent(t *testing.T, eventType stripe.EventType, object any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + uuid.NewString(),
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return &event
}

type recordingEngine struct {
	events []settlement.Event
}

func (e *recordingEngine) Apply(ctx context.Context, ev settlement.Event) (*settlement.Result, error) {
	e.events = append(e.events, ev)
	return &settlement.Result{Kind: ev.Kind(), SettlementKey: ev.SettlementKey()}, nil
}

func (e *recordingEngine) last() settlement.Event {
	if len(e.events) == 0 {
		return nil
	}
	return e.events[len(e.events)-1]
}

type stubCustomers map[string]string

func (s stubCustomers) FindUserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	return s[customerID], nil
}
