package enums

import "testing"

func TestSubscriptionStatusIsValid(t *testing.T) {
	for _, s := range []SubscriptionStatus{"active", "canceled", "past_due", "unpaid"} {
		if !s.IsValid() {
			t.Fatalf("expected %q to be stored", s)
		}
	}
	if SubscriptionStatus("trialing").IsValid() {
		t.Fatal("processor-only statuses are not stored")
	}
}

func TestTierIDIsPaid(t *testing.T) {
	tests := map[TierID]bool{
		TierFree:       false,
		TierStandard:   true,
		TierPremium:    true,
		TierCustom:     true,
		TierEnterprise: true,
		"gold":         false,
	}
	for tier, want := range tests {
		if got := tier.IsPaid(); got != want {
			t.Fatalf("tier %q: expected paid=%v got %v", tier, want, got)
		}
	}
	if !TierEnterprise.Negotiated() || TierStandard.Negotiated() {
		t.Fatal("only enterprise and custom are negotiated")
	}
	if tier, err := ParseTierID("premium"); err != nil || tier != TierPremium {
		t.Fatalf("unexpected result %q %v", tier, err)
	}
	if _, err := ParseTierID("gold"); err == nil || err.Error() != `invalid tier "gold"` {
		t.Fatalf("expected unknown tier to fail, got %v", err)
	}
}

func TestParseCheckoutKind(t *testing.T) {
	if k, err := ParseCheckoutKind("credits"); err != nil || k != CheckoutKindCredits {
		t.Fatalf("unexpected result %q %v", k, err)
	}
	if _, err := ParseCheckoutKind("gift"); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}

func TestOutboxEnums(t *testing.T) {
	if !EventBalanceChanged.IsValid() || OutboxEventType("order_created").IsValid() {
		t.Fatal("only billing events are valid")
	}
	if OutboxAggregateType("vendor_order").IsValid() {
		t.Fatal("expected unknown aggregate to fail")
	}
	if !OutboxDLQReasonMaxAttempts.IsValid() || !OutboxDLQReasonUnroutable.IsValid() {
		t.Fatal("expected billing dlq reasons to be valid")
	}
	if OutboxDLQErrorReason("non_retryable").IsValid() {
		t.Fatal("generic reasons are not billing dlq reasons")
	}
}
