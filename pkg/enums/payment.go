package enums

// PaymentKind classifies an entry in payment_history.
type PaymentKind string

const (
	PaymentKindCredits      PaymentKind = "credits"
	PaymentKindSubscription PaymentKind = "subscription"
	PaymentKindRenewal      PaymentKind = "renewal"
	PaymentKindFailure      PaymentKind = "failure"
)

// PaymentStatus is the outcome recorded for a payment_history entry.
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// CheckoutKind is the "type" metadata value attached to checkout sessions.
type CheckoutKind string

const (
	CheckoutKindCredits      CheckoutKind = "credits"
	CheckoutKindSubscription CheckoutKind = "subscription"
)

func ParseCheckoutKind(raw string) (CheckoutKind, error) {
	return parse("checkout kind", raw, []CheckoutKind{CheckoutKindCredits, CheckoutKindSubscription})
}
