package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	"github.com/angelmondragon/pdf2md-billing/internal/ledger"
	"github.com/angelmondragon/pdf2md-billing/internal/ledger/ledgertest"
	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
)

type fakeGateway struct {
	checkoutParams []*stripe.CheckoutSessionParams
	portalParams   []*stripe.BillingPortalSessionParams
	customerParams []*stripe.CustomerParams
	session        *stripe.CheckoutSession
	err            error
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.checkoutParams = append(f.checkoutParams, params)
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (f *fakeGateway) GetCheckoutSession(_ context.Context, id string) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeGateway) CreatePortalSession(_ context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	f.portalParams = append(f.portalParams, params)
	return &stripe.BillingPortalSession{URL: "https://billing.stripe.test/p"}, nil
}

func (f *fakeGateway) CreateCustomer(_ context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	f.customerParams = append(f.customerParams, params)
	return &stripe.Customer{ID: "cus_new"}, nil
}

type fixedPages int64

func (p fixedPages) PagesRemaining(context.Context, string) (int64, error) { return int64(p), nil }

func newTestInitiator(t *testing.T, gw *fakeGateway) (*Initiator, ledger.Repository) {
	t.Helper()
	repo := ledger.NewRepository(ledgertest.Open(t))
	cat := catalog.New(config.StripeConfig{
		PriceBasicCredits: "price_basic",
		PriceProCredits:   "price_pro",
		PriceStandardTier: "price_standard",
		PricePremiumTier:  "price_premium",
	})
	i, err := NewInitiator(InitiatorParams{
		Gateway: gw,
		Repo:    repo,
		Catalog: cat,
		Balance: fixedPages(110),
		BaseURL: "https://app.example.com/",
		Clock:   func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	return i, repo
}

func TestCreateSessionForCreditPackage(t *testing.T) {
	gw := &fakeGateway{}
	i, _ := newTestInitiator(t, gw)

	got, err := i.CreateSession(context.Background(), "user-1", "u@example.com", CheckoutRequest{PriceID: "price_pro"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if got.SessionID != "cs_test_1" || got.URL == "" {
		t.Fatalf("unexpected session %+v", got)
	}
	if len(gw.checkoutParams) != 1 {
		t.Fatalf("expected exactly one processor call, got %d", len(gw.checkoutParams))
	}
	params := gw.checkoutParams[0]
	if *params.Mode != string(stripe.CheckoutSessionModePayment) {
		t.Fatalf("expected payment mode, got %s", *params.Mode)
	}
	if params.Metadata["userId"] != "user-1" || params.Metadata["type"] != "credits" || params.Metadata["credits"] != "500" {
		t.Fatalf("unexpected metadata %v", params.Metadata)
	}
	if params.PaymentIntentData == nil || params.PaymentIntentData.Metadata["userId"] != "user-1" {
		t.Fatal("payment intent must carry the user id")
	}
	if params.CustomerEmail == nil || *params.CustomerEmail != "u@example.com" {
		t.Fatal("expected customer email for a new customer")
	}
	if *params.SuccessURL != "https://app.example.com/dashboard?success=true&session_id={CHECKOUT_SESSION_ID}" {
		t.Fatalf("unexpected success url %s", *params.SuccessURL)
	}
}

func TestCreateSessionForTierReusesCustomer(t *testing.T) {
	gw := &fakeGateway{}
	i, repo := newTestInitiator(t, gw)
	customer := "cus_existing"
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if _, err := repo.CreateSubscriptionIfAbsent(context.Background(), &models.Subscription{
		UserID: "user-1", TierID: enums.TierFree, Status: enums.SubscriptionStatusActive,
		PagesPerMonth: 10, CurrentPeriodStart: start, CurrentPeriodEnd: start.Add(ledger.BillingPeriod),
		StripeCustomerID: &customer,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	if _, err := i.CreateSession(context.Background(), "user-1", "u@example.com", CheckoutRequest{TierID: "premium"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	params := gw.checkoutParams[0]
	if *params.Mode != string(stripe.CheckoutSessionModeSubscription) {
		t.Fatalf("expected subscription mode, got %s", *params.Mode)
	}
	if params.LineItems[0].Price == nil || *params.LineItems[0].Price != "price_premium" {
		t.Fatal("expected premium price")
	}
	if params.Metadata["tierId"] != "premium" || params.SubscriptionData.Metadata["tierId"] != "premium" {
		t.Fatalf("unexpected metadata %v", params.Metadata)
	}
	if params.Customer == nil || *params.Customer != customer || params.CustomerEmail != nil {
		t.Fatal("expected the stored customer to be reused")
	}
}

func TestCreateSessionRejectsUnknownPurchases(t *testing.T) {
	cases := []CheckoutRequest{
		{},
		{PriceID: "price_unknown"},
		{TierID: "free"},
		{TierID: "gold"},
		{PriceID: "price_basic", TierID: "standard"},
	}
	for _, req := range cases {
		gw := &fakeGateway{}
		i, _ := newTestInitiator(t, gw)
		_, err := i.CreateSession(context.Background(), "user-1", "", req)
		if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			t.Fatalf("%+v: expected validation error, got %v", req, err)
		}
		if len(gw.checkoutParams) != 0 {
			t.Fatalf("%+v: processor must not be called", req)
		}
	}
}

func TestCreateSessionRequiresUser(t *testing.T) {
	gw := &fakeGateway{}
	i, _ := newTestInitiator(t, gw)
	_, err := i.CreateSession(context.Background(), "", "", CheckoutRequest{PriceID: "price_basic"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if len(gw.checkoutParams) != 0 {
		t.Fatal("processor must not be called")
	}
}

func TestCreateSessionProcessorFailure(t *testing.T) {
	gw := &fakeGateway{err: errors.New("stripe down")}
	i, _ := newTestInitiator(t, gw)
	_, err := i.CreateSession(context.Background(), "user-1", "", CheckoutRequest{PriceID: "price_basic"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestPortalSessionCreatesCustomerOnce(t *testing.T) {
	gw := &fakeGateway{}
	i, repo := newTestInitiator(t, gw)

	got, err := i.PortalSession(context.Background(), "user-1", "u@example.com")
	if err != nil {
		t.Fatalf("portal session: %v", err)
	}
	if got.URL == "" {
		t.Fatal("expected portal url")
	}
	if len(gw.customerParams) != 1 {
		t.Fatalf("expected one customer creation, got %d", len(gw.customerParams))
	}
	if *gw.portalParams[0].ReturnURL != "https://app.example.com/subscription" {
		t.Fatalf("unexpected return url %s", *gw.portalParams[0].ReturnURL)
	}

	sub, err := repo.GetSubscription(context.Background(), "user-1", false)
	if err != nil || sub == nil {
		t.Fatalf("expected materialised subscription, err=%v", err)
	}
	if sub.StripeCustomerID == nil || *sub.StripeCustomerID != "cus_new" {
		t.Fatal("expected customer id stored")
	}

	if _, err := i.PortalSession(context.Background(), "user-1", "u@example.com"); err != nil {
		t.Fatalf("second portal session: %v", err)
	}
	if len(gw.customerParams) != 1 {
		t.Fatal("customer must be reused on the second call")
	}
	if *gw.portalParams[1].Customer != "cus_new" {
		t.Fatalf("unexpected customer %s", *gw.portalParams[1].Customer)
	}
}

func TestVerifySession(t *testing.T) {
	complete := &stripe.CheckoutSession{
		ID:            "cs_1",
		Status:        stripe.CheckoutSessionStatusComplete,
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Mode:          stripe.CheckoutSessionModePayment,
		Metadata:      map[string]string{"userId": "user-1", "type": "credits", "credits": "100"},
	}

	gw := &fakeGateway{session: complete}
	i, _ := newTestInitiator(t, gw)
	got, err := i.VerifySession(context.Background(), "user-1", "cs_1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Type != enums.CheckoutKindCredits || got.Credits != 100 || got.PagesRemaining != 110 {
		t.Fatalf("unexpected verification %+v", got)
	}

	if _, err := i.VerifySession(context.Background(), "someone-else", "cs_1"); !pkgerrors.IsCode(err, pkgerrors.CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	open := *complete
	open.Status = stripe.CheckoutSessionStatusOpen
	gw.session = &open
	if _, err := i.VerifySession(context.Background(), "user-1", "cs_1"); !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	unpaid := *complete
	unpaid.PaymentStatus = stripe.CheckoutSessionPaymentStatusUnpaid
	gw.session = &unpaid
	if _, err := i.VerifySession(context.Background(), "user-1", "cs_1"); !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict for unpaid session, got %v", err)
	}

	if _, err := i.VerifySession(context.Background(), "user-1", " "); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewInitiatorGuards(t *testing.T) {
	if _, err := NewInitiator(InitiatorParams{}); err == nil {
		t.Fatal("expected error without gateway")
	}
	repo := ledger.NewRepository(ledgertest.Open(t))
	_, err := NewInitiator(InitiatorParams{
		Gateway: &fakeGateway{},
		Repo:    repo,
		Catalog: catalog.New(config.StripeConfig{}),
		Balance: fixedPages(0),
	})
	if err == nil {
		t.Fatal("expected error without base url")
	}
}
