// Package checkout opens processor-hosted checkout and billing-portal
// sessions. It never changes balances; settlement happens when the
// processor's webhook arrives.
package checkout

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	"github.com/angelmondragon/pdf2md-billing/internal/ledger"
	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	pkgstripe "github.com/angelmondragon/pdf2md-billing/pkg/stripe"
)

// StripeGateway is the slice of the processor API the initiator calls.
type StripeGateway interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
}

type pagesReader interface {
	PagesRemaining(ctx context.Context, userID string) (int64, error)
}

type InitiatorParams struct {
	Gateway StripeGateway
	Repo    ledger.Repository
	Catalog *catalog.Catalog
	Balance pagesReader
	BaseURL string
	Logger  *logger.Logger
	Clock   func() time.Time
}

type Initiator struct {
	gateway StripeGateway
	repo    ledger.Repository
	catalog *catalog.Catalog
	balance pagesReader
	baseURL string
	logg    *logger.Logger
	now     func() time.Time
}

// CheckoutRequest names either a credit package price or a subscription tier.
type CheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required_without=TierID,excluded_with=TierID,stripe_price,max=255"`
	TierID  string `json:"tierId" validate:"max=32"`
}

type CheckoutSession struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

type PortalSession struct {
	URL string `json:"url"`
}

// Verification summarises a completed checkout for the return page.
type Verification struct {
	Status         string             `json:"status"`
	Type           enums.CheckoutKind `json:"type"`
	Credits        int64              `json:"credits,omitempty"`
	TierID         enums.TierID       `json:"tierId,omitempty"`
	PagesRemaining int64              `json:"pagesRemaining"`
}

func NewInitiator(params InitiatorParams) (*Initiator, error) {
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe gateway required")
	}
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repo required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "catalog required")
	}
	if params.Balance == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "balance reader required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(params.BaseURL), "/")
	if baseURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "base url required")
	}
	now := params.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Initiator{
		gateway: params.Gateway,
		repo:    params.Repo,
		catalog: params.Catalog,
		balance: params.Balance,
		baseURL: baseURL,
		logg:    params.Logger,
		now:     now,
	}, nil
}

type purchase struct {
	kind    enums.CheckoutKind
	priceID string
	credits int64
	tierID  enums.TierID
}

// CreateSession opens a checkout session for a credit package or a paid tier.
// Exactly one processor call is made, and only after the request resolves to
// a catalog entry.
func (i *Initiator) CreateSession(ctx context.Context, userID, email string, req CheckoutRequest) (*CheckoutSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user id required")
	}
	item, err := i.resolve(req)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{
		pkgstripe.MetadataUserID: userID,
		pkgstripe.MetadataType:   string(item.kind),
	}
	params := &stripe.CheckoutSessionParams{
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(item.priceID), Quantity: stripe.Int64(1)},
		},
		ClientReferenceID: stripe.String(userID),
		SuccessURL:        stripe.String(i.baseURL + "/dashboard?success=true&session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(i.baseURL + "/dashboard?canceled=true"),
	}
	if item.kind == enums.CheckoutKindCredits {
		meta[pkgstripe.MetadataCredits] = strconv.FormatInt(item.credits, 10)
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: copyMeta(meta)}
	} else {
		meta[pkgstripe.MetadataTierID] = string(item.tierID)
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: copyMeta(meta)}
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	customerID, err := i.customerID(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch {
	case customerID != "":
		params.Customer = stripe.String(customerID)
	case strings.TrimSpace(email) != "":
		params.CustomerEmail = stripe.String(strings.TrimSpace(email))
	}

	session, err := i.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create checkout session")
	}
	if i.logg != nil {
		logCtx := i.logg.WithFields(ctx, map[string]any{
			"user_id":    userID,
			"session_id": session.ID,
			"kind":       string(item.kind),
		})
		i.logg.Info(logCtx, "checkout.session_created")
	}
	return &CheckoutSession{URL: session.URL, SessionID: session.ID}, nil
}

// PortalSession opens the processor's billing portal, creating the customer
// on first use.
func (i *Initiator) PortalSession(ctx context.Context, userID, email string) (*PortalSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user id required")
	}
	customerID, err := i.customerID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		if customerID, err = i.createCustomer(ctx, userID, email); err != nil {
			return nil, err
		}
	}

	session, err := i.gateway.CreatePortalSession(ctx, &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(i.baseURL + "/subscription"),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create portal session")
	}
	return &PortalSession{URL: session.URL}, nil
}

// VerifySession confirms a checkout the caller completed. It reads the
// processor's session and the caller's balance but writes nothing.
func (i *Initiator) VerifySession(ctx context.Context, userID, sessionID string) (*Verification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user id required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session_id is required")
	}

	session, err := i.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retrieve checkout session")
	}
	if session.Status != stripe.CheckoutSessionStatusComplete ||
		(session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
			session.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment not completed").
			WithDetails(map[string]any{"status": string(session.Status), "paymentStatus": string(session.PaymentStatus)})
	}

	owner := strings.TrimSpace(session.Metadata[pkgstripe.MetadataUserID])
	if owner == "" {
		owner = strings.TrimSpace(session.Metadata[pkgstripe.MetadataLegacyUserID])
	}
	if owner != userID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "session does not belong to the current user")
	}

	out := &Verification{Status: string(session.Status)}
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		out.Type = enums.CheckoutKindSubscription
		out.TierID = enums.TierID(session.Metadata[pkgstripe.MetadataTierID])
	} else {
		out.Type = enums.CheckoutKindCredits
		out.Credits, _ = strconv.ParseInt(session.Metadata[pkgstripe.MetadataCredits], 10, 64)
	}

	pages, err := i.balance.PagesRemaining(ctx, userID)
	if err != nil {
		return nil, err
	}
	out.PagesRemaining = pages
	return out, nil
}

func (i *Initiator) resolve(req CheckoutRequest) (purchase, error) {
	priceID := strings.TrimSpace(req.PriceID)
	tierRaw := strings.TrimSpace(req.TierID)

	switch {
	case priceID != "" && tierRaw != "":
		return purchase{}, pkgerrors.New(pkgerrors.CodeValidation, "send priceId or tierId, not both")
	case priceID != "":
		if pkg, ok := i.catalog.PackageByPrice(priceID); ok {
			return purchase{kind: enums.CheckoutKindCredits, priceID: pkg.PriceID, credits: pkg.Credits}, nil
		}
		if tier, ok := i.catalog.TierByPrice(priceID); ok {
			return purchase{kind: enums.CheckoutKindSubscription, priceID: tier.PriceID, tierID: tier.ID}, nil
		}
		return purchase{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown price").
			WithDetails(map[string]any{"priceId": priceID})
	case tierRaw != "":
		id, err := enums.ParseTierID(tierRaw)
		if err == nil {
			if tier, ok := i.catalog.PurchasableTier(id); ok {
				return purchase{kind: enums.CheckoutKindSubscription, priceID: tier.PriceID, tierID: tier.ID}, nil
			}
		}
		return purchase{}, pkgerrors.New(pkgerrors.CodeValidation, "tier cannot be purchased").
			WithDetails(map[string]any{"tierId": tierRaw})
	}
	return purchase{}, pkgerrors.New(pkgerrors.CodeValidation, "priceId or tierId is required")
}

func (i *Initiator) customerID(ctx context.Context, userID string) (string, error) {
	sub, err := i.repo.GetSubscription(ctx, userID, false)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	if sub == nil || sub.StripeCustomerID == nil {
		return "", nil
	}
	return strings.TrimSpace(*sub.StripeCustomerID), nil
}

func (i *Initiator) createCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{}
	if e := strings.TrimSpace(email); e != "" {
		params.Email = stripe.String(e)
	}
	params.AddMetadata(pkgstripe.MetadataUserID, userID)

	customer, err := i.gateway.CreateCustomer(ctx, params)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create customer")
	}

	start, end := ledger.NextPeriod(i.now())
	if _, err := i.repo.CreateSubscriptionIfAbsent(ctx, &models.Subscription{
		UserID:             userID,
		TierID:             enums.TierFree,
		Status:             enums.SubscriptionStatusActive,
		PagesPerMonth:      catalog.FreeTierPages,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "materialise subscription")
	}
	if err := i.repo.UpdateSubscription(ctx, userID, map[string]any{
		"stripe_customer_id": customer.ID,
		"updated_at":         i.now(),
	}); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store customer id")
	}
	return customer.ID, nil
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
