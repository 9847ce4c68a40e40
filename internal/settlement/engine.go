// Package settlement applies decoded payment events to the ledger exactly
// once. Every event is settled in one transaction that claims its settlement
// key, mutates balances or subscriptions, appends payment history and queues
// an outbox event.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	"github.com/angelmondragon/pdf2md-billing/internal/ledger"
	"github.com/angelmondragon/pdf2md-billing/pkg/db"
	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
	"github.com/angelmondragon/pdf2md-billing/pkg/outbox"
	"github.com/angelmondragon/pdf2md-billing/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.Event, occurredAt time.Time) error
}

type EngineParams struct {
	Repo              ledger.Repository
	Catalog           *catalog.Catalog
	TransactionRunner txRunner
	Outbox            outboxEmitter
	Metrics           *metrics.BillingMetrics
	Logger            *logger.Logger
	Clock             func() time.Time
}

type Engine struct {
	repo     ledger.Repository
	catalog  *catalog.Catalog
	txRunner txRunner
	outbox   outboxEmitter
	metrics  *metrics.BillingMetrics
	logg     *logger.Logger
	now      func() time.Time
}

// Result describes what Apply did with an event.
type Result struct {
	Kind          Kind
	SettlementKey string
	UserID        string
	Duplicate     bool
	Ignored       bool
	Breakdown     ledger.Breakdown
}

// errIgnored aborts the transaction for events that have nothing to settle.
var errIgnored = errors.New("settlement ignored")

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repo required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "catalog required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox required")
	}
	now := params.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		repo:     params.Repo,
		catalog:  params.Catalog,
		txRunner: params.TransactionRunner,
		outbox:   params.Outbox,
		metrics:  params.Metrics,
		logg:     params.Logger,
		now:      now,
	}, nil
}

// Apply settles ev. A replayed settlement key returns Duplicate with no
// writes. Validation failures return MISSING_METADATA or INVALID_AMOUNT and
// leave the ledger untouched.
func (e *Engine) Apply(ctx context.Context, ev Event) (*Result, error) {
	if ev == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "settlement event required")
	}
	kind := string(ev.Kind())
	if err := ev.validate(); err != nil {
		e.metrics.IncSettlement(kind, metrics.OutcomeRejected)
		return nil, err
	}

	result := &Result{Kind: ev.Kind(), SettlementKey: ev.SettlementKey()}
	if e.logg != nil {
		ctx = e.logg.WithSettlement(ctx, kind, result.SettlementKey)
	}

	started := time.Now()
	err := e.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		a := &applier{
			engine: e,
			tx:     tx,
			repo:   e.repo.WithTx(tx),
			now:    e.now(),
			event:  ev,
			result: result,
		}
		return a.apply(ctx)
	})
	e.metrics.ObserveSettlement(kind, time.Since(started))

	switch {
	case err == nil && result.Duplicate:
		e.metrics.IncSettlement(kind, metrics.OutcomeDuplicate)
		e.warn(ctx, "settlement.duplicate")
		return result, nil
	case err == nil:
		e.metrics.IncSettlement(kind, metrics.OutcomeProcessed)
		if e.logg != nil {
			e.logg.Info(e.logg.WithField(ctx, "user_id", result.UserID), "settlement.applied")
		}
		return result, nil
	case errors.Is(err, errIgnored):
		result.Ignored = true
		e.metrics.IncSettlement(kind, metrics.OutcomeIgnored)
		e.warn(ctx, "settlement.ignored")
		return result, nil
	}

	e.metrics.IncSettlement(kind, metrics.OutcomeFailed)
	if typed := pkgerrors.As(err); typed != nil {
		return nil, typed
	}
	if db.IsTransactionConflict(err) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTransactionConflict, err, "settlement transaction conflicted")
	}
	if e.logg != nil {
		e.logg.Error(ctx, "settlement.failed", err)
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "apply settlement")
}

func (e *Engine) warn(ctx context.Context, msg string) {
	if e.logg != nil {
		e.logg.Warn(ctx, msg)
	}
}

type applier struct {
	engine *Engine
	tx     *gorm.DB
	repo   ledger.Repository
	now    time.Time
	event  Event
	result *Result
}

func (a *applier) apply(ctx context.Context) error {
	switch ev := a.event.(type) {
	case CreditsPurchased:
		return a.creditsPurchased(ctx, ev)
	case SubscriptionStarted:
		return a.subscriptionStarted(ctx, ev)
	case SubscriptionUpdated:
		return a.subscriptionUpdated(ctx, ev)
	case SubscriptionCanceled:
		return a.subscriptionCanceled(ctx, ev)
	case SubscriptionRenewed:
		return a.subscriptionRenewed(ctx, ev)
	case PaymentFailed:
		return a.paymentFailed(ctx, ev)
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported settlement event %T", a.event))
	}
}

// claim records the settlement key for userID. It returns false when an
// earlier delivery already settled the key.
func (a *applier) claim(ctx context.Context, userID string) (bool, error) {
	a.result.UserID = userID
	origin := a.event.Origin()
	claimed, err := a.repo.ClaimSettlement(ctx, &models.SettledEvent{
		SettlementKey: a.result.SettlementKey,
		EventID:       origin.EventID,
		EventType:     origin.EventType,
		UserID:        userID,
		CreatedAt:     a.now,
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		a.result.Duplicate = true
	}
	return claimed, nil
}

func (a *applier) creditsPurchased(ctx context.Context, ev CreditsPurchased) error {
	if ok, err := a.claim(ctx, ev.UserID); err != nil || !ok {
		return err
	}
	if _, err := a.repo.IncrementBalance(ctx, ev.UserID, ev.Credits); err != nil {
		return err
	}
	credits := ev.Credits
	if err := a.repo.AppendPayment(ctx, &models.PaymentRecord{
		UserID:        ev.UserID,
		TransactionID: ev.SessionID,
		Amount:        amountFromCents(ev.AmountCents),
		Currency:      currencyOrDefault(ev.Currency),
		Credits:       &credits,
		Kind:          enums.PaymentKindCredits,
		Status:        enums.PaymentStatusSucceeded,
		CreatedAt:     a.now,
	}); err != nil {
		return err
	}
	return a.emitBalanceChanged(ctx, ev.UserID)
}

func (a *applier) subscriptionStarted(ctx context.Context, ev SubscriptionStarted) error {
	pages := ev.PagesPerMonth
	if !ev.TierID.Negotiated() {
		tier, ok := a.engine.catalog.Tier(ev.TierID)
		if !ok {
			return pkgerrors.New(pkgerrors.CodeMissingMetadata, "tierId is not in the catalog").
				WithDetails(map[string]any{"tierId": ev.TierID})
		}
		pages = tier.PagesPerMonth
	}

	if ok, err := a.claim(ctx, ev.UserID); err != nil || !ok {
		return err
	}

	start, end := ledger.NextPeriod(a.now)
	sub := &models.Subscription{
		UserID:             ev.UserID,
		TierID:             ev.TierID,
		Status:             enums.SubscriptionStatusActive,
		PagesPerMonth:      pages,
		PagesUsedThisMonth: 0,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}
	merge := map[string]any{
		"tier_id":               ev.TierID,
		"status":                enums.SubscriptionStatusActive,
		"pages_per_month":       pages,
		"pages_used_this_month": int64(0),
		"current_period_start":  start,
		"current_period_end":    end,
		"cancel_at_period_end":  false,
	}
	if ev.CustomerID != "" {
		customer := ev.CustomerID
		sub.StripeCustomerID = &customer
		merge["stripe_customer_id"] = customer
	}
	if ev.SubscriptionID != "" {
		subID := ev.SubscriptionID
		sub.StripeSubscriptionID = &subID
		merge["stripe_subscription_id"] = subID
	}
	if err := a.repo.UpsertSubscription(ctx, sub, merge); err != nil {
		return err
	}

	tierID := ev.TierID
	if err := a.repo.AppendPayment(ctx, &models.PaymentRecord{
		UserID:        ev.UserID,
		TransactionID: ev.SessionID,
		Amount:        amountFromCents(ev.AmountCents),
		Currency:      currencyOrDefault(ev.Currency),
		TierID:        &tierID,
		Kind:          enums.PaymentKindSubscription,
		Status:        enums.PaymentStatusSucceeded,
		CreatedAt:     a.now,
	}); err != nil {
		return err
	}
	return a.emitBalanceChanged(ctx, ev.UserID)
}

// locate finds the subscription row an event refers to, preferring the
// processor subscription id. A user's row attached to a different processor
// subscription, or downgraded after that subscription ended, is stale. A row
// never attached to one is not returned: the subscription has not been
// started locally yet and the event must be redelivered.
func (a *applier) locate(ctx context.Context, subscriptionID, userID string) (*models.Subscription, bool, error) {
	sub, err := a.repo.FindSubscriptionByStripeID(ctx, subscriptionID, true)
	if err != nil || sub != nil {
		return sub, false, err
	}
	if userID == "" {
		return nil, false, nil
	}
	sub, err = a.repo.GetSubscription(ctx, userID, true)
	if err != nil || sub == nil || subscriptionID == "" {
		return sub, false, err
	}
	if sub.StripeSubscriptionID != nil {
		return nil, true, nil
	}
	ended, err := a.repo.IsSettled(ctx, endedKey(subscriptionID))
	if err != nil {
		return nil, false, err
	}
	return nil, ended, nil
}

// endedKey marks a processor subscription as ended for good.
func endedKey(subscriptionID string) string {
	return "subscription_ended:" + subscriptionID
}

func (a *applier) subscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) error {
	sub, stale, err := a.locate(ctx, ev.SubscriptionID, ev.UserID)
	if err != nil {
		return err
	}
	if stale {
		return errIgnored
	}
	if sub == nil {
		return pkgerrors.New(pkgerrors.CodeMissingMetadata, "no subscription matches update").
			WithDetails(map[string]any{"subscriptionId": ev.SubscriptionID})
	}
	if ok, err := a.claim(ctx, sub.UserID); err != nil || !ok {
		return err
	}

	fields := map[string]any{
		"status":               ev.Status,
		"cancel_at_period_end": ev.CancelAtPeriodEnd,
		"updated_at":           a.now,
	}
	if !ev.CurrentPeriodStart.IsZero() {
		fields["current_period_start"] = ev.CurrentPeriodStart.UTC()
	}
	if !ev.CurrentPeriodEnd.IsZero() {
		fields["current_period_end"] = ev.CurrentPeriodEnd.UTC()
	}
	if ev.TierID.IsPaid() && !ev.TierID.Negotiated() {
		if tier, ok := a.engine.catalog.Tier(ev.TierID); ok {
			fields["tier_id"] = tier.ID
			fields["pages_per_month"] = tier.PagesPerMonth
		}
	}
	if err := a.repo.UpdateSubscription(ctx, sub.UserID, fields); err != nil {
		return err
	}
	return a.emitBalanceChanged(ctx, sub.UserID)
}

func (a *applier) subscriptionCanceled(ctx context.Context, ev SubscriptionCanceled) error {
	sub, _, err := a.locate(ctx, ev.SubscriptionID, ev.UserID)
	if err != nil {
		return err
	}
	if sub == nil || (sub.TierID == enums.TierFree && sub.StripeSubscriptionID == nil) {
		return errIgnored
	}
	if ok, err := a.claim(ctx, sub.UserID); err != nil || !ok {
		return err
	}
	subscriptionID := ev.SubscriptionID
	if subscriptionID == "" && sub.StripeSubscriptionID != nil {
		subscriptionID = *sub.StripeSubscriptionID
	}
	if subscriptionID != "" {
		origin := ev.Origin()
		if _, err := a.repo.ClaimSettlement(ctx, &models.SettledEvent{
			SettlementKey: endedKey(subscriptionID),
			EventID:       origin.EventID,
			EventType:     origin.EventType,
			UserID:        sub.UserID,
			CreatedAt:     a.now,
		}); err != nil {
			return err
		}
	}

	start, end := ledger.NextPeriod(a.now)
	if err := a.repo.UpdateSubscription(ctx, sub.UserID, map[string]any{
		"tier_id":                enums.TierFree,
		"status":                 enums.SubscriptionStatusActive,
		"pages_per_month":        catalog.FreeTierPages,
		"pages_used_this_month":  int64(0),
		"current_period_start":   start,
		"current_period_end":     end,
		"cancel_at_period_end":   false,
		"stripe_subscription_id": nil,
		"updated_at":             a.now,
	}); err != nil {
		return err
	}
	return a.emitBalanceChanged(ctx, sub.UserID)
}

func (a *applier) subscriptionRenewed(ctx context.Context, ev SubscriptionRenewed) error {
	sub, stale, err := a.locate(ctx, ev.SubscriptionID, ev.UserID)
	if err != nil {
		return err
	}
	if stale {
		return errIgnored
	}
	if sub == nil {
		return pkgerrors.New(pkgerrors.CodeMissingMetadata, "no subscription matches renewal").
			WithDetails(map[string]any{"subscriptionId": ev.SubscriptionID})
	}
	if ok, err := a.claim(ctx, sub.UserID); err != nil || !ok {
		return err
	}

	start, end := ev.PeriodStart.UTC(), ev.PeriodEnd.UTC()
	if ev.PeriodStart.IsZero() || !ev.PeriodEnd.After(ev.PeriodStart) {
		start, end = ledger.NextPeriod(a.now)
	}
	if err := a.repo.UpdateSubscription(ctx, sub.UserID, map[string]any{
		"status":                enums.SubscriptionStatusActive,
		"pages_used_this_month": int64(0),
		"current_period_start":  start,
		"current_period_end":    end,
		"updated_at":            a.now,
	}); err != nil {
		return err
	}

	tierID := sub.TierID
	if err := a.repo.AppendPayment(ctx, &models.PaymentRecord{
		UserID:        sub.UserID,
		TransactionID: ev.InvoiceID,
		Amount:        amountFromCents(ev.AmountCents),
		Currency:      currencyOrDefault(ev.Currency),
		TierID:        &tierID,
		Kind:          enums.PaymentKindRenewal,
		Status:        enums.PaymentStatusSucceeded,
		CreatedAt:     a.now,
	}); err != nil {
		return err
	}
	return a.emitBalanceChanged(ctx, sub.UserID)
}

func (a *applier) paymentFailed(ctx context.Context, ev PaymentFailed) error {
	userID := ev.UserID
	var sub *models.Subscription
	if ev.SubscriptionID != "" {
		found, err := a.repo.FindSubscriptionByStripeID(ctx, ev.SubscriptionID, true)
		if err != nil {
			return err
		}
		sub = found
		if userID == "" && sub != nil {
			userID = sub.UserID
		}
	}
	if userID == "" {
		return errIgnored
	}
	if ok, err := a.claim(ctx, userID); err != nil || !ok {
		return err
	}

	amount := amountFromCents(ev.AmountCents)
	if err := a.repo.AppendPayment(ctx, &models.PaymentRecord{
		UserID:        userID,
		TransactionID: ev.TransactionID,
		Amount:        amount,
		Currency:      currencyOrDefault(ev.Currency),
		Kind:          enums.PaymentKindFailure,
		Status:        enums.PaymentStatusFailed,
		CreatedAt:     a.now,
	}); err != nil {
		return err
	}
	if sub != nil && sub.UserID == userID && sub.Status == enums.SubscriptionStatusActive {
		if err := a.repo.UpdateSubscription(ctx, userID, map[string]any{
			"status":     enums.SubscriptionStatusPastDue,
			"updated_at": a.now,
		}); err != nil {
			return err
		}
	}

	if err := a.engine.outbox.Emit(ctx, a.tx, payloads.PaymentFailedEvent{
		UserID:         userID,
		TransactionID:  ev.TransactionID,
		SubscriptionID: ev.SubscriptionID,
		Amount:         amount.StringFixed(2),
		Currency:       currencyOrDefault(ev.Currency),
		Reason:         ev.Reason,
	}, a.now); err != nil {
		return err
	}
	return a.snapshot(ctx, userID)
}

// snapshot loads the post-settlement balance into the result.
func (a *applier) snapshot(ctx context.Context, userID string) error {
	_, err := a.breakdown(ctx, userID)
	return err
}

func (a *applier) breakdown(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := a.repo.GetSubscription(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	bal, err := a.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	a.result.Breakdown = ledger.Effective(sub, bal.Balance)
	return sub, nil
}

func (a *applier) emitBalanceChanged(ctx context.Context, userID string) error {
	sub, err := a.breakdown(ctx, userID)
	if err != nil {
		return err
	}
	data := payloads.BalanceChangedEvent{
		UserID:         userID,
		Reason:         string(a.event.Kind()),
		SettlementKey:  a.result.SettlementKey,
		CreditBalance:  a.result.Breakdown.CreditBalance,
		PagesRemaining: a.result.Breakdown.Total,
	}
	if sub != nil {
		end := sub.CurrentPeriodEnd
		data.TierID = sub.TierID
		data.Status = sub.Status
		data.PagesPerMonth = sub.PagesPerMonth
		data.CurrentPeriodEnd = &end
	}
	return a.engine.outbox.Emit(ctx, a.tx, data, a.now)
}

// amountFromCents converts minor units to a two-decimal amount.
func amountFromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return "usd"
	}
	return currency
}
