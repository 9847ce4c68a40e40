package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"

	"github.com/angelmondragon/pdf2md-billing/internal/settlement"
	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
)

const (
	defaultReconcileLimit = 250
	defaultReconcileGrace = 48 * time.Hour
	reconcileEventType    = "cron.subscription_reconcile"
)

type staleSubscriptionLister interface {
	ListStalePaidSubscriptions(ctx context.Context, periodEndBefore time.Time, limit int) ([]models.Subscription, error)
}

type subscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

type subscriptionConverter interface {
	FromSubscription(src settlement.Source, sub *stripe.Subscription, deleted bool) settlement.Event
}

type settlementApplier interface {
	Apply(ctx context.Context, ev settlement.Event) (*settlement.Result, error)
}

// SubscriptionReconcileJobParams configures the subscription sync cron job.
type SubscriptionReconcileJobParams struct {
	Logger    *logger.Logger
	Repo      staleSubscriptionLister
	Stripe    subscriptionFetcher
	Converter subscriptionConverter
	Engine    settlementApplier
	Limit     int
	Grace     time.Duration
	Now       func() time.Time
}

// NewSubscriptionReconcileJob builds a job that re-reads paid subscriptions
// whose period ended without a renewal or cancel webhook arriving.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Stripe == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	if params.Converter == nil {
		return nil, fmt.Errorf("subscription converter required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("settlement engine required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	grace := params.Grace
	if grace <= 0 {
		grace = defaultReconcileGrace
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &subscriptionReconcileJob{
		logg:      params.Logger,
		repo:      params.Repo,
		stripe:    params.Stripe,
		converter: params.Converter,
		engine:    params.Engine,
		now:       now,
		limit:     limit,
		grace:     grace,
	}, nil
}

type subscriptionReconcileJob struct {
	logg      *logger.Logger
	repo      staleSubscriptionLister
	stripe    subscriptionFetcher
	converter subscriptionConverter
	engine    settlementApplier
	now       func() time.Time
	limit     int
	grace     time.Duration
}

func (j *subscriptionReconcileJob) Name() string { return metrics.JobSubscriptionReconcile }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	stale, err := j.repo.ListStalePaidSubscriptions(ctx, now.Add(-j.grace), j.limit)
	if err != nil {
		return fmt.Errorf("list stale subscriptions: %w", err)
	}
	var errs error
	synced, duplicates := 0, 0
	for i := range stale {
		res, err := j.reconcile(ctx, now, &stale[i])
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if res != nil && res.Duplicate {
			duplicates++
			continue
		}
		synced++
	}
	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(stale),
		"synced":     synced,
		"duplicates": duplicates,
		"failed":     len(multierr.Errors(errs)),
	})
	j.logg.Info(reportCtx, "subscription reconcile loop complete")
	return errs
}

func (j *subscriptionReconcileJob) reconcile(ctx context.Context, now time.Time, sub *models.Subscription) (*settlement.Result, error) {
	if sub.StripeSubscriptionID == nil || strings.TrimSpace(*sub.StripeSubscriptionID) == "" {
		return nil, nil
	}
	subID := strings.TrimSpace(*sub.StripeSubscriptionID)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"user_id":                sub.UserID,
		"stripe_subscription_id": subID,
	})

	src := settlement.Source{
		EventID:   fmt.Sprintf("reconcile:%s:%s", subID, now.Format("2006-01-02")),
		EventType: reconcileEventType,
	}

	var ev settlement.Event
	remote, err := j.stripe.GetSubscription(logCtx, subID)
	switch {
	case isResourceMissing(err):
		ev = settlement.SubscriptionCanceled{Source: src, SubscriptionID: subID, UserID: sub.UserID}
	case err != nil:
		return nil, fmt.Errorf("fetch stripe subscription %s: %w", subID, err)
	default:
		ev = j.converter.FromSubscription(src, remote, false)
	}

	res, err := j.engine.Apply(logCtx, ev)
	if err != nil {
		return nil, fmt.Errorf("apply reconciled subscription %s: %w", subID, err)
	}
	j.logg.Info(j.logg.WithField(logCtx, "kind", res.Kind), "subscription reconciled")
	return res, nil
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing
}
