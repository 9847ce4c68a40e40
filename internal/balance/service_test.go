package balance_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/pdf2md-billing/internal/balance"
	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	"github.com/angelmondragon/pdf2md-billing/internal/ledger"
	"github.com/angelmondragon/pdf2md-billing/internal/ledger/ledgertest"
	"github.com/angelmondragon/pdf2md-billing/pkg/db"
	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
	"github.com/angelmondragon/pdf2md-billing/pkg/pagination"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	conn *gorm.DB
	repo ledger.Repository
	svc  *balance.Service
	now  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := ledgertest.Open(t)
	repo := ledger.NewRepository(conn)
	h := &harness{conn: conn, repo: repo, now: fixedNow}
	svc, err := balance.NewService(balance.ServiceParams{
		Repo:              repo,
		TransactionRunner: db.FromGorm(conn),
		Metrics:           metrics.NewBillingMetrics(prometheus.NewRegistry()),
		Logger:            logger.New(logger.Options{ServiceName: "balance-test", Output: io.Discard}),
		Clock:             func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) seedSubscription(t *testing.T, sub models.Subscription) {
	t.Helper()
	if sub.CurrentPeriodStart.IsZero() {
		sub.CurrentPeriodStart = fixedNow.Add(-24 * time.Hour)
		sub.CurrentPeriodEnd = sub.CurrentPeriodStart.Add(ledger.BillingPeriod)
	}
	require.NoError(t, h.conn.Create(&sub).Error)
}

func (h *harness) seedCredits(t *testing.T, userID string, credits int64) {
	t.Helper()
	_, err := h.repo.IncrementBalance(context.Background(), userID, credits)
	require.NoError(t, err)
}

func TestSummaryMaterialisesFreeTier(t *testing.T) {
	h := newHarness(t)

	summary, err := h.svc.Summary(context.Background(), "new-user")
	require.NoError(t, err)
	assert.Equal(t, enums.TierFree, summary.TierID)
	assert.Equal(t, enums.SubscriptionStatusActive, summary.Status)
	assert.Equal(t, catalog.FreeTierPages, summary.PagesPerMonth)
	assert.Equal(t, catalog.FreeTierPages, summary.PagesRemaining)
	assert.True(t, fixedNow.Add(ledger.BillingPeriod).Equal(summary.CurrentPeriodEnd), "period end %s", summary.CurrentPeriodEnd)

	var rows int64
	require.NoError(t, h.conn.Model(&models.Subscription{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)

	_, err = h.svc.Summary(context.Background(), "new-user")
	require.NoError(t, err)
	require.NoError(t, h.conn.Model(&models.Subscription{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows, "second read must not create another row")
}

func TestPagesRemainingAddsCreditsToActiveAllotment(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription(t, models.Subscription{
		UserID: "u1", TierID: enums.TierStandard, Status: enums.SubscriptionStatusActive,
		PagesPerMonth: 100, PagesUsedThisMonth: 30,
	})
	h.seedCredits(t, "u1", 25)

	pages, err := h.svc.PagesRemaining(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 95, pages)
}

func TestPagesRemainingIgnoresInactiveAllotment(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription(t, models.Subscription{
		UserID: "u1", TierID: enums.TierPremium, Status: enums.SubscriptionStatusPastDue,
		PagesPerMonth: 500,
	})
	h.seedCredits(t, "u1", 12)

	pages, err := h.svc.PagesRemaining(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 12, pages)
}

func TestPagesRemainingNeverNegative(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription(t, models.Subscription{
		UserID: "u1", TierID: enums.TierStandard, Status: enums.SubscriptionStatusActive,
		PagesPerMonth: 100, PagesUsedThisMonth: 140,
	})

	pages, err := h.svc.PagesRemaining(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, pages)
}

func TestSummaryRollsLapsedFreePeriod(t *testing.T) {
	h := newHarness(t)
	start := fixedNow.Add(-45 * 24 * time.Hour)
	h.seedSubscription(t, models.Subscription{
		UserID: "u1", TierID: enums.TierFree, Status: enums.SubscriptionStatusActive,
		PagesPerMonth: catalog.FreeTierPages, PagesUsedThisMonth: catalog.FreeTierPages,
		CurrentPeriodStart: start, CurrentPeriodEnd: start.Add(ledger.BillingPeriod),
	})

	summary, err := h.svc.Summary(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, summary.PagesUsedThisMonth)
	assert.Equal(t, catalog.FreeTierPages, summary.PagesRemaining)
	assert.True(t, fixedNow.Add(ledger.BillingPeriod).Equal(summary.CurrentPeriodEnd), "period end %s", summary.CurrentPeriodEnd)
}

func TestConsumePagesDrawsAllotmentThenCredits(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription(t, models.Subscription{
		UserID: "u1", TierID: enums.TierStandard, Status: enums.SubscriptionStatusActive,
		PagesPerMonth: 100, PagesUsedThisMonth: 95,
	})
	h.seedCredits(t, "u1", 10)

	got, err := h.svc.ConsumePages(context.Background(), "u1", 8, "report.pdf")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.FromSubscription)
	assert.EqualValues(t, 3, got.FromCredits)
	assert.EqualValues(t, 7, got.PagesRemaining)

	sub, err := h.repo.GetSubscription(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.EqualValues(t, 100, sub.PagesUsedThisMonth)
	bal, err := h.repo.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 7, bal.Balance)

	var usage []models.PageUsage
	require.NoError(t, h.conn.Order("source").Find(&usage).Error)
	require.Len(t, usage, 2)
	assert.Equal(t, enums.UsageSourceCredits, usage[0].Source)
	assert.EqualValues(t, 3, usage[0].Pages)
	assert.Equal(t, enums.UsageSourceSubscription, usage[1].Source)
	assert.EqualValues(t, 5, usage[1].Pages)
	assert.Equal(t, "report.pdf", usage[1].DocumentName)
}

func TestConsumePagesInsufficientWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription(t, models.Subscription{
		UserID: "u1", TierID: enums.TierStandard, Status: enums.SubscriptionStatusActive,
		PagesPerMonth: 100, PagesUsedThisMonth: 98,
	})
	h.seedCredits(t, "u1", 1)

	_, err := h.svc.ConsumePages(context.Background(), "u1", 4, "big.pdf")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientPages))

	sub, err := h.repo.GetSubscription(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.EqualValues(t, 98, sub.PagesUsedThisMonth)
	bal, err := h.repo.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, bal.Balance)

	var usage int64
	require.NoError(t, h.conn.Model(&models.PageUsage{}).Count(&usage).Error)
	assert.Zero(t, usage)
}

func TestConsumePagesRejectsNonPositive(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ConsumePages(context.Background(), "u1", 0, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestConsumePagesFirstUseDrawsFreeTier(t *testing.T) {
	h := newHarness(t)
	got, err := h.svc.ConsumePages(context.Background(), "fresh", 4, "a.pdf")
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.FromSubscription)
	assert.EqualValues(t, catalog.FreeTierPages-4, got.PagesRemaining)
}

func TestCreditsReportsZeroForUnknownUser(t *testing.T) {
	h := newHarness(t)
	got, err := h.svc.Credits(context.Background(), "nobody")
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.Balance)
	assert.Nil(t, got.LastUpdated)

	h.seedCredits(t, "buyer", 100)
	got, err = h.svc.Credits(context.Background(), "buyer")
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.Balance)
	assert.NotNil(t, got.LastUpdated)
}

func TestPaymentHistoryNewestFirst(t *testing.T) {
	h := newHarness(t)
	credits := int64(100)
	for i, tx := range []string{"cs_old", "cs_new"} {
		require.NoError(t, h.repo.AppendPayment(context.Background(), &models.PaymentRecord{
			UserID:        "u1",
			TransactionID: tx,
			Amount:        decimal.New(500, -2),
			Currency:      "usd",
			Credits:       &credits,
			Kind:          enums.PaymentKindCredits,
			Status:        enums.PaymentStatusSucceeded,
			CreatedAt:     fixedNow.Add(time.Duration(i) * time.Hour),
		}))
	}

	page, err := h.svc.PaymentHistory(context.Background(), "u1", pagination.Params{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "cs_new", page.Items[0].TransactionID)
	assert.Equal(t, "5.00", page.Items[0].Amount)
	assert.Equal(t, "cs_old", page.Items[1].TransactionID)
	assert.Empty(t, page.NextCursor)
}

func TestPaymentHistoryCursorPages(t *testing.T) {
	h := newHarness(t)
	for i, tx := range []string{"pi_1", "pi_2", "pi_3"} {
		require.NoError(t, h.repo.AppendPayment(context.Background(), &models.PaymentRecord{
			UserID:        "u1",
			TransactionID: tx,
			Amount:        decimal.New(100, -2),
			Currency:      "usd",
			Kind:          enums.PaymentKindFailure,
			Status:        enums.PaymentStatusFailed,
			CreatedAt:     fixedNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	first, err := h.svc.PaymentHistory(context.Background(), "u1", pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "pi_3", first.Items[0].TransactionID)
	require.NotEmpty(t, first.NextCursor)

	second, err := h.svc.PaymentHistory(context.Background(), "u1", pagination.Params{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "pi_1", second.Items[0].TransactionID)
	assert.Empty(t, second.NextCursor)
}

func TestPaymentHistoryRejectsBadCursor(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.PaymentHistory(context.Background(), "u1", pagination.Params{Cursor: "%%%"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestServiceRequiresUser(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Summary(context.Background(), " ")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized))
}

// interleavingRepo runs a write after the first unlocked subscription read,
// as a concurrent request committing between read and write would.
type interleavingRepo struct {
	ledger.Repository
	hook *func(repo ledger.Repository)
}

func (r interleavingRepo) WithTx(tx *gorm.DB) ledger.Repository {
	return interleavingRepo{Repository: r.Repository.WithTx(tx), hook: r.hook}
}

func (r interleavingRepo) GetSubscription(ctx context.Context, userID string, forUpdate bool) (*models.Subscription, error) {
	sub, err := r.Repository.GetSubscription(ctx, userID, forUpdate)
	if err == nil && !forUpdate && *r.hook != nil {
		fn := *r.hook
		*r.hook = nil
		fn(r.Repository)
	}
	return sub, err
}

func TestSummaryRollKeepsConcurrentUsage(t *testing.T) {
	conn := ledgertest.Open(t)
	start := fixedNow.Add(-45 * 24 * time.Hour)
	require.NoError(t, conn.Create(&models.Subscription{
		UserID: "u1", TierID: enums.TierFree, Status: enums.SubscriptionStatusActive,
		PagesPerMonth: catalog.FreeTierPages, PagesUsedThisMonth: catalog.FreeTierPages,
		CurrentPeriodStart: start, CurrentPeriodEnd: start.Add(ledger.BillingPeriod),
	}).Error)

	ctx := context.Background()
	hook := func(repo ledger.Repository) {
		rolled, err := repo.RollFreePeriod(ctx, "u1", fixedNow)
		require.NoError(t, err)
		require.True(t, rolled)
		require.NoError(t, repo.UpdateSubscription(ctx, "u1", map[string]any{
			"pages_used_this_month": gorm.Expr("pages_used_this_month + ?", 5),
		}))
	}
	repo := interleavingRepo{Repository: ledger.NewRepository(conn), hook: &hook}
	svc, err := balance.NewService(balance.ServiceParams{
		Repo:              repo,
		TransactionRunner: db.FromGorm(conn),
		Clock:             func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	summary, err := svc.Summary(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, summary.PagesUsedThisMonth)
	assert.EqualValues(t, catalog.FreeTierPages-5, summary.PagesRemaining)

	var stored models.Subscription
	require.NoError(t, conn.Where("user_id = ?", "u1").First(&stored).Error)
	assert.EqualValues(t, 5, stored.PagesUsedThisMonth)
}
