// Package balance answers how many pages a user can spend and draws pages
// down when a conversion completes.
package balance

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	"github.com/angelmondragon/pdf2md-billing/internal/ledger"
	"github.com/angelmondragon/pdf2md-billing/pkg/db"
	"github.com/angelmondragon/pdf2md-billing/pkg/db/models"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
	"github.com/angelmondragon/pdf2md-billing/pkg/pagination"
)

const maxDocumentName = 255

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	Repo              ledger.Repository
	TransactionRunner txRunner
	Metrics           *metrics.BillingMetrics
	Logger            *logger.Logger
	Clock             func() time.Time
}

type Service struct {
	repo     ledger.Repository
	txRunner txRunner
	metrics  *metrics.BillingMetrics
	logg     *logger.Logger
	now      func() time.Time
}

// Summary is the caller's spendable pages and subscription state.
type Summary struct {
	PagesRemaining             int64                    `json:"pagesRemaining"`
	SubscriptionPagesRemaining int64                    `json:"subscriptionPagesRemaining"`
	CreditBalance              int64                    `json:"creditBalance"`
	TierID                     enums.TierID             `json:"tierId"`
	Status                     enums.SubscriptionStatus `json:"status"`
	PagesPerMonth              int64                    `json:"pagesPerMonth"`
	PagesUsedThisMonth         int64                    `json:"pagesUsedThisMonth"`
	CurrentPeriodEnd           time.Time                `json:"currentPeriodEnd"`
	CancelAtPeriodEnd          bool                     `json:"cancelAtPeriodEnd"`
}

type CreditBalance struct {
	Balance     int64      `json:"balance"`
	LastUpdated *time.Time `json:"lastUpdated"`
}

// Consumption reports how a page draw was split between sources.
type Consumption struct {
	Pages            int64 `json:"pages"`
	FromSubscription int64 `json:"fromSubscription"`
	FromCredits      int64 `json:"fromCredits"`
	PagesRemaining   int64 `json:"pagesRemaining"`
}

type PaymentEntry struct {
	ID            string              `json:"id"`
	TransactionID string              `json:"transactionId"`
	Amount        string              `json:"amount"`
	Currency      string              `json:"currency"`
	Credits       *int64              `json:"credits,omitempty"`
	TierID        *enums.TierID       `json:"tierId,omitempty"`
	Kind          enums.PaymentKind   `json:"kind"`
	Status        enums.PaymentStatus `json:"status"`
	CreatedAt     time.Time           `json:"createdAt"`

	cursor pagination.Cursor
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repo required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	now := params.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:     params.Repo,
		txRunner: params.TransactionRunner,
		metrics:  params.Metrics,
		logg:     params.Logger,
		now:      now,
	}, nil
}

// PagesRemaining returns the active allotment left plus the credit balance.
func (s *Service) PagesRemaining(ctx context.Context, userID string) (int64, error) {
	summary, err := s.Summary(ctx, userID)
	if err != nil {
		return 0, err
	}
	return summary.PagesRemaining, nil
}

// Summary reads the caller's balance. A user seen for the first time gets a
// free-tier row, and a lapsed free period is rolled forward.
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	var summary *Summary
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := s.ensureSubscription(ctx, repo, userID, false)
		if err != nil {
			return err
		}
		bal, err := repo.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		summary = summarize(sub, bal.Balance)
		return nil
	})
	if err != nil {
		return nil, mapError(err, "load balance")
	}
	return summary, nil
}

func (s *Service) Credits(ctx context.Context, userID string) (*CreditBalance, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	bal, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, mapError(err, "load credit balance")
	}
	out := &CreditBalance{Balance: bal.Balance}
	if !bal.LastUpdated.IsZero() {
		updated := bal.LastUpdated.UTC()
		out.LastUpdated = &updated
	}
	return out, nil
}

// ConsumePages draws pages from the active allotment first and from credits
// after that. Nothing is written when the total is insufficient.
func (s *Service) ConsumePages(ctx context.Context, userID string, pages int64, documentName string) (*Consumption, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if pages <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "pages must be positive").
			WithDetails(map[string]any{"pages": pages})
	}
	documentName = strings.TrimSpace(documentName)
	if len(documentName) > maxDocumentName {
		documentName = documentName[:maxDocumentName]
	}

	var out *Consumption
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		now := s.now()

		sub, err := s.ensureSubscription(ctx, repo, userID, true)
		if err != nil {
			return err
		}
		bal, err := repo.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		before := ledger.Effective(sub, bal.Balance)
		if before.Total < pages {
			return insufficient(pages, before.Total)
		}

		fromSub := pages
		if fromSub > before.SubscriptionRemaining {
			fromSub = before.SubscriptionRemaining
		}
		fromCredits := pages - fromSub

		if fromSub > 0 {
			if err := repo.UpdateSubscription(ctx, userID, map[string]any{
				"pages_used_this_month": gorm.Expr("pages_used_this_month + ?", fromSub),
				"updated_at":            now,
			}); err != nil {
				return err
			}
			if err := repo.RecordUsage(ctx, &models.PageUsage{
				UserID: userID, Pages: fromSub, Source: enums.UsageSourceSubscription, DocumentName: documentName, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if fromCredits > 0 {
			if err := repo.DecrementBalance(ctx, userID, fromCredits); err != nil {
				if errors.Is(err, ledger.ErrInsufficientCredits) {
					return insufficient(pages, before.Total)
				}
				return err
			}
			if err := repo.RecordUsage(ctx, &models.PageUsage{
				UserID: userID, Pages: fromCredits, Source: enums.UsageSourceCredits, DocumentName: documentName, CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		out = &Consumption{
			Pages:            pages,
			FromSubscription: fromSub,
			FromCredits:      fromCredits,
			PagesRemaining:   before.Total - pages,
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err, "consume pages")
	}

	s.metrics.AddPagesConsumed(string(enums.UsageSourceSubscription), out.FromSubscription)
	s.metrics.AddPagesConsumed(string(enums.UsageSourceCredits), out.FromCredits)
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"user_id":           userID,
			"pages":             pages,
			"from_subscription": out.FromSubscription,
			"from_credits":      out.FromCredits,
		})
		s.logg.Info(logCtx, "balance.pages_consumed")
	}
	return out, nil
}

// PaymentHistory returns one page of the caller's payment records, newest
// first.
func (s *Service) PaymentHistory(ctx context.Context, userID string, params pagination.Params) (*pagination.Page[PaymentEntry], error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	after, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListPayments(ctx, userID, after, pagination.LimitWithBuffer(params.Limit))
	if err != nil {
		return nil, mapError(err, "list payments")
	}
	entries := make([]PaymentEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, PaymentEntry{
			ID:            row.ID.String(),
			TransactionID: row.TransactionID,
			Amount:        row.Amount.StringFixed(2),
			Currency:      row.Currency,
			Credits:       row.Credits,
			TierID:        row.TierID,
			Kind:          row.Kind,
			Status:        row.Status,
			CreatedAt:     row.CreatedAt.UTC(),
			cursor:        pagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID},
		})
	}
	page := pagination.Split(entries, params.Limit, func(e PaymentEntry) pagination.Cursor { return e.cursor })
	return &page, nil
}

func (s *Service) ensureSubscription(ctx context.Context, repo ledger.Repository, userID string, forUpdate bool) (*models.Subscription, error) {
	now := s.now()
	sub, err := repo.GetSubscription(ctx, userID, forUpdate)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		start, end := ledger.NextPeriod(now)
		if _, err := repo.CreateSubscriptionIfAbsent(ctx, &models.Subscription{
			UserID:             userID,
			TierID:             enums.TierFree,
			Status:             enums.SubscriptionStatusActive,
			PagesPerMonth:      catalog.FreeTierPages,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   end,
		}); err != nil {
			return nil, err
		}
		if sub, err = repo.GetSubscription(ctx, userID, forUpdate); err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription row missing after create")
		}
	}

	// free users get no renewal webhook
	if sub.TierID == enums.TierFree && ledger.PeriodExpired(sub, now) {
		rolled, err := repo.RollFreePeriod(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		if rolled {
			sub.PagesUsedThisMonth = 0
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd = ledger.NextPeriod(now)
		} else if sub, err = repo.GetSubscription(ctx, userID, forUpdate); err != nil {
			return nil, err
		} else if sub == nil {
			return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription row missing after roll")
		}
	}
	return sub, nil
}

func summarize(sub *models.Subscription, creditBalance int64) *Summary {
	b := ledger.Effective(sub, creditBalance)
	return &Summary{
		PagesRemaining:             b.Total,
		SubscriptionPagesRemaining: b.SubscriptionRemaining,
		CreditBalance:              b.CreditBalance,
		TierID:                     sub.TierID,
		Status:                     sub.Status,
		PagesPerMonth:              sub.PagesPerMonth,
		PagesUsedThisMonth:         sub.PagesUsedThisMonth,
		CurrentPeriodEnd:           sub.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:          sub.CancelAtPeriodEnd,
	}
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user id required")
	}
	return nil
}

func insufficient(requested, available int64) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientPages, "not enough pages remaining").
		WithDetails(map[string]any{"requested": requested, "available": available})
}

func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	switch {
	case db.IsTransactionConflict(err):
		return pkgerrors.Wrap(pkgerrors.CodeTransactionConflict, err, msg)
	case db.IsCheckViolation(err):
		return pkgerrors.Wrap(pkgerrors.CodeInsufficientPages, err, msg)
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}
