package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/pdf2md-billing/api/responses"
	"github.com/angelmondragon/pdf2md-billing/api/validators"
	"github.com/angelmondragon/pdf2md-billing/internal/balance"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/pagination"
)

const (
	maxDocumentNameLen = 255
	maxCursorLen       = 128
)

type BalanceService interface {
	PagesRemaining(ctx context.Context, userID string) (int64, error)
	Summary(ctx context.Context, userID string) (*balance.Summary, error)
	Credits(ctx context.Context, userID string) (*balance.CreditBalance, error)
	ConsumePages(ctx context.Context, userID string, pages int64, documentName string) (*balance.Consumption, error)
	PaymentHistory(ctx context.Context, userID string, params pagination.Params) (*pagination.Page[balance.PaymentEntry], error)
}

func PagesRemaining(svc BalanceService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "balance service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		pages, err := svc.PagesRemaining(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]int64{"pagesRemaining": pages})
	}
}

func SubscriptionSummary(svc BalanceService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "balance service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		summary, err := svc.Summary(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

func CreditBalance(svc BalanceService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "balance service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		credits, err := svc.Credits(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, credits)
	}
}

func PaymentHistory(svc BalanceService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "balance service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.PaymentHistory(r.Context(), userID, pagination.Params{
			Limit:  limit,
			Cursor: validators.SanitizeString(r.URL.Query().Get("cursor"), maxCursorLen),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

type consumePagesRequest struct {
	Pages        int64  `json:"pages" validate:"gt=0"`
	DocumentName string `json:"documentName" validate:"max=255"`
}

// ConsumePages charges pages for a client-side conversion. Retries are
// absorbed by the idempotency middleware mounted on this route.
func ConsumePages(svc BalanceService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "balance service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload consumePagesRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		consumption, err := svc.ConsumePages(r.Context(), userID, payload.Pages, validators.SanitizeString(payload.DocumentName, maxDocumentNameLen))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, consumption)
	}
}
