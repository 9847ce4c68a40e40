package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/pdf2md-billing/api/middleware"
	"github.com/angelmondragon/pdf2md-billing/api/responses"
	"github.com/angelmondragon/pdf2md-billing/api/validators"
	"github.com/angelmondragon/pdf2md-billing/internal/checkout"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

const maxSessionIDLen = 255

type CheckoutService interface {
	CreateSession(ctx context.Context, userID, email string, req checkout.CheckoutRequest) (*checkout.CheckoutSession, error)
	PortalSession(ctx context.Context, userID, email string) (*checkout.PortalSession, error)
	VerifySession(ctx context.Context, userID, sessionID string) (*checkout.Verification, error)
}

// CreateCheckout opens a hosted checkout for a credit package or tier.
func CreateCheckout(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload checkout.CheckoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		session, err := svc.CreateSession(r.Context(), userID, middleware.EmailFromContext(r.Context()), payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, session)
	}
}

func CreatePortal(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		portal, err := svc.PortalSession(r.Context(), userID, middleware.EmailFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, portal)
	}
}

func VerifySession(svc CheckoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		sessionID, err := validators.RequireQueryString(r, "session_id", maxSessionIDLen)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		verification, err := svc.VerifySession(r.Context(), userID, sessionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, verification)
	}
}

func requireUser(r *http.Request) (string, error) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	return userID, nil
}
