package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/pdf2md-billing/api/responses"
	"github.com/angelmondragon/pdf2md-billing/internal/settlement"
	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
)

const maxPayloadBytes = 1 << 20

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) (*settlement.Result, error)
}

type stripeWebhookGuard interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// stripeClient verifies the signature and environment of a delivery.
type stripeClient interface {
	VerifyEvent(payload []byte, header string) (stripe.Event, error)
}

type webhookAck struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// StripeWebhook verifies and settles payment processor deliveries.
func StripeWebhook(svc StripeWebhookService, client stripeClient, guard stripeWebhookGuard, m *metrics.BillingMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if client == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe client unavailable"))
			return
		}
		if guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			m.IncWebhook("unknown", metrics.OutcomeRejected)
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			m.IncWebhook("unknown", metrics.OutcomeRejected)
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInvalidSignature, "stripe signature missing"))
			return
		}

		event, err := client.VerifyEvent(payload, sigHeader)
		if err != nil {
			m.IncWebhook("unknown", metrics.OutcomeRejected)
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInvalidSignature, err, "signature verification failed"))
			return
		}
		eventType := string(event.Type)
		if logg != nil {
			ctx = logg.WithEvent(ctx, event.ID, eventType)
		}

		alreadyProcessed, err := guard.Seen(ctx, event.ID)
		if err != nil {
			m.IncWebhook(eventType, metrics.OutcomeFailed)
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		if alreadyProcessed {
			m.IncWebhook(eventType, metrics.OutcomeDuplicate)
			if logg != nil {
				logg.Info(ctx, "stripe event already processed")
			}
			responses.WriteSuccess(w, webhookAck{Received: true, Duplicate: true})
			return
		}

		result, err := svc.HandleEvent(ctx, &event)
		if err != nil {
			outcome := metrics.OutcomeFailed
			if code := pkgerrors.As(err); code != nil && code.Code() != pkgerrors.CodeInternal && code.Code() != pkgerrors.CodeDependency {
				outcome = metrics.OutcomeRejected
			}
			m.IncWebhook(eventType, outcome)
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if markErr := guard.Mark(ctx, event.ID); markErr != nil && logg != nil {
			logg.Error(ctx, "record webhook idempotency key", markErr)
		}

		outcome := metrics.OutcomeProcessed
		switch {
		case result == nil || result.Ignored:
			outcome = metrics.OutcomeIgnored
		case result.Duplicate:
			outcome = metrics.OutcomeDuplicate
		}
		m.IncWebhook(eventType, outcome)
		if logg != nil {
			logg.Info(logg.WithField(ctx, "outcome", outcome), "stripe event handled")
		}
		responses.WriteSuccess(w, webhookAck{Received: true})
	}
}
