package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/pdf2md-billing/api/controllers"
	webhookcontrollers "github.com/angelmondragon/pdf2md-billing/api/controllers/webhooks"
	"github.com/angelmondragon/pdf2md-billing/api/middleware"
	pkgAuth "github.com/angelmondragon/pdf2md-billing/pkg/auth"
	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
)

// Store is the Redis surface used by the rate limit and idempotency layers.
type Store interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type webhookGuard interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type signingClient interface {
	VerifyEvent(payload []byte, header string) (stripe.Event, error)
}

// Dependencies carries everything the HTTP surface is built from.
type Dependencies struct {
	Config   *config.Config
	Logger   *logger.Logger
	Store    Store
	Verifier pkgAuth.Verifier
	Gatherer prometheus.Gatherer
	Metrics  *metrics.BillingMetrics
	Ready    map[string]controllers.Pinger
	Catalog  controllers.CatalogSource

	Checkout   controllers.CheckoutService
	Balance    controllers.BalanceService
	Conversion controllers.ConversionService

	Webhooks      webhookcontrollers.StripeWebhookService
	WebhookGuard  webhookGuard
	SigningClient signingClient
}

func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, deps.Ready, logg))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	stripeWebhook := webhookcontrollers.StripeWebhook(deps.Webhooks, deps.SigningClient, deps.WebhookGuard, deps.Metrics, logg)
	r.Post("/webhook", stripeWebhook)
	r.Post("/api/v1/webhooks/stripe", stripeWebhook)

	catalogHandler := controllers.Catalog(deps.Catalog, logg)
	r.Get("/catalog", catalogHandler)
	r.Get("/api/v1/catalog", catalogHandler)

	client := clientRoutes(deps)
	r.Group(client)
	r.Route("/api/v1", client)

	return r
}

func clientRoutes(deps Dependencies) func(chi.Router) {
	cfg := deps.Config
	logg := deps.Logger
	checkoutPolicy := middleware.NewRateLimitPolicy("checkout", cfg.RateLimit.CheckoutWindow, cfg.RateLimit.CheckoutLimit)

	return func(r chi.Router) {
		r.Use(middleware.Auth(deps.Verifier, logg))

		r.With(middleware.RateLimit(checkoutPolicy, deps.Store, logg)).Post("/checkout", controllers.CreateCheckout(deps.Checkout, logg))
		r.Get("/checkout/verify-session", controllers.VerifySession(deps.Checkout, logg))
		r.Post("/portal", controllers.CreatePortal(deps.Checkout, logg))

		r.Get("/subscription", controllers.SubscriptionSummary(deps.Balance, logg))
		r.Get("/subscription/pages-remaining", controllers.PagesRemaining(deps.Balance, logg))
		r.Get("/credits/balance", controllers.CreditBalance(deps.Balance, logg))
		r.Get("/payments/history", controllers.PaymentHistory(deps.Balance, logg))
		r.With(middleware.Idempotency(deps.Store, cfg.Eventing.HTTPIdempotencyTTL, logg)).Post("/usage/pages", controllers.ConsumePages(deps.Balance, logg))

		r.Post("/convert", controllers.Convert(deps.Conversion, logg))
	}
}
