package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/pdf2md-billing/api/controllers"
	"github.com/angelmondragon/pdf2md-billing/api/routes"
	"github.com/angelmondragon/pdf2md-billing/internal/balance"
	"github.com/angelmondragon/pdf2md-billing/internal/bootstrap"
	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	"github.com/angelmondragon/pdf2md-billing/internal/checkout"
	"github.com/angelmondragon/pdf2md-billing/internal/conversion"
	"github.com/angelmondragon/pdf2md-billing/internal/ledger"
	"github.com/angelmondragon/pdf2md-billing/internal/settlement"
	stripewebhook "github.com/angelmondragon/pdf2md-billing/internal/webhooks/stripe"
	pkgAuth "github.com/angelmondragon/pdf2md-billing/pkg/auth"
	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
	"github.com/angelmondragon/pdf2md-billing/pkg/ocr"
	"github.com/angelmondragon/pdf2md-billing/pkg/outbox"
	"github.com/angelmondragon/pdf2md-billing/pkg/storage/s3"
	pkgstripe "github.com/angelmondragon/pdf2md-billing/pkg/stripe"
)

const (
	kind            = "api"
	shutdownTimeout = 20 * time.Second
)

// server is the assembled HTTP surface plus what must drain on shutdown.
type server struct {
	handler     http.Handler
	stripeEnv   string
	conversions *conversion.Service
}

func main() {
	rt, err := bootstrap.Start(context.Background(), kind, (*config.Config).ValidateAPI)
	if err != nil {
		bootstrap.Exit(kind, nil, "api startup failed", err)
	}
	srv, err := build(rt)
	if err != nil {
		bootstrap.Exit(kind, rt, "assemble api", err)
	}

	// Cloud Run injects PORT.
	addr := ":" + rt.Config.App.Port
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	ctx, stop := rt.SignalContext(map[string]any{"addr": addr, "stripe_env": srv.stripeEnv})
	defer stop()
	defer rt.Close()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	rt.Logger.Info(ctx, "billing api listening")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			bootstrap.Exit(kind, rt, "api listener stopped", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			rt.Logger.Error(shutdownCtx, "api shutdown", err)
		}
		// In-flight conversions still settle or refund their pages.
		srv.conversions.Wait()
		rt.Logger.Info(shutdownCtx, "api stopped")
	}
}

func build(rt *bootstrap.Runtime) (*server, error) {
	ctx := context.Background()
	cfg, logg := rt.Config, rt.Logger

	redisClient, err := rt.Redis(ctx)
	if err != nil {
		return nil, err
	}
	stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		return nil, err
	}
	verifier, err := pkgAuth.NewVerifier(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}
	storageClient, err := s3.NewClient(ctx, cfg.Storage, logg)
	if err != nil {
		return nil, err
	}
	ocrClient, err := ocr.NewClient(cfg.OCR, ocr.WithLogger(logg))
	if err != nil {
		return nil, err
	}

	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	billingMetrics := metrics.NewBillingMetrics(gatherer)

	ledgerRepo := ledger.NewRepository(rt.DB.DB())
	billingCatalog := catalog.New(cfg.Stripe)

	engine, err := settlement.NewEngine(settlement.EngineParams{
		Repo:              ledgerRepo,
		Catalog:           billingCatalog,
		TransactionRunner: rt.DB,
		Outbox:            outbox.NewService(outbox.NewRepository(rt.DB.DB()), logg),
		Metrics:           billingMetrics,
		Logger:            logg,
	})
	if err != nil {
		return nil, err
	}
	webhooks, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Engine:    engine,
		Customers: ledgerRepo,
		Catalog:   billingCatalog,
		Logger:    logg,
	})
	if err != nil {
		return nil, err
	}
	guard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Eventing.WebhookIdempotencyTTL, "stripe-webhook")
	if err != nil {
		return nil, err
	}

	balances, err := balance.NewService(balance.ServiceParams{
		Repo:              ledgerRepo,
		TransactionRunner: rt.DB,
		Metrics:           billingMetrics,
		Logger:            logg,
	})
	if err != nil {
		return nil, err
	}
	initiator, err := checkout.NewInitiator(checkout.InitiatorParams{
		Gateway: stripeClient,
		Repo:    ledgerRepo,
		Catalog: billingCatalog,
		Balance: balances,
		BaseURL: cfg.App.BaseURL,
		Logger:  logg,
	})
	if err != nil {
		return nil, err
	}
	conversions, err := conversion.NewService(conversion.ServiceParams{
		Store:          storageClient,
		OCR:            ocrClient,
		Ledger:         balances,
		Metrics:        billingMetrics,
		Logger:         logg,
		MaxUploadBytes: int64(cfg.Storage.MaxUploadMB) << 20,
	})
	if err != nil {
		return nil, err
	}

	handler := routes.NewRouter(routes.Dependencies{
		Config:   cfg,
		Logger:   logg,
		Store:    redisClient,
		Verifier: verifier,
		Gatherer: gatherer,
		Metrics:  billingMetrics,
		Catalog:  billingCatalog,
		Ready: map[string]controllers.Pinger{
			"db":      rt.DB,
			"redis":   redisClient,
			"storage": storageClient,
		},
		Checkout:      initiator,
		Balance:       balances,
		Conversion:    conversions,
		Webhooks:      webhooks,
		WebhookGuard:  guard,
		SigningClient: stripeClient,
	})
	return &server{handler: handler, stripeEnv: stripeClient.Environment(), conversions: conversions}, nil
}
