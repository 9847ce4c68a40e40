package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/pdf2md-billing/internal/bootstrap"
	"github.com/angelmondragon/pdf2md-billing/internal/catalog"
	"github.com/angelmondragon/pdf2md-billing/internal/cron"
	"github.com/angelmondragon/pdf2md-billing/internal/ledger"
	"github.com/angelmondragon/pdf2md-billing/internal/settlement"
	stripewebhook "github.com/angelmondragon/pdf2md-billing/internal/webhooks/stripe"
	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/instance"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
	"github.com/angelmondragon/pdf2md-billing/pkg/outbox"
	pkgstripe "github.com/angelmondragon/pdf2md-billing/pkg/stripe"
)

const kind = "cron-worker"

func main() {
	rt, err := bootstrap.Start(context.Background(), kind, nil)
	if err != nil {
		bootstrap.Exit(kind, nil, "cron worker startup failed", err)
	}
	service, err := build(rt)
	if err != nil {
		bootstrap.Exit(kind, rt, "assemble billing jobs", err)
	}

	ctx, stop := rt.SignalContext(nil)
	defer stop()
	defer rt.Close()
	rt.Logger.Info(ctx, "cron worker started")

	metricsServer := &http.Server{
		Addr:              ":" + rt.Config.App.Port,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Logger.Error(ctx, "metrics listener stopped", err)
		}
	}()
	rt.OnClose("metrics listener", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		bootstrap.Exit(kind, rt, "cron worker stopped", err)
	}
	rt.Logger.Info(ctx, "cron worker stopped")
}

// build schedules the subscription reconcile and outbox retention jobs behind
// a fleet-wide Redis lock.
func build(rt *bootstrap.Runtime) (*cron.Service, error) {
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

	ledgerRepo := ledger.NewRepository(rt.DB.DB())
	outboxRepo := outbox.NewRepository(rt.DB.DB())
	billingCatalog := catalog.New(cfg.Stripe)

	engine, err := settlement.NewEngine(settlement.EngineParams{
		Repo:              ledgerRepo,
		Catalog:           billingCatalog,
		TransactionRunner: rt.DB,
		Outbox:            outbox.NewService(outboxRepo, logg),
		Metrics:           metrics.NewBillingMetrics(prometheus.DefaultRegisterer),
		Logger:            logg,
	})
	if err != nil {
		return nil, err
	}
	converter, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Engine:    engine,
		Customers: ledgerRepo,
		Catalog:   billingCatalog,
		Logger:    logg,
	})
	if err != nil {
		return nil, err
	}

	reconcile, err := cron.NewSubscriptionReconcileJob(cron.SubscriptionReconcileJobParams{
		Logger:    logg,
		Repo:      ledgerRepo,
		Stripe:    stripeClient,
		Converter: converter,
		Engine:    engine,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		Repository:  outboxRepo,
		Retention:   cfg.Outbox.RetentionDays,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	schedule := cron.NewRegistry()
	if err := schedule.Register(reconcile, cfg.Cron.ReconcileEvery); err != nil {
		return nil, err
	}
	if err := schedule.Register(retention, cfg.Cron.RetentionEvery); err != nil {
		return nil, err
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg)), instance.GetID())
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: schedule,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
	})
}

func lockName(cfg *config.Config) string {
	if cfg.App.Env == "" {
		return "cron:local"
	}
	return "cron:" + cfg.App.Env
}
