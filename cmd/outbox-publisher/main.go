package main

import (
	"context"
	"errors"

	"github.com/angelmondragon/pdf2md-billing/internal/bootstrap"
	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/outbox"
	"github.com/angelmondragon/pdf2md-billing/pkg/outbox/registry"
	"github.com/angelmondragon/pdf2md-billing/pkg/pubsub"
)

const kind = "outbox-publisher"

func main() {
	rt, err := bootstrap.Start(context.Background(), kind, (*config.Config).ValidatePublisher)
	if err != nil {
		bootstrap.Exit(kind, nil, "outbox publisher startup failed", err)
	}
	cfg, logg := rt.Config, rt.Logger

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		bootstrap.Exit(kind, rt, "connect pubsub", err)
	}
	rt.OnClose("pubsub", pubsubClient.Close)

	topics, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		bootstrap.Exit(kind, rt, "route billing events", err)
	}
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            rt.DB,
		PubSub:        pubsubClient,
		Repository:    outbox.NewRepository(rt.DB.DB()),
		Registry:      topics,
		DLQRepository: outbox.NewDLQRepository(),
	})
	if err != nil {
		bootstrap.Exit(kind, rt, "create outbox publisher", err)
	}

	ctx, stop := rt.SignalContext(map[string]any{"topics": cfg.PubSub.Topics()})
	defer stop()
	defer rt.Close()
	logg.Info(ctx, "draining billing outbox")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		bootstrap.Exit(kind, rt, "outbox publisher stopped", err)
	}
	logg.Info(ctx, "outbox publisher stopped")
}
