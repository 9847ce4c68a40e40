// Package bootstrap starts what every billing binary needs before it can do
// work: PDF2MD_ settings with secrets resolved, a service logger and the
// ledger database.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/db"
	"github.com/angelmondragon/pdf2md-billing/pkg/instance"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/migrate"
	"github.com/angelmondragon/pdf2md-billing/pkg/redis"
	"github.com/angelmondragon/pdf2md-billing/pkg/secrets"
)

// Runtime owns the shared clients of one binary. Close releases them in
// reverse order of acquisition.
type Runtime struct {
	Kind   string
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client

	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// Start loads configuration for kind and opens the ledger database. validate
// may be nil when the binary has no settings of its own to check.
func Start(ctx context.Context, kind string, validate func(*config.Config) error) (*Runtime, error) {
	boot := logger.New(logger.Options{ServiceName: kind})
	if err := godotenv.Load(); err != nil {
		boot.Debug(ctx, ".env not found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := secrets.Apply(ctx, cfg); err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	if validate != nil {
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	cfg.Service.Kind = kind

	logg := logger.New(logger.Options{
		ServiceName: kind,
		Instance:    instance.GetID(),
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	rt := &Runtime{Kind: kind, Config: cfg, Logger: logg}

	rt.DB, err = db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	rt.OnClose("database", rt.DB.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, rt.DB); err != nil {
		rt.Close()
		return nil, fmt.Errorf("dev migrations: %w", err)
	}
	return rt, nil
}

// Redis connects to the shared Redis and closes it with the runtime.
func (r *Runtime) Redis(ctx context.Context) (*redis.Client, error) {
	client, err := redis.New(ctx, r.Config.Redis, r.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	r.OnClose("redis", client.Close)
	return client, nil
}

func (r *Runtime) OnClose(name string, fn func() error) {
	r.closers = append(r.closers, closer{name: name, fn: fn})
}

func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(); err != nil {
			r.Logger.Error(context.Background(), "close "+c.name, err)
		}
	}
	r.closers = nil
}

// SignalContext is cancelled on SIGINT or SIGTERM. Entries logged through it
// carry the environment and service kind.
func (r *Runtime) SignalContext(fields map[string]any) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = r.Logger.WithFields(ctx, map[string]any{"env": r.Config.App.Env, "serviceKind": r.Kind})
	if len(fields) > 0 {
		ctx = r.Logger.WithFields(ctx, fields)
	}
	return ctx, stop
}

// Exit logs err, releases rt when startup got that far and ends the process.
func Exit(kind string, rt *Runtime, msg string, err error) {
	logg := logger.New(logger.Options{ServiceName: kind})
	if rt != nil {
		logg = rt.Logger
	}
	logg.Error(context.Background(), msg, err)
	if rt != nil {
		rt.Close()
	}
	os.Exit(1)
}
