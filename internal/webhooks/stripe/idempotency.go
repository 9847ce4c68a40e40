package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/pdf2md-billing/pkg/redis"
)

// IdempotencyGuard remembers deliveries that were settled or acknowledged.
// Deliveries are recorded only after they succeed, so a failed or abandoned
// request never hides the event from a redelivery. settled_events stays the
// authoritative dedupe; the guard only short-circuits known replays.
type IdempotencyGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

func NewIdempotencyGuard(store redis.IdempotencyStore, ttl time.Duration, scope string) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &IdempotencyGuard{
		store: store,
		ttl:   ttl,
		scope: scope,
	}, nil
}

// Seen reports whether eventID was already recorded.
func (g *IdempotencyGuard) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	val, err := g.store.Get(ctx, g.store.IdempotencyKey(g.scope, eventID))
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get idempotency key: %w", err)
	}
	return val != "", nil
}

// Mark records eventID as handled. It detaches from ctx cancellation: the
// settlement has already committed, and losing the marker only costs a
// replay that settled_events absorbs.
func (g *IdempotencyGuard) Mark(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	if _, err := g.store.SetNX(context.WithoutCancel(ctx), g.store.IdempotencyKey(g.scope, eventID), "1", g.ttl); err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}
