package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock gives one worker in the fleet a job for ttl. release frees it early
// and is a no-op once another worker holds the key.
type Lock interface {
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisLock keeps one key per job under prefix. Values carry the holder's
// instance id so a stuck lock can be traced to a worker.
type RedisLock struct {
	store  lockStore
	prefix string
	holder string
}

func NewRedisLock(store lockStore, prefix, holder string) (*RedisLock, error) {
	if store == nil {
		return nil, errors.New("redis client required for lock")
	}
	if strings.TrimSpace(prefix) == "" {
		return nil, errors.New("lock prefix is required")
	}
	if holder == "" {
		holder = "unknown"
	}
	return &RedisLock{store: store, prefix: prefix, holder: holder}, nil
}

func (l *RedisLock) Acquire(ctx context.Context, job string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock %s: ttl must be positive", job)
	}
	key := l.prefix + ":" + job
	token := l.holder + "/" + uuid.NewString()
	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		current, err := l.store.Get(ctx, key)
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if current != token {
			return nil
		}
		if err := l.store.Del(ctx, key); err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
