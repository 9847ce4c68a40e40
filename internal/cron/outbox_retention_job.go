package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
)

const (
	defaultRetentionDays  = 30
	defaultPruneBatch     = 500
	defaultPrunedAttempts = 10
)

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	Repository outboxPruner
	// Retention is in days.
	Retention int
	// MaxAttempts matches the publisher; rows at this count are parked.
	MaxAttempts int
	BatchSize   int
	Now         func() time.Time
}

type outboxPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time, maxAttempts, limit int) (int64, error)
}

// outboxRetentionJob trims outbox_events in small batches so the publisher's
// row locks are never queued behind one large delete.
type outboxRetentionJob struct {
	logg        *logger.Logger
	repo        outboxPruner
	retention   time.Duration
	maxAttempts int
	batch       int
	now         func() time.Time
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository required")
	}
	j := &outboxRetentionJob{
		logg:        params.Logger,
		repo:        params.Repository,
		retention:   time.Duration(positive(params.Retention, defaultRetentionDays)) * 24 * time.Hour,
		maxAttempts: positive(params.MaxAttempts, defaultPrunedAttempts),
		batch:       positive(params.BatchSize, defaultPruneBatch),
		now:         params.Now,
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j, nil
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (j *outboxRetentionJob) Name() string { return metrics.JobOutboxRetention }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var pruned int64
	for {
		n, err := j.repo.PruneBefore(ctx, cutoff, j.maxAttempts, j.batch)
		pruned += n
		if err != nil {
			return fmt.Errorf("prune outbox before %s after %d rows: %w", cutoff.Format(time.DateOnly), pruned, err)
		}
		if n < int64(j.batch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":      cutoff,
		"rows_pruned": pruned,
	}), "outbox pruned")
	return nil
}
