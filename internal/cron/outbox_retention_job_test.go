package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

func TestOutboxRetentionJobPrunesInBatches(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	repo := &fakeOutboxPruner{batches: []int64{2, 2, 1}}
	job := newOutboxRetentionJob(t, repo, now)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-7 * 24 * time.Hour); !repo.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, repo.lastCutoff)
	}
	if repo.calls != 3 {
		t.Fatalf("expected three batches, got %d", repo.calls)
	}
	if repo.lastAttempts != 4 || repo.lastLimit != 2 {
		t.Fatalf("unexpected prune args attempts=%d limit=%d", repo.lastAttempts, repo.lastLimit)
	}
}

func TestOutboxRetentionJobStopsOnError(t *testing.T) {
	repo := &fakeOutboxPruner{batches: []int64{2, 2}, err: errors.New("boom")}
	job := newOutboxRetentionJob(t, repo, time.Now())

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if repo.calls != 3 {
		t.Fatalf("expected the failing batch to end the run, got %d calls", repo.calls)
	}
}

func newOutboxRetentionJob(t *testing.T, repo *fakeOutboxPruner, now time.Time) Job {
	t.Helper()
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:      logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Repository:  repo,
		Retention:   7,
		MaxAttempts: 4,
		BatchSize:   2,
		Now:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	if job.Name() != "outbox-retention" {
		t.Fatalf("unexpected job name %s", job.Name())
	}
	return job
}

// fakeOutboxPruner returns batches in order, then err (or 0 rows).
type fakeOutboxPruner struct {
	batches      []int64
	err          error
	calls        int
	lastCutoff   time.Time
	lastAttempts int
	lastLimit    int
}

func (f *fakeOutboxPruner) PruneBefore(_ context.Context, cutoff time.Time, maxAttempts, limit int) (int64, error) {
	f.calls++
	f.lastCutoff, f.lastAttempts, f.lastLimit = cutoff, maxAttempts, limit
	if len(f.batches) > 0 {
		n := f.batches[0]
		f.batches = f.batches[1:]
		return n, nil
	}
	return 0, f.err
}
