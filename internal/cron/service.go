package cron

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/metrics"
)

const defaultTick = time.Minute

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	// Tick is how often the schedule is checked.
	Tick time.Duration
	Now  func() time.Time
}

// Service runs the registered billing jobs on their own cadence. A job that
// succeeds keeps its lock for the whole interval so the rest of the fleet
// skips it until it is due again; a failed run releases the lock at once.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	tick     time.Duration
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.Registry == nil:
		return nil, errors.New("job registry required")
	case params.Lock == nil:
		return nil, errors.New("lock required")
	}
	s := &Service{
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		tick:     params.Tick,
		now:      params.Now,
	}
	if s.tick <= 0 {
		s.tick = defaultTick
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.runDue(ctx)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Service) runDue(ctx context.Context) {
	for _, sched := range s.registry.Due(s.now()) {
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, sched)
	}
}

func (s *Service) run(ctx context.Context, sched Scheduled) {
	name := sched.Job.Name()
	ctx = s.logg.WithFields(ctx, map[string]any{"job": name, "every": sched.Every.String()})

	release, ok, err := s.lock.Acquire(ctx, name, sched.Every)
	if err != nil {
		s.logg.Error(ctx, "job lock unavailable", err)
		s.metrics.Finished(name, 0, err)
		return
	}
	if !ok {
		s.logg.Debug(ctx, "job held by another worker")
		s.metrics.Skipped(name)
		return
	}

	started := s.now()
	err = sched.Job.Run(ctx)
	took := s.now().Sub(started)
	s.metrics.Finished(name, took, err)
	ctx = s.logg.WithField(ctx, "duration_ms", took.Milliseconds())
	if err == nil {
		s.logg.Info(ctx, "job completed")
		return
	}
	s.logg.Error(ctx, "job failed", err)
	if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
		s.logg.Error(ctx, "release job lock", relErr)
	}
}
