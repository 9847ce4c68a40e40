package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Job is one billing maintenance task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduled pairs a job with how often it should run.
type Scheduled struct {
	Job   Job
	Every time.Duration
}

type entry struct {
	Scheduled
	next time.Time
}

// Registry holds the worker's job schedule. Jobs are due on the first check
// after registration, then every interval after that.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(job Job, every time.Duration) error {
	if job == nil {
		return errors.New("job required")
	}
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Job.Name() == job.Name() {
			return fmt.Errorf("job %s already registered", job.Name())
		}
	}
	r.entries = append(r.entries, &entry{Scheduled: Scheduled{Job: job, Every: every}})
	return nil
}

// Due returns the jobs whose time has come, in registration order, and
// schedules their next run.
func (r *Registry) Due(now time.Time) []Scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Scheduled
	for _, e := range r.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = now.Add(e.Every)
		due = append(due, e.Scheduled)
	}
	return due
}
