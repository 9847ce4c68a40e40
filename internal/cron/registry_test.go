package cron

import (
	"context"
	"testing"
	"time"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryDueFollowsEachInterval(t *testing.T) {
	registry := NewRegistry()
	reconcile := &stubJob{name: "subscription-reconcile"}
	retention := &stubJob{name: "outbox-retention"}
	if err := registry.Register(reconcile, time.Hour); err != nil {
		t.Fatalf("register reconcile: %v", err)
	}
	if err := registry.Register(retention, 24*time.Hour); err != nil {
		t.Fatalf("register retention: %v", err)
	}

	start := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	if due := registry.Due(start); len(due) != 2 || due[0].Job != reconcile || due[1].Job != retention {
		t.Fatalf("expected both jobs due at start in order, got %+v", due)
	}
	if due := registry.Due(start.Add(30 * time.Minute)); len(due) != 0 {
		t.Fatalf("nothing should be due mid-interval, got %d", len(due))
	}
	due := registry.Due(start.Add(time.Hour))
	if len(due) != 1 || due[0].Job != reconcile || due[0].Every != time.Hour {
		t.Fatalf("expected only reconcile due after an hour, got %+v", due)
	}
	if due := registry.Due(start.Add(24 * time.Hour)); len(due) != 2 {
		t.Fatalf("expected both jobs due after a day, got %d", len(due))
	}
}

func TestRegistryRejectsBadEntries(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(nil, time.Hour); err == nil {
		t.Fatal("expected nil job to fail")
	}
	if err := registry.Register(&stubJob{name: "a"}, 0); err == nil {
		t.Fatal("expected zero interval to fail")
	}
	if err := registry.Register(&stubJob{name: "a"}, time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(&stubJob{name: "a"}, time.Minute); err == nil {
		t.Fatal("expected duplicate name to fail")
	}
}
