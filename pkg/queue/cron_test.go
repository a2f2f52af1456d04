package queue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
)

func TestScheduleRecurringUpsert(t *testing.T) {
	_, reg := setupTestRedis(t)
	s := NewCronScheduler(reg)

	if err := s.ScheduleRecurring("test", "rule-1", "@every 1h", "job", nil); err != nil {
		t.Fatalf("ScheduleRecurring failed: %v", err)
	}
	// Same id again: replaces, never duplicates.
	if err := s.ScheduleRecurring("test", "rule-1", "@every 2h", "job", nil); err != nil {
		t.Fatalf("ScheduleRecurring failed: %v", err)
	}
	if s.Rules() != 1 {
		t.Errorf("Expected 1 rule after upsert, got %d", s.Rules())
	}

	if err := s.ScheduleRecurring("test", "rule-2", "@every 1h", "job", nil); err != nil {
		t.Fatalf("ScheduleRecurring failed: %v", err)
	}
	if s.Rules() != 2 {
		t.Errorf("Expected 2 rules, got %d", s.Rules())
	}
}

func TestScheduleRecurringInvalidPattern(t *testing.T) {
	_, reg := setupTestRedis(t)
	s := NewCronScheduler(reg)

	if err := s.ScheduleRecurring("test", "rule-1", "not a cron", "job", nil); err == nil {
		t.Error("Expected error for invalid cron pattern")
	}
	if s.Rules() != 0 {
		t.Errorf("Expected no rules registered, got %d", s.Rules())
	}
}

func TestScheduleRecurringFires(t *testing.T) {
	_, reg := setupTestRedis(t)
	s := NewCronScheduler(reg)

	err := s.ScheduleRecurring("test", "rule-1", "@every 1s", "job", map[string]string{"kind": "tick"})
	if err != nil {
		t.Fatalf("ScheduleRecurring failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	time.Sleep(1500 * time.Millisecond)

	depths, err := reg.Store().Depths(context.Background(), "test")
	if err != nil {
		t.Fatalf("Depths failed: %v", err)
	}
	if depths[jobs.StateWaiting] < 1 {
		t.Errorf("Expected at least 1 scheduled job enqueued, got %d", depths[jobs.StateWaiting])
	}
}

func TestScheduleRecurringDedupAcrossInstances(t *testing.T) {
	_, reg := setupTestRedis(t)

	// Two process instances booting the same rule: the dedup id derived
	// from scheduler id and the tick's activation time keeps the tick
	// single when both fire for the same instant.
	a := NewCronScheduler(reg)
	b := NewCronScheduler(reg)
	for _, s := range []*CronScheduler{a, b} {
		if err := s.ScheduleRecurring("test", "rule-1", "@every 1s", "job", nil); err != nil {
			t.Fatalf("ScheduleRecurring failed: %v", err)
		}
		s.Start()
		defer s.Stop()
	}

	time.Sleep(1200 * time.Millisecond)

	depths, err := reg.Store().Depths(context.Background(), "test")
	if err != nil {
		t.Fatalf("Depths failed: %v", err)
	}
	// The @every schedules are relative to each instance's start, so the
	// activation times land in the same second (deduped to 1) or straddle
	// a boundary (2). Never more.
	total := depths[jobs.StateWaiting] + depths[jobs.StateDelayed]
	if total < 1 || total > 2 {
		t.Errorf("Expected 1-2 deduped jobs across instances, got %d", total)
	}
}

func TestScheduleRecurringTickKeyUsesActivationTime(t *testing.T) {
	_, reg := setupTestRedis(t)
	s := NewCronScheduler(reg)

	if err := s.ScheduleRecurring("test", "rule-1", "@every 1s", "job", nil); err != nil {
		t.Fatalf("ScheduleRecurring failed: %v", err)
	}
	before := time.Now().Add(-time.Second)
	s.Start()
	defer s.Stop()

	time.Sleep(1500 * time.Millisecond)

	list, err := reg.Store().List(context.Background(), "test", jobs.StateWaiting, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) == 0 {
		t.Fatal("Expected a scheduled job enqueued")
	}

	// Job id is <scheduler id>@<activation time, RFC3339>: the stable key
	// instances agree on regardless of wall-clock skew at fire time.
	id := list[0].ID
	const prefix = "rule-1@"
	if !strings.HasPrefix(id, prefix) {
		t.Fatalf("Unexpected tick id %q", id)
	}
	fire, err := time.Parse(time.RFC3339, strings.TrimPrefix(id, prefix))
	if err != nil {
		t.Fatalf("Tick id %q does not carry an RFC3339 activation time: %v", id, err)
	}
	if fire.Before(before) || fire.After(time.Now().Add(time.Second)) {
		t.Errorf("Activation time %v outside the test window", fire)
	}
}
