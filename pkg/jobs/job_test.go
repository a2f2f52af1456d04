package jobs

import (
	"testing"
	"time"
)

func TestNextBackoffDoubles(t *testing.T) {
	j := &Job{BackoffBase: time.Second, BackoffCap: 5 * time.Minute}

	j.AttemptsMade = 1
	if got := j.NextBackoff(); got != time.Second {
		t.Errorf("attempt 1: expected 1s, got %v", got)
	}
	j.AttemptsMade = 2
	if got := j.NextBackoff(); got != 2*time.Second {
		t.Errorf("attempt 2: expected 2s, got %v", got)
	}
	j.AttemptsMade = 3
	if got := j.NextBackoff(); got != 4*time.Second {
		t.Errorf("attempt 3: expected 4s, got %v", got)
	}
}

func TestNextBackoffCap(t *testing.T) {
	j := &Job{BackoffBase: time.Second, BackoffCap: 5 * time.Minute, AttemptsMade: 30}
	if got := j.NextBackoff(); got != 5*time.Minute {
		t.Errorf("Expected cap of 5m, got %v", got)
	}

	// Shifting far enough to overflow still lands on the cap.
	j.AttemptsMade = 80
	if got := j.NextBackoff(); got != 5*time.Minute {
		t.Errorf("Expected cap on overflow, got %v", got)
	}
}

func TestStatePredicates(t *testing.T) {
	for _, s := range []State{StateWaiting, StateDelayed, StateActive} {
		if !s.Pending() {
			t.Errorf("Expected %s to be pending", s)
		}
		if s.Terminal() {
			t.Errorf("Expected %s to not be terminal", s)
		}
	}
	for _, s := range []State{StateCompleted, StateFailed} {
		if s.Pending() {
			t.Errorf("Expected %s to not be pending", s)
		}
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
}
