// Package jobs defines the core data structures for units of async work.
// Jobs are enqueued through a queue facade, persisted in Redis, claimed by
// workers, and retried with exponential backoff on failure.
package jobs

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Pending reports whether the state still occupies the job's dedup id.
// A job in a pending state blocks a second enqueue with the same id.
func (s State) Pending() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// Terminal reports whether the job will never run again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Priority values. Lower values are dequeued first.
const (
	PriorityHigh    = 0
	PriorityDefault = 5
	PriorityLow     = 9
)

// Retention bounds how long terminal jobs are kept around for inspection.
// Failed jobs get a longer window than completed ones: the debugging window
// outlives the success window.
type Retention struct {
	CompletedAge   time.Duration `json:"completed_age"`
	CompletedCount int64         `json:"completed_count"`
	FailedAge      time.Duration `json:"failed_age"`
	FailedCount    int64         `json:"failed_count"`
}

// DefaultRetention mirrors the facade defaults: completed 7d/1000,
// failed 14d/5000.
func DefaultRetention() Retention {
	return Retention{
		CompletedAge:   7 * 24 * time.Hour,
		CompletedCount: 1000,
		FailedAge:      14 * 24 * time.Hour,
		FailedCount:    5000,
	}
}

// Job is a unit of work persisted in the durable queue store.
//
// The ID doubles as the dedup key: while a job with a given id is waiting,
// delayed or active, enqueueing another job with the same id is a no-op that
// returns the existing record.
type Job struct {
	// ID is unique within the queue. Caller-supplied for dedup, otherwise
	// a generated UUID.
	ID string `json:"id"`

	// Queue is the name of the queue the job belongs to.
	Queue string `json:"queue"`

	// Name selects the processor that will handle the job.
	Name string `json:"name"`

	// Payload is the processor-specific data, opaque to the queue.
	Payload json.RawMessage `json:"payload"`

	// Priority orders dequeue. Lower value means higher precedence;
	// enqueue order breaks ties.
	Priority int `json:"priority"`

	// AttemptsMade counts started attempts, including the current one
	// while the job is active.
	AttemptsMade int `json:"attempts_made"`

	// MaxAttempts is the retry budget. Once AttemptsMade reaches it the
	// next failure is terminal.
	MaxAttempts int `json:"max_attempts"`

	// BackoffBase is the first retry delay; each subsequent retry doubles
	// it up to BackoffCap.
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffCap  time.Duration `json:"backoff_cap"`

	State State `json:"state"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	// FailureReason holds the error from the most recent failed attempt.
	FailureReason string `json:"failure_reason,omitempty"`

	// ReturnValue holds the JSON-encoded processor result on completion.
	ReturnValue json.RawMessage `json:"return_value,omitempty"`

	Retention Retention `json:"retention"`
}

// NextBackoff computes the delay before the next attempt:
// min(base * 2^(attempts-1), cap). Called after AttemptsMade has been
// incremented for the failed attempt.
func (j *Job) NextBackoff() time.Duration {
	attempt := j.AttemptsMade
	if attempt < 1 {
		attempt = 1
	}
	d := j.BackoffBase << uint(attempt-1)
	if j.BackoffCap > 0 && (d > j.BackoffCap || d <= 0) {
		d = j.BackoffCap
	}
	return d
}
