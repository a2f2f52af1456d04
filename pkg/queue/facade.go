package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
)

// Default retry policy applied by the facade when the caller does not
// override it.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 5 * time.Minute
)

// EnqueueOptions tunes a single enqueue. The zero value gets the facade
// defaults.
type EnqueueOptions struct {
	// DedupID becomes the job id. While a job with this id is pending,
	// further enqueues with the same id return the existing job.
	DedupID string

	// Priority orders dequeue; lower runs first. Zero means
	// jobs.PriorityDefault, so pass jobs.PriorityHigh explicitly.
	Priority *int

	// Delay schedules the job for the future instead of running it now.
	Delay time.Duration

	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Retention overrides the terminal-job retention policy.
	Retention *jobs.Retention
}

// Queue is the per-domain enqueue facade over the Store.
type Queue struct {
	name  string
	store *Store
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Store exposes the underlying durable store, mainly for workers.
func (q *Queue) Store() *Store { return q.store }

// Enqueue serializes the payload and persists a job. Returns the stored
// job; when the dedup id was already pending the existing job comes back
// untouched.
func (q *Queue) Enqueue(ctx context.Context, jobName string, payload any, opts EnqueueOptions) (*jobs.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}

	id := opts.DedupID
	if id == "" {
		id = uuid.NewString()
	}

	priority := jobs.PriorityDefault
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	backoffCap := opts.BackoffCap
	if backoffCap <= 0 {
		backoffCap = DefaultBackoffCap
	}
	retention := jobs.DefaultRetention()
	if opts.Retention != nil {
		retention = *opts.Retention
	}

	job := &jobs.Job{
		ID:          id,
		Queue:       q.name,
		Name:        jobName,
		Payload:     data,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		BackoffBase: backoffBase,
		BackoffCap:  backoffCap,
		CreatedAt:   time.Now().UTC(),
		Retention:   retention,
	}

	var readyAt time.Time
	if opts.Delay > 0 {
		readyAt = time.Now().Add(opts.Delay)
	}

	stored, _, err := q.store.Enqueue(ctx, job, readyAt)
	return stored, err
}

// Priority returns a pointer for EnqueueOptions.Priority.
func Priority(p int) *int { return &p }

// Registry hands out one Queue per name. It is constructed once at process
// start and passed by reference to anything that enqueues or consumes;
// there is deliberately no package-level instance.
type Registry struct {
	store *Store

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewRegistry builds a registry over the given Redis client.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{
		store:  NewStore(rdb),
		queues: make(map[string]*Queue),
	}
}

// Queue returns the named queue, creating it on first use. The same name
// always yields the same instance.
func (r *Registry) Queue(name string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		q = &Queue{name: name, store: r.store}
		r.queues[name] = q
	}
	return q
}

// Store returns the shared durable store.
func (r *Registry) Store() *Store { return r.store }
