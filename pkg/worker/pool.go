// Package worker runs per-queue pools of concurrent job consumers.
//
// Each pool claims jobs from one queue, dispatches them to a registered
// processor by job name, and classifies the outcome: success completes the
// job, an error re-queues it with exponential backoff until the attempt
// budget runs out, after which the failure is terminal and reported.
//
// A pool can carry a dispatch throttle (Redis token bucket) on top of the
// retry policy; the two are deliberately separate mechanisms. Backoff delays
// retries of a failing job, the throttle delays dispatch of every job,
// first attempts included.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/queue"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/report"
)

// Processor handles one job attempt. It receives the raw payload and
// returns a result to store on the job, or an error to trigger retry. A
// processor has no awareness of queue mechanics.
type Processor func(ctx context.Context, payload json.RawMessage) (any, error)

// Config tunes a pool.
type Config struct {
	Queue       *queue.Queue
	Concurrency int

	// Throttle, when set, gates dispatch of every job.
	Throttle *queue.RateLimiter

	Reporter report.Reporter

	// JobTimeout bounds a single processor invocation. A timed-out call is
	// a processor failure, not a silent success. Zero means 5 minutes.
	JobTimeout time.Duration

	// PollInterval is the idle sleep between claim attempts. Zero means
	// 200ms.
	PollInterval time.Duration
}

// Pool is a set of claim loops over a single queue.
type Pool struct {
	queue        *queue.Queue
	store        *queue.Store
	concurrency  int
	throttle     *queue.RateLimiter
	reporter     report.Reporter
	jobTimeout   time.Duration
	pollInterval time.Duration

	handlers map[string]Processor
}

// New builds a pool. Processors are registered with Handle before Run.
func New(cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.Reporter == nil {
		cfg.Reporter = report.LogReporter{}
	}
	return &Pool{
		queue:        cfg.Queue,
		store:        cfg.Queue.Store(),
		concurrency:  cfg.Concurrency,
		throttle:     cfg.Throttle,
		reporter:     cfg.Reporter,
		jobTimeout:   cfg.JobTimeout,
		pollInterval: cfg.PollInterval,
		handlers:     make(map[string]Processor),
	}
}

// Handle registers the processor for a job name. Not safe to call after
// Run has started.
func (p *Pool) Handle(jobName string, fn Processor) {
	p.handlers[jobName] = fn
}

// Run starts the claim loops and blocks until the context is cancelled and
// every in-flight job has finished. Cancellation stops claiming new jobs;
// it never preempts a running processor.
func (p *Pool) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	name := p.queue.Name()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.Claim(ctx, name)
		if err == queue.ErrEmpty {
			p.sleep(ctx, p.pollInterval)
			continue
		}
		if err != nil {
			// Backend trouble is a worker-level error; it does not count
			// against any job's attempts.
			if ctx.Err() == nil {
				p.reporter.WorkerError(ctx, name, err)
			}
			p.sleep(ctx, time.Second)
			continue
		}

		// Gate after the claim so idle polls never burn tokens.
		if p.throttle != nil {
			p.waitThrottle(ctx, name)
		}
		p.process(ctx, job)
	}
}

// waitThrottle holds a claimed job until the limiter grants a token. The job
// is already active, so the wait ignores cancellation: a shutdown drains it
// like any other in-flight job.
func (p *Pool) waitThrottle(ctx context.Context, name string) {
	bg := context.WithoutCancel(ctx)
	for {
		allowed, err := p.throttle.Allow(bg)
		if err != nil {
			p.reporter.WorkerError(bg, name, err)
			p.sleep(bg, time.Second)
			continue
		}
		if allowed {
			return
		}
		p.sleep(bg, p.pollInterval)
	}
}

func (p *Pool) process(ctx context.Context, job *jobs.Job) {
	name := p.queue.Name()

	if job.ProcessedAt != nil && job.AttemptsMade == 1 {
		queueLatency.WithLabelValues(name, job.Name).
			Observe(job.ProcessedAt.Sub(job.CreatedAt).Seconds())
	}

	handler, ok := p.handlers[job.Name]
	if !ok {
		// No processor registered: terminal, retrying cannot help.
		err := errors.Errorf("no processor registered for job %q", job.Name)
		p.finishFailed(ctx, job, err)
		return
	}

	// In-flight jobs outlive a shutdown signal, so the processor context
	// is detached from the run context and bounded only by the timeout.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout)
	start := time.Now()
	result, err := handler(jobCtx, job.Payload)
	cancel()
	jobDuration.WithLabelValues(name, job.Name).Observe(time.Since(start).Seconds())

	bg := context.WithoutCancel(ctx)
	if err != nil {
		logger.Log.Error().Err(err).
			Str("job_id", job.ID).
			Str("queue", name).
			Int("attempt", job.AttemptsMade).
			Msg("Job attempt failed")

		if job.AttemptsMade < job.MaxAttempts {
			if rerr := p.store.Retry(bg, job, err, job.NextBackoff()); rerr != nil {
				p.reporter.WorkerError(ctx, name, rerr)
			}
			jobsProcessed.WithLabelValues("retry", name, job.Name).Inc()
			return
		}
		p.finishFailed(bg, job, err)
		return
	}

	if cerr := p.store.Complete(bg, job, result); cerr != nil {
		p.reporter.WorkerError(ctx, name, cerr)
		return
	}
	jobsProcessed.WithLabelValues("success", name, job.Name).Inc()
	logger.Log.Info().
		Str("job_id", job.ID).
		Str("queue", name).
		Str("job", job.Name).
		Msg("Job completed")
}

func (p *Pool) finishFailed(ctx context.Context, job *jobs.Job, cause error) {
	name := p.queue.Name()
	if ferr := p.store.Fail(ctx, job, cause); ferr != nil {
		p.reporter.WorkerError(ctx, name, ferr)
	}
	jobsProcessed.WithLabelValues("failed", name, job.Name).Inc()
	p.reporter.JobFailed(ctx, report.JobFailure{
		JobID:    job.ID,
		Queue:    name,
		JobName:  job.Name,
		Payload:  job.Payload,
		Attempts: job.AttemptsMade,
		Err:      cause,
	})
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
