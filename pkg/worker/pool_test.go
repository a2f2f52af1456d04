package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/jobs"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/queue"
	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/report"
)

type fakeReporter struct {
	mu           sync.Mutex
	jobFailures  []report.JobFailure
	workerErrors []error
}

func (r *fakeReporter) JobFailed(_ context.Context, f report.JobFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobFailures = append(r.jobFailures, f)
}

func (r *fakeReporter) WorkerError(_ context.Context, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerErrors = append(r.workerErrors, err)
}

func (r *fakeReporter) failures() []report.JobFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.JobFailure(nil), r.jobFailures...)
}

func setupPool(t *testing.T) (*queue.Registry, *fakeReporter, func(jobName string, fn Processor)) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	reg := queue.NewRegistry(rdb)
	reporter := &fakeReporter{}

	pool := New(Config{
		Queue:        reg.Queue("test"),
		Concurrency:  2,
		Reporter:     reporter,
		PollInterval: 10 * time.Millisecond,
	})
	promoter := queue.NewPromoter(reg.Store(), []string{"test"}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	started := false
	handle := func(jobName string, fn Processor) {
		pool.Handle(jobName, fn)
		if !started {
			started = true
			go promoter.Run(ctx)
			go pool.Run(ctx)
		}
	}
	return reg, reporter, handle
}

// waitForState polls until the job reaches the state or the deadline hits.
func waitForState(t *testing.T, reg *queue.Registry, id string, state jobs.State) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := reg.Store().Job(context.Background(), "test", id)
		if err == nil && job.State == state {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Job %s never reached state %s", id, state)
	return nil
}

func TestRetryThenSuccess(t *testing.T) {
	reg, reporter, handle := setupPool(t)
	ctx := context.Background()

	var invocations atomic.Int32
	handle("flaky", func(_ context.Context, _ json.RawMessage) (any, error) {
		n := invocations.Add(1)
		if n < 3 {
			return nil, fmt.Errorf("transient failure %d", n)
		}
		return map[string]string{"ok": "yes"}, nil
	})

	_, err := reg.Queue("test").Enqueue(ctx, "flaky", nil, queue.EnqueueOptions{
		DedupID:     "flaky-1",
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job := waitForState(t, reg, "flaky-1", jobs.StateCompleted)
	if got := invocations.Load(); got != 3 {
		t.Errorf("Expected exactly 3 invocations, got %d", got)
	}
	if job.AttemptsMade != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", job.AttemptsMade)
	}
	if string(job.ReturnValue) != `{"ok":"yes"}` {
		t.Errorf("Unexpected return value: %s", job.ReturnValue)
	}
	if len(reporter.failures()) != 0 {
		t.Errorf("Expected no terminal failure report, got %d", len(reporter.failures()))
	}
}

func TestExhaustedAttemptsFailTerminally(t *testing.T) {
	reg, reporter, handle := setupPool(t)
	ctx := context.Background()

	var invocations atomic.Int32
	handle("doomed", func(_ context.Context, _ json.RawMessage) (any, error) {
		invocations.Add(1)
		return nil, fmt.Errorf("always broken")
	})

	_, err := reg.Queue("test").Enqueue(ctx, "doomed", map[string]string{"k": "v"}, queue.EnqueueOptions{
		DedupID:     "doomed-1",
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job := waitForState(t, reg, "doomed-1", jobs.StateFailed)
	if got := invocations.Load(); got != 3 {
		t.Errorf("Expected 3 invocations before terminal failure, got %d", got)
	}
	if job.AttemptsMade != job.MaxAttempts {
		t.Errorf("Expected attempts == max attempts, got %d/%d", job.AttemptsMade, job.MaxAttempts)
	}
	if job.FailureReason != "always broken" {
		t.Errorf("Unexpected failure reason: %q", job.FailureReason)
	}

	failures := reporter.failures()
	if len(failures) != 1 {
		t.Fatalf("Expected 1 terminal failure report, got %d", len(failures))
	}
	f := failures[0]
	if f.JobID != "doomed-1" || f.Queue != "test" || f.Attempts != 3 {
		t.Errorf("Unexpected failure report: %+v", f)
	}
	if string(f.Payload) != `{"k":"v"}` {
		t.Errorf("Expected payload in report, got %s", f.Payload)
	}
}

func TestUnregisteredJobFailsWithoutRetry(t *testing.T) {
	reg, reporter, handle := setupPool(t)
	ctx := context.Background()

	handle("known", func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, nil
	})

	_, err := reg.Queue("test").Enqueue(ctx, "unknown", nil, queue.EnqueueOptions{DedupID: "u1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job := waitForState(t, reg, "u1", jobs.StateFailed)
	if job.AttemptsMade != 1 {
		t.Errorf("Expected a single attempt for unroutable job, got %d", job.AttemptsMade)
	}
	if len(reporter.failures()) != 1 {
		t.Errorf("Expected terminal failure report, got %d", len(reporter.failures()))
	}
}

func TestThrottleSparesIdlePolls(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	reg := queue.NewRegistry(rdb)

	// One token, refilling far slower than the test runs: if idle polling
	// consumed tokens, the job below would wait out a full refill.
	pool := New(Config{
		Queue:        reg.Queue("test"),
		Concurrency:  1,
		Throttle:     queue.NewRateLimiter(rdb, "ratelimit:test", 0.05, 1),
		Reporter:     &fakeReporter{},
		PollInterval: 10 * time.Millisecond,
	})
	pool.Handle("noop", func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	// Let the pool poll an empty queue for a while first.
	time.Sleep(200 * time.Millisecond)

	if _, err := reg.Queue("test").Enqueue(ctx, "noop", nil, queue.EnqueueOptions{DedupID: "n1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job := waitForState(t, reg, "n1", jobs.StateCompleted)
	if job.AttemptsMade != 1 {
		t.Errorf("Expected a single attempt, got %d", job.AttemptsMade)
	}
}

func TestGracefulShutdownDrainsInFlight(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	reg := queue.NewRegistry(rdb)

	pool := New(Config{
		Queue:        reg.Queue("test"),
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		Reporter:     &fakeReporter{},
	})

	release := make(chan struct{})
	var finished atomic.Bool
	pool.Handle("slow", func(_ context.Context, _ json.RawMessage) (any, error) {
		<-release
		finished.Store(true)
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	if _, err := reg.Queue("test").Enqueue(context.Background(), "slow", nil, queue.EnqueueOptions{DedupID: "s1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Wait for the job to go active, then signal shutdown mid-flight.
	waitForState(t, reg, "s1", jobs.StateActive)
	cancel()

	select {
	case <-done:
		t.Fatal("Pool exited while a job was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Pool did not drain after job finished")
	}
	if !finished.Load() {
		t.Error("In-flight job did not run to completion")
	}

	job, err := reg.Store().Job(context.Background(), "test", "s1")
	if err != nil {
		t.Fatalf("Job fetch failed: %v", err)
	}
	if job.State != jobs.StateCompleted {
		t.Errorf("Expected drained job completed, got %s", job.State)
	}
}
