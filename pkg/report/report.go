// Package report delivers structured failure reports to an error-tracking
// sink. Both terminal job failures and worker-level errors (which never
// count against a job's attempts) go through here.
package report

import (
	"context"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
)

// JobFailure describes a job that exhausted its retry budget.
type JobFailure struct {
	JobID    string
	Queue    string
	JobName  string
	Payload  json.RawMessage
	Attempts int
	Err      error
}

// Reporter is the error-tracking sink.
type Reporter interface {
	JobFailed(ctx context.Context, f JobFailure)
	WorkerError(ctx context.Context, queue string, err error)
}

var (
	terminalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_terminal_failures_total",
		Help: "Jobs that exhausted their retry budget",
	}, []string{"queue", "job"})

	workerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_worker_errors_total",
		Help: "Worker-level errors not attributable to a job",
	}, []string{"queue"})
)

// LogReporter writes reports to the structured log and bumps Prometheus
// counters. It is the default sink; a hosted error tracker can be swapped
// in behind the same interface.
type LogReporter struct{}

func (LogReporter) JobFailed(_ context.Context, f JobFailure) {
	terminalFailures.WithLabelValues(f.Queue, f.JobName).Inc()
	logger.Log.Error().
		Err(f.Err).
		Str("job_id", f.JobID).
		Str("queue", f.Queue).
		Str("job", f.JobName).
		Int("attempts", f.Attempts).
		RawJSON("payload", f.Payload).
		Msg("Job failed permanently")
}

func (LogReporter) WorkerError(_ context.Context, queue string, err error) {
	workerErrors.WithLabelValues(queue).Inc()
	logger.Log.Error().
		Err(err).
		Str("queue", queue).
		Msg("Worker error")
}
