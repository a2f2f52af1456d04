package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for monitoring job processing.
var (
	// jobsProcessed tracks processed jobs by outcome and queue.
	// status: "success", "retry" or "failed".
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"status", "queue", "job"})

	// jobDuration tracks processor latency in seconds.
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobqueue_job_duration_seconds",
		Help:    "Duration of job processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "job"})

	// queueLatency tracks time a job spent queued before its first claim.
	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobqueue_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "job"})
)
