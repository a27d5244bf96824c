// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/dataqueue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dataqueue_jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by job type",
	}, []string{"job_type"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dataqueue_jobs_completed_total",
		Help: "Total number of successfully completed jobs, by job type",
	}, []string{"job_type"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dataqueue_jobs_failed_total",
		Help: "Total number of failed jobs, by job type and failure reason",
	}, []string{"job_type", "reason"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dataqueue_jobs_retried_total",
		Help: "Total number of job retry attempts, by job type",
	}, []string{"job_type"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dataqueue_jobs_dead_lettered_total",
		Help: "Total number of jobs moved to a dead-letter envelope, by job type",
	}, []string{"job_type"})
	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataqueue_jobs_reclaimed_total",
		Help: "Total number of jobs reclaimed from dead workers by the supervisor",
	})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dataqueue_job_processing_duration_seconds",
		Help:    "Histogram of handler execution durations, by job type",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dataqueue_queue_depth",
		Help: "Current number of jobs in each status",
	}, []string{"status"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dataqueue_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataqueue_circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	ProcessorActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dataqueue_processor_active_handlers",
		Help: "Number of handler goroutines currently running",
	})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLettered,
		JobsReclaimed, JobProcessingDuration, QueueDepth,
		CircuitBreakerState, CircuitBreakerTrips, ProcessorActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained alongside StartHTTPServer (which also serves
// /healthz and /readyz) for callers that only want metrics.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
