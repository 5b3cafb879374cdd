// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskmesh/dispatch/internal/config"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_jobs_submitted_total",
		Help: "Total number of jobs submitted to the core",
	})
	JobsAssigned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_jobs_assigned_total",
		Help: "Total number of jobs that reached the assigned state",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_jobs_completed_total",
		Help: "Total number of jobs that reached the completed state",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_jobs_failed_total",
		Help: "Total number of jobs that reached the failed state",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_jobs_cancelled_total",
		Help: "Total number of jobs cancelled by a caller",
	})
	ResponsesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_responses_recorded_total",
		Help: "Total number of worker responses accepted",
	})
	ResponsesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_responses_duplicate_total",
		Help: "Total number of duplicate worker responses rejected",
	})
	AssignmentsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_assignments_committed_total",
		Help: "Total number of worker assignments committed by the scheduler",
	})
	AssignmentsDroppedQuota = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_assignments_dropped_quota_total",
		Help: "Total number of candidate assignments dropped at commit due to a capacity race",
	})
	SchedulerPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_scheduler_pass_duration_seconds",
		Help:    "Histogram of assignment-scheduler pass durations",
		Buckets: prometheus.DefBuckets,
	})
	AggregatorBufferDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_aggregator_buffer_depth",
		Help: "Total number of buffered responses awaiting flush across all jobs",
	})
	ReaperReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_reaper_reaped_total",
		Help: "Total number of entities aged out by a reaper loop, by loop name",
	}, []string{"reaper"})
	WorkerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_roster_worker_count",
		Help: "Current number of worker rows in the roster",
	})
	JobsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_jobs_by_state",
		Help: "Current number of jobs in each state",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsAssigned, JobsCompleted, JobsFailed, JobsCancelled,
		ResponsesRecorded, ResponsesDuplicate,
		AssignmentsCommitted, AssignmentsDroppedQuota, SchedulerPassDuration,
		AggregatorBufferDepth, ReaperReaped, WorkerCount, JobsByState,
	)
}

// StartMetricsServer exposes /metrics alone. Prefer StartHTTPServer, which
// also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
