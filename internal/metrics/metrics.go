// Package metrics provides Prometheus metrics for the snapshot orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "histq_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type", "queue"},
	)
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "histq_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"type"},
	)
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "histq_jobs_failed_total",
			Help: "Total number of jobs that failed",
		},
		[]string{"type"},
	)
	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "histq_jobs_retried_total",
			Help: "Total number of job retries",
		},
		[]string{"type"},
	)
	DedupConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "histq_dedup_conflicts_total",
			Help: "Total number of dedup lock transaction conflicts",
		},
	)
	StaleLocksRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "histq_stale_locks_recovered_total",
			Help: "Total number of dedup locks found pointing at terminal jobs",
		},
	)
	SnapshotsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "histq_snapshots_written_total",
			Help: "Total number of historical result records written",
		},
	)
	ExecutorWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "histq_executor_source_wait_seconds",
			Help:    "Time store executors spend waiting for the triggering execution job",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	ExecutionRuntime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "histq_execution_runtime_seconds",
			Help:    "Query execution runtime in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
	)
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "histq_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type", "status"},
	)
	TrackerBucketSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "histq_tracker_bucket_size",
			Help: "Current number of tracker entries per bucket",
		},
		[]string{"tracker", "bucket"},
	)
	OutdatedQueries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "histq_outdated_queries",
			Help: "Number of recurring queries found due for refresh on the last scheduler pass",
		},
	)
	SecondsSinceRefresh = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "histq_seconds_since_refresh",
			Help: "Seconds elapsed between the two most recent scheduler passes",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "histq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "histq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordJobEnqueued(jobType, queueName string) {
	JobsEnqueued.WithLabelValues(jobType, queueName).Inc()
}

func RecordJobCompleted(jobType string, duration time.Duration) {
	JobsCompleted.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "succeeded").Observe(duration.Seconds())
}

func RecordJobFailed(jobType string, duration time.Duration) {
	JobsFailed.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "failed").Observe(duration.Seconds())
}

func RecordJobRetried(jobType string) {
	JobsRetried.WithLabelValues(jobType).Inc()
}

func RecordDedupConflict() {
	DedupConflicts.Inc()
}

func RecordStaleLockRecovered() {
	StaleLocksRecovered.Inc()
}

func RecordSnapshotWritten() {
	SnapshotsWritten.Inc()
}

func RecordExecutorWait(seconds float64) {
	ExecutorWaitSeconds.Observe(seconds)
}

func RecordExecutionRuntime(seconds float64) {
	ExecutionRuntime.Observe(seconds)
}

func UpdateTrackerBucket(trackerName, bucket string, size int) {
	TrackerBucketSize.WithLabelValues(trackerName, bucket).Set(float64(size))
}

func UpdateOutdatedQueries(count int) {
	OutdatedQueries.Set(float64(count))
}

func UpdateSecondsSinceRefresh(seconds float64) {
	SecondsSinceRefresh.Set(seconds)
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
