package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chunk metrics
	ChunksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "occuplan_chunks_total",
			Help: "Number of chunks by space type and status",
		},
		[]string{"space_type", "status"},
	)

	ChunksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occuplan_chunks_submitted_total",
			Help: "Total chunk jobs handed to the executor by job type",
		},
		[]string{"job_type"},
	)

	ChunkTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occuplan_chunk_timeouts_total",
			Help: "Total chunk timeouts by outcome (retried or failed)",
		},
		[]string{"outcome"},
	)

	SubmissionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "occuplan_submission_failures_total",
			Help: "Total transient job submission failures",
		},
	)

	// Scheduler metrics
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "occuplan_scheduler_tick_duration_seconds",
			Help:    "Scheduler tick duration in seconds by loop",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheduler"},
	)

	TicksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occuplan_scheduler_ticks_skipped_total",
			Help: "Scheduler ticks skipped by the backpressure gate",
		},
		[]string{"scheduler"},
	)

	// Backpressure metrics
	MemoryUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "occuplan_memory_utilization_percent",
			Help: "Current memory utilization of the scheduler's cgroup",
		},
	)

	// Dataset metrics
	DatasetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "occuplan_datasets_total",
			Help: "Number of datasets by status",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occuplan_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "occuplan_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ChunksTotal)
	prometheus.MustRegister(ChunksSubmitted)
	prometheus.MustRegister(ChunkTimeouts)
	prometheus.MustRegister(SubmissionFailures)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(TicksSkipped)
	prometheus.MustRegister(MemoryUtilization)
	prometheus.MustRegister(DatasetsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
