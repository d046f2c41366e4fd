// Package metrics exposes Prometheus collectors for pipeline activity:
// queue depth, change throughput, resident time, window sizes, and report
// outcomes. Collectors are package level and registered once via
// MustRegister; the manager updates them as items move through queues.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	CurrentChanges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_pipeline_current_changes",
			Help: "Number of items currently in the pipeline",
		},
		[]string{"tenant", "pipeline"},
	)

	TotalChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_pipeline_total_changes_total",
			Help: "Total number of items that have left the pipeline",
		},
		[]string{"tenant", "pipeline"},
	)

	ResidentTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_pipeline_resident_time_seconds",
			Help:    "Time items spend in the pipeline from enqueue to dequeue",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"tenant", "pipeline"},
	)

	Reports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_pipeline_reports_total",
			Help: "Reports emitted by result",
		},
		[]string{"tenant", "pipeline", "result"},
	)

	WindowSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_queue_window_size",
			Help: "Current window size per change queue",
		},
		[]string{"tenant", "pipeline", "queue"},
	)

	// Semaphore metrics
	SemaphoreHolders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_semaphore_holders",
			Help: "Current holder count per semaphore",
		},
		[]string{"tenant", "semaphore"},
	)
)

func init() {
	prometheus.MustRegister(
		CurrentChanges,
		TotalChanges,
		ResidentTime,
		Reports,
		WindowSize,
		SemaphoreHolders,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
