package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide Prometheus collectors for the admin
// surface, grounded on internal/escrow/metrics.go's promauto construction
// pattern.
type Metrics struct {
	WorkersActive     prometheus.Gauge
	WorkersPendingGB  prometheus.Gauge
	StreamsActive     prometheus.Gauge
	StreamsTotal      *prometheus.CounterVec
	StreamDuration    prometheus.Histogram
	RetitleQueueDepth prometheus.Gauge
	SpawnTotal        *prometheus.CounterVec
}

// NewMetrics constructs and registers all collectors against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		WorkersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "core_workers_active",
			Help: "Number of worker subprocesses currently tracked by the supervisor.",
		}),
		WorkersPendingGB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "core_workers_pending_vram_gb",
			Help: "Sum of projected VRAM GB reserved by workers still loading.",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "core_streams_active",
			Help: "Number of generation requests in flight, including those still waiting for a semaphore permit.",
		}),
		StreamsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "core_streams_total",
			Help: "Total number of generation streams, labeled by outcome.",
		}, []string{"outcome"}), // outcome: completed, cancelled, error
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "core_stream_duration_seconds",
			Help:    "Wall-clock duration of a generation stream from request to trailer.",
			Buckets: prometheus.DefBuckets,
		}),
		RetitleQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "core_retitle_queue_depth",
			Help: "Number of sessions currently queued for auto-retitling.",
		}),
		SpawnTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "core_worker_spawn_total",
			Help: "Total worker spawn attempts, labeled by outcome.",
		}, []string{"outcome"}), // outcome: ok, guardrail_abort, error
	}
}
