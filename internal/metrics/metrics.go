// Package metrics exposes Prometheus instrumentation for the sample pipeline.
//
// Queue metrics:
//   - locsync_samples_enqueued_total
//   - locsync_samples_dropped_total{reason}
//   - locsync_samples_evicted_total{reason}
//   - locsync_queue_depth{state}
//
// Upload metrics:
//   - locsync_uploads_total{result}: success, transient, fatal
//   - locsync_upload_duration_seconds
//   - locsync_upload_batch_size
//   - locsync_circuit_breaker_state: 0=closed, 1=half-open, 2=open
//
// Tracking and history metrics:
//   - locsync_tracking_state{state}: 1 for the current state
//   - locsync_history_refreshes_total{result}
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "locsync_samples_enqueued_total",
			Help: "Total number of samples accepted into the sync queue",
		},
	)
	SamplesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locsync_samples_dropped_total",
			Help: "Samples rejected at enqueue",
		},
		[]string{"reason"},
	)
	SamplesEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locsync_samples_evicted_total",
			Help: "Samples removed by retention maintenance",
		},
		[]string{"reason"},
	)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "locsync_queue_depth",
			Help: "Persisted samples by sync state",
		},
		[]string{"state"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locsync_uploads_total",
			Help: "Upload attempts by result",
		},
		[]string{"result"},
	)
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "locsync_upload_duration_seconds",
			Help:    "Collector write latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	UploadBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "locsync_upload_batch_size",
			Help:    "Samples per upload attempt",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locsync_circuit_breaker_state",
			Help: "Collector circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	TrackingState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "locsync_tracking_state",
			Help: "1 for the current tracking state, 0 otherwise",
		},
		[]string{"state"},
	)
	HistoryRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locsync_history_refreshes_total",
			Help: "Remote history refreshes by result",
		},
		[]string{"result"},
	)
)

// SetTrackingState flags current and clears every other state.
func SetTrackingState(current string, all ...string) {
	for _, s := range all {
		TrackingState.WithLabelValues(s).Set(0)
	}
	TrackingState.WithLabelValues(current).Set(1)
}
