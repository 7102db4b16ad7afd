package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/groenwerk/fieldsync/internal/domain"
	"github.com/groenwerk/fieldsync/internal/engine"
)

// Metrics groups all Prometheus instruments used by the agent.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	UploadsCompleted *prometheus.CounterVec
	UploadsFailed    *prometheus.CounterVec
	UploadLatency    *prometheus.HistogramVec
	QueuePending     prometheus.Gauge
	QueueUploading   prometheus.Gauge
	QueueCompleted   prometheus.Gauge
	QueueFailed      prometheus.Gauge
}

// New registers all instruments with the given registerer and returns the
// populated Metrics struct. Using a custom registry (instead of
// prometheus.DefaultRegisterer) keeps tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UploadsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_uploads_completed_total",
			Help: "Total number of successfully uploaded queue items.",
		}, []string{"type"}),

		UploadsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_uploads_failed_total",
			Help: "Total number of permanently failed queue items (budget exhausted or permanent error).",
		}, []string{"type"}),

		UploadLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_upload_seconds",
			Help:    "Per-attempt upload latency from handler invocation to completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),

		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_queue_pending",
			Help: "Current number of items waiting for upload.",
		}),
		QueueUploading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_queue_uploading",
			Help: "Current number of items with an upload in flight.",
		}),
		QueueCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_queue_completed",
			Help: "Current number of uploaded items not yet cleared.",
		}),
		QueueFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_queue_failed",
			Help: "Current number of items awaiting manual retry or removal.",
		}),
	}

	reg.MustRegister(
		m.UploadsCompleted,
		m.UploadsFailed,
		m.UploadLatency,
		m.QueuePending,
		m.QueueUploading,
		m.QueueCompleted,
		m.QueueFailed,
	)

	return m
}

// EngineHooks returns the callbacks expected by engine.Hooks.
// Centralises the prometheus observation calls so the engine stays import-free.
func (m *Metrics) EngineHooks() engine.Hooks {
	return engine.Hooks{
		OnCompleted: func(itemType string, latency time.Duration) {
			m.UploadsCompleted.WithLabelValues(itemType).Inc()
			m.UploadLatency.WithLabelValues(itemType).Observe(latency.Seconds())
		},
		OnFailed: func(itemType string) {
			m.UploadsFailed.WithLabelValues(itemType).Inc()
		},
		OnCounts: func(c domain.Counts) {
			m.QueuePending.Set(float64(c.Pending))
			m.QueueUploading.Set(float64(c.Uploading))
			m.QueueCompleted.Set(float64(c.Completed))
			m.QueueFailed.Set(float64(c.Failed))
		},
	}
}
