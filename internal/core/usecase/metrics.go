package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BufferMetrics instruments the hot logging path.
type BufferMetrics struct {
	Submissions     *prometheus.CounterVec
	SubmitLatency   prometheus.Histogram
	BufferDepth     prometheus.Gauge
	FlushBatches    prometheus.Counter
	FlushedRecords  prometheus.Counter
	SealFailures    prometheus.Counter
	FastPathHealthy prometheus.Gauge
}

func NewBufferMetrics(reg prometheus.Registerer) *BufferMetrics {
	factory := promauto.With(reg)
	m := &BufferMetrics{
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_buffer_submissions_total",
			Help: "Audit event submissions by outcome.",
		}, []string{"outcome"}),
		SubmitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_buffer_submit_latency_seconds",
			Help:    "Caller-observed submit latency on the fast path.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		BufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audit_buffer_depth",
			Help: "Events currently buffered awaiting flush.",
		}),
		FlushBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "audit_buffer_flush_batches_total",
			Help: "Tenant batches flushed to storage.",
		}),
		FlushedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "audit_buffer_flushed_records_total",
			Help: "Records sealed and persisted by the flush worker.",
		}),
		SealFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "audit_buffer_seal_failures_total",
			Help: "Flush-time seal failures that fell back to unsealed writes.",
		}),
		FastPathHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audit_buffer_fast_path_healthy",
			Help: "1 while the fast path meets its latency budget, 0 while degraded.",
		}),
	}
	m.FastPathHealthy.Set(1)
	return m
}
