// Package metrics holds the Prometheus instrumentation of the sync engine.
//
// The one true lost-update case, an operation dropped from the sync queue,
// is counted in lifesync_sync_dropped_operations_total so it can be alerted
// on. Queue depth and drain outcomes are exported alongside it.
//
// Metrics register against the Registerer passed to New. Tests pass a fresh
// prometheus.NewRegistry() so every test starts from zero.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "lifesync"
	subsystem = "sync"
)

// Drop reasons.
const (
	ReasonRejected  = "rejected"
	ReasonExhausted = "exhausted"
)

// Metrics is the engine's instrumentation.
type Metrics struct {
	// OperationsTotal counts drained operations by table, op and result
	// (processed, requeued, rejected, exhausted).
	OperationsTotal *prometheus.CounterVec

	// DroppedTotal counts operations removed from the queue without
	// reaching the remote. Labels: table, reason.
	DroppedTotal *prometheus.CounterVec

	// EnqueuedTotal counts operations added to the queue. Labels: table, op.
	EnqueuedTotal *prometheus.CounterVec

	// FallbacksTotal counts adapter calls that degraded to local-only.
	// Labels: kind, op, error kind.
	FallbacksTotal *prometheus.CounterVec

	// DrainsTotal counts drain invocations by outcome
	// (completed, skipped, aborted, unauthorized, empty).
	DrainsTotal *prometheus.CounterVec

	// DrainDuration measures completed drains.
	DrainDuration prometheus.Histogram

	// QueueDepth is the number of queued operations after the last change.
	QueueDepth prometheus.Gauge

	// SweptTotal counts local-only records mirrored by a sweep. Labels: kind.
	SweptTotal *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
// A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Queued operations attempted during drains, by result.",
		}, []string{"table", "op", "result"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_operations_total",
			Help:      "Operations dropped from the sync queue without being applied remotely.",
		}, []string{"table", "reason"}),
		EnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "enqueued_operations_total",
			Help:      "Operations added to the sync queue.",
		}, []string{"table", "op"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "local_fallbacks_total",
			Help:      "Entity store calls that fell back to local-only state.",
		}, []string{"kind", "op", "error_kind"}),
		DrainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "drains_total",
			Help:      "Drain invocations by outcome.",
		}, []string{"outcome"}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "drain_duration_seconds",
			Help:      "Duration of drains that dispatched at least one operation.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Operations waiting in the sync queue.",
		}),
		SweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "swept_records_total",
			Help:      "Local-only records mirrored remotely by a sweep.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.OperationsTotal,
		m.DroppedTotal,
		m.EnqueuedTotal,
		m.FallbacksTotal,
		m.DrainsTotal,
		m.DrainDuration,
		m.QueueDepth,
		m.SweptTotal,
	)
	return m
}

// ObserveOperation records one drained operation.
func (m *Metrics) ObserveOperation(table, op, result string) {
	m.OperationsTotal.WithLabelValues(table, op, result).Inc()
}

// ObserveDropped records an operation that left the queue unapplied.
func (m *Metrics) ObserveDropped(table, reason string) {
	m.DroppedTotal.WithLabelValues(table, reason).Inc()
}

// ObserveEnqueued records a new queue entry.
func (m *Metrics) ObserveEnqueued(table, op string) {
	m.EnqueuedTotal.WithLabelValues(table, op).Inc()
}

// ObserveFallback records a degraded adapter call.
func (m *Metrics) ObserveFallback(kind, op, errKind string) {
	m.FallbacksTotal.WithLabelValues(kind, op, errKind).Inc()
}

// ObserveDrain records a drain outcome and, when d > 0, its duration.
func (m *Metrics) ObserveDrain(outcome string, d time.Duration) {
	m.DrainsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.DrainDuration.Observe(d.Seconds())
	}
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// ObserveSwept records records mirrored by a sweep.
func (m *Metrics) ObserveSwept(kind string, n int) {
	if n > 0 {
		m.SweptTotal.WithLabelValues(kind).Add(float64(n))
	}
}
