package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the worker and queue.
//
// All metrics are namespaced "hybridengine_":
//
//   - queue_depth (gauge): tickets currently in the durable queue.
//   - jobs_total (counter): processed tickets by outcome
//     (completed/failed/deferred/discarded/dead_letter).
//   - step_latency_ms (histogram): adapter execution time by action and
//     outcome.
//   - requeues_total (counter): tickets re-enqueued with unmet
//     dependencies.
//   - recoveries_total (counter): interrupted steps reset during startup
//     recovery.
type Metrics struct {
	queueDepth  prometheus.Gauge
	jobs        *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec
	requeues    prometheus.Counter
	recoveries  prometheus.Counter
}

// NewMetrics registers the collector set with the given registry. Pass nil
// to use the default global registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hybridengine",
			Name:      "queue_depth",
			Help:      "Number of tickets currently in the job queue.",
		}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hybridengine",
			Name:      "jobs_total",
			Help:      "Processed job tickets by outcome.",
		}, []string{"outcome"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hybridengine",
			Name:      "step_latency_ms",
			Help:      "Step execution latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"action", "outcome"}),
		requeues: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridengine",
			Name:      "requeues_total",
			Help:      "Tickets re-enqueued because dependencies were not met.",
		}),
		recoveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridengine",
			Name:      "recoveries_total",
			Help:      "Interrupted steps reset during startup recovery.",
		}),
	}
}

// SetQueueDepth records the current queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// JobOutcome counts one processed ticket.
func (m *Metrics) JobOutcome(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

// ObserveStepLatency records one adapter execution.
func (m *Metrics) ObserveStepLatency(action, outcome string, ms float64) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(action, outcome).Observe(ms)
}

// Requeue counts one dependency deferral.
func (m *Metrics) Requeue() {
	if m == nil {
		return
	}
	m.requeues.Inc()
}

// Recovery counts one step reset at startup.
func (m *Metrics) Recovery() {
	if m == nil {
		return
	}
	m.recoveries.Inc()
}
