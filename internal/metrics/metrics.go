// Package metrics exposes Prometheus instrumentation for the sync engine.
//
// Counters follow dispatch outcomes, gauges track queue depth and circuit
// state, and a histogram records dispatch latency. Collection is optional:
// a nil *Collector is safe to call everywhere, so tests and minimal
// deployments skip the registry entirely.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	mutationsEnqueued  prometheus.Counter
	dispatchOutcomes   *prometheus.CounterVec
	retriesScheduled   prometheus.Counter
	budgetDeferrals    prometheus.Counter
	conflictsResolved  *prometheus.CounterVec
	dispatchLatency    prometheus.Histogram
	queueDepth         prometheus.Gauge
	inflight           prometheus.Gauge
	circuitState       *prometheus.GaugeVec
	idempotencyReuses  prometheus.Counter
}

// NewCollector creates and registers the engine metrics on a private
// registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		mutationsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_mutations_enqueued_total",
			Help: "User intents durably captured into the queue.",
		}),
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_dispatch_outcomes_total",
			Help: "Dispatch attempts by classified outcome.",
		}, []string{"outcome"}),
		retriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_retries_scheduled_total",
			Help: "Mutations returned to the queue with a backoff.",
		}),
		budgetDeferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_global_budget_deferrals_total",
			Help: "Retries deferred because the global retry budget was spent.",
		}),
		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_conflicts_resolved_total",
			Help: "Reconciler resolutions by policy.",
		}, []string{"policy"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_dispatch_latency_seconds",
			Help:    "Wall time of one dispatch attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Mutations currently queued.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_inflight",
			Help: "Mutations currently inflight.",
		}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_circuit_state",
			Help: "Circuit breaker state per host (0 closed, 1 open, 2 half-open).",
		}, []string{"host"}),
		idempotencyReuses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_idempotency_reuses_total",
			Help: "Duplicate intents short-circuited by the advisory cache.",
		}),
	}

	c.registry.MustRegister(
		c.mutationsEnqueued,
		c.dispatchOutcomes,
		c.retriesScheduled,
		c.budgetDeferrals,
		c.conflictsResolved,
		c.dispatchLatency,
		c.queueDepth,
		c.inflight,
		c.circuitState,
		c.idempotencyReuses,
	)
	return c
}

// Handler returns the /metrics HTTP handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// All mutators tolerate a nil receiver so instrumentation stays optional.

func (c *Collector) MutationEnqueued() {
	if c != nil {
		c.mutationsEnqueued.Inc()
	}
}

func (c *Collector) DispatchOutcome(outcome string, elapsed time.Duration) {
	if c != nil {
		c.dispatchOutcomes.WithLabelValues(outcome).Inc()
		c.dispatchLatency.Observe(elapsed.Seconds())
	}
}

func (c *Collector) RetryScheduled() {
	if c != nil {
		c.retriesScheduled.Inc()
	}
}

func (c *Collector) BudgetDeferral() {
	if c != nil {
		c.budgetDeferrals.Inc()
	}
}

func (c *Collector) ConflictResolved(policy string) {
	if c != nil {
		c.conflictsResolved.WithLabelValues(policy).Inc()
	}
}

func (c *Collector) SetQueueDepth(queued, inflight int64) {
	if c != nil {
		c.queueDepth.Set(float64(queued))
		c.inflight.Set(float64(inflight))
	}
}

func (c *Collector) SetCircuitState(host string, state float64) {
	if c != nil {
		c.circuitState.WithLabelValues(host).Set(state)
	}
}

func (c *Collector) IdempotencyReuse() {
	if c != nil {
		c.idempotencyReuses.Inc()
	}
}
