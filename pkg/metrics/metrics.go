// Package metrics exposes the gateway's Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records admission, ledger and detector activity.
type Collector struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	admissionLatency *prometheus.HistogramVec
	estimatedCost    *prometheus.CounterVec
	actualCost       *prometheus.CounterVec
	overshoots       *prometheus.CounterVec
	overshootCost    *prometheus.CounterVec
	freezes          *prometheus.CounterVec
	leaks            prometheus.Counter
	storeRetries     *prometheus.CounterVec
}

// New creates a Collector under namespace.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		admissionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "End-to-end admission latency including the upstream call.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		estimatedCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimated_cost_usd_total",
			Help:      "Sum of reserved estimates in USD.",
		}, []string{"model"}),
		actualCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actual_cost_usd_total",
			Help:      "Sum of committed actual costs in USD.",
		}, []string{"model"}),
		overshoots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_overshoots_total",
			Help:      "Commits whose actual cost exceeded the reserved estimate.",
		}, []string{"model"}),
		overshootCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_overshoot_usd_total",
			Help:      "USD charged beyond reserved estimates.",
		}, []string{"model"}),
		freezes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_triggers_total",
			Help:      "Anomaly rules that fired, by rule.",
		}, []string{"rule"}),
		leaks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_leaks_total",
			Help:      "Reservations reclaimed after their deadline without being settled.",
		}),
		storeRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Store operations retried after a transient failure.",
		}, []string{"op"}),
	}
}

// Decision counts one admission outcome.
func (c *Collector) Decision(outcome, reason string, latency time.Duration) {
	c.decisions.WithLabelValues(outcome, reason).Inc()
	c.admissionLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

// Estimated adds a reserved estimate.
func (c *Collector) Estimated(model string, usd float64) {
	c.estimatedCost.WithLabelValues(model).Add(usd)
}

// Actual adds a committed cost.
func (c *Collector) Actual(model string, usd float64) {
	c.actualCost.WithLabelValues(model).Add(usd)
}

// Overshoot records a commit that cost more than its estimate.
func (c *Collector) Overshoot(model string, usd float64) {
	c.overshoots.WithLabelValues(model).Inc()
	c.overshootCost.WithLabelValues(model).Add(usd)
}

// AnomalyTrigger counts a fired rule.
func (c *Collector) AnomalyTrigger(rule string) {
	c.freezes.WithLabelValues(rule).Inc()
}

// ReservationLeak counts reclaimed holds.
func (c *Collector) ReservationLeak(_ string, n int) {
	c.leaks.Add(float64(n))
}

// StoreRetry counts a retried store call.
func (c *Collector) StoreRetry(op string, _ int, _ error) {
	c.storeRetries.WithLabelValues(op).Inc()
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
