// Package metrics exports the transaction runner's retry loop as Prometheus
// collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/kbq/internal/txn"
)

const namespace = "kbq"

// Observer implements txn.Observer with Prometheus collectors.
type Observer struct {
	ops      *prometheus.CounterVec
	retries  *prometheus.CounterVec
	attempts *prometheus.HistogramVec
	duration *prometheus.HistogramVec
}

var _ txn.Observer = (*Observer)(nil)

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by outcome (ok, empty, invalid, exhausted, error).",
		}, []string{"engine", "op", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Attempts rolled back on a transient conflict and retried.",
		}, []string{"engine", "op"}),
		attempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts",
			Help:      "Transactions started per operation.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}, []string{"engine", "op"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time per operation including backoff waits.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		}, []string{"engine", "op"}),
	}
}

// Retried implements txn.Observer.
func (o *Observer) Retried(op txn.Op, attempt int, err error) {
	o.retries.WithLabelValues(op.Engine, op.Name).Inc()
}

// Finished implements txn.Observer.
func (o *Observer) Finished(op txn.Op, attempts int, outcome txn.Outcome, elapsed time.Duration) {
	o.ops.WithLabelValues(op.Engine, op.Name, string(outcome)).Inc()
	o.attempts.WithLabelValues(op.Engine, op.Name).Observe(float64(attempts))
	o.duration.WithLabelValues(op.Engine, op.Name).Observe(elapsed.Seconds())
}

// Handler serves the metrics of gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
