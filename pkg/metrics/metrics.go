// Package metrics exposes the venue's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine counters. A nil *Metrics is valid and records
// nothing, so tests and tools can run uninstrumented.
type Metrics struct {
	registry *prometheus.Registry

	ordersAccepted  prometheus.Counter
	ordersRejected  prometheus.Counter
	tradesExecuted  prometheus.Counter
	conflictRetries prometheus.Counter
	txDuration      prometheus.Histogram
}

func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		ordersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_accepted_total",
			Help:      "Orders that committed successfully",
		}),
		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected or aborted",
		}),
		tradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Trades produced by the matcher",
		}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Transaction attempts retried after a write conflict",
		}),
		txDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_duration_seconds",
			Help:      "Wall time of one engine transaction attempt",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	registry.MustRegister(
		m.ordersAccepted,
		m.ordersRejected,
		m.tradesExecuted,
		m.conflictRetries,
		m.txDuration,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderAccepted(trades int) {
	if m == nil {
		return
	}
	m.ordersAccepted.Inc()
	m.tradesExecuted.Add(float64(trades))
}

func (m *Metrics) OrderRejected() {
	if m == nil {
		return
	}
	m.ordersRejected.Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

func (m *Metrics) TxDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.txDuration.Observe(d.Seconds())
}
