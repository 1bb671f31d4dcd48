// Package metrics exposes Prometheus instrumentation for the recovery
// engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	FailoverCounter   *prometheus.CounterVec
	FailoverDuration  *prometheus.HistogramVec
	ReplicationLag    *prometheus.GaugeVec
	SnapshotBytes     prometheus.Histogram
	SnapshotDuration  *prometheus.HistogramVec
	HibernationsTotal prometheus.Counter
	RequestCounter    *prometheus.CounterVec
	registry          *prometheus.Registry
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// New creates and registers all metrics (singleton pattern for tests)
func New() *Metrics {
	metricsOnce.Do(func() {
		registry := prometheus.NewRegistry()

		m := &Metrics{
			FailoverCounter: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bastion_failovers_total",
					Help: "Total number of recovery attempts",
				},
				[]string{"strategy", "outcome"},
			),
			FailoverDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "bastion_failover_duration_seconds",
					Help:    "End-to-end recovery latency in seconds",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
				},
				[]string{"strategy"},
			),
			ReplicationLag: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "bastion_replication_lag_seconds",
					Help: "Seconds since the last successful sync per association",
				},
				[]string{"association"},
			),
			SnapshotBytes: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "bastion_snapshot_bytes",
					Help:    "Compressed snapshot sizes in bytes",
					Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
				},
			),
			SnapshotDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "bastion_snapshot_duration_seconds",
					Help:    "Snapshot create/restore latency in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
			HibernationsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "bastion_hibernations_total",
					Help: "Total number of units parked for idleness",
				},
			),
			RequestCounter: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bastion_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			registry: registry,
		}

		registry.MustRegister(m.FailoverCounter)
		registry.MustRegister(m.FailoverDuration)
		registry.MustRegister(m.ReplicationLag)
		registry.MustRegister(m.SnapshotBytes)
		registry.MustRegister(m.SnapshotDuration)
		registry.MustRegister(m.HibernationsTotal)
		registry.MustRegister(m.RequestCounter)

		metricsInstance = m
	})

	return metricsInstance
}

// ObserveFailover records one finished recovery
func (m *Metrics) ObserveFailover(strategy, outcome string, elapsed time.Duration) {
	m.FailoverCounter.WithLabelValues(strategy, outcome).Inc()
	m.FailoverDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// SetReplicationLag updates the lag gauge for an association
func (m *Metrics) SetReplicationLag(assocID string, lag time.Duration) {
	m.ReplicationLag.WithLabelValues(assocID).Set(lag.Seconds())
}

// ObserveSnapshot records one snapshot operation
func (m *Metrics) ObserveSnapshot(operation string, bytes int64, elapsed time.Duration) {
	if operation == "create" {
		m.SnapshotBytes.Observe(float64(bytes))
	}
	if elapsed > 0 {
		m.SnapshotDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	}
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
