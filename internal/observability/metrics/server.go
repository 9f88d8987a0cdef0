package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetrics contains Prometheus metrics for the reference record store server
type ServerMetrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheTotal        *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewServerMetrics creates and registers server metrics
func NewServerMetrics(registry *prometheus.Registry) (*ServerMetrics, error) {
	m := &ServerMetrics{registry: registry}
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordstore_operations_total",
			Help: "Record store operations by kind and outcome",
		},
		[]string{"operation", "status"},
	)
	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recordstore_operation_duration_seconds",
			Help:    "Record store operation latency",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
		},
		[]string{"operation"},
	)
	m.cacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordstore_cache_total",
			Help: "Record cache lookups by result",
		},
		[]string{"result"},
	)
	m.collectors = []prometheus.Collector{m.operationsTotal, m.operationDuration, m.cacheTotal}

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *ServerMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *ServerMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// RecordOperation records a store operation. Safe on a nil receiver.
func (m *ServerMetrics) RecordOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCache records a cache hit or miss
func (m *ServerMetrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheTotal.WithLabelValues(result).Inc()
}
