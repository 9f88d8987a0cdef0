package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics contains Prometheus metrics for record store HTTP calls
type GatewayMetrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestErrors   *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewGatewayMetrics creates and registers gateway metrics
func NewGatewayMetrics(registry *prometheus.Registry) (*GatewayMetrics, error) {
	m := &GatewayMetrics{registry: registry}
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of record store requests by operation and HTTP status code",
		},
		[]string{"operation", "code"},
	)
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Record store request latency",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
		},
		[]string{"operation"},
	)
	m.requestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_request_errors_total",
			Help: "Record store requests that failed before a response was received",
		},
		[]string{"operation"},
	)
	m.collectors = []prometheus.Collector{m.requestsTotal, m.requestDuration, m.requestErrors}

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *GatewayMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *GatewayMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// RecordRequest records a completed request. Safe on a nil receiver.
func (m *GatewayMetrics) RecordRequest(operation string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(operation, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTransportError records a request that got no response
func (m *GatewayMetrics) RecordTransportError(operation string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(operation).Inc()
}
