package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EditorMetrics contains Prometheus metrics for save scheduling and coordination
type EditorMetrics struct {
	registry *prometheus.Registry

	savesTotal        *prometheus.CounterVec
	saveDuration      *prometheus.HistogramVec
	validationBlocked *prometheus.CounterVec
	suppressedFires   prometheus.Counter
	deferredFires     prometheus.Counter
	stateTransitions  *prometheus.CounterVec
	hydrationsTotal   *prometheus.CounterVec
	discardedResults  prometheus.Counter

	collectors []prometheus.Collector
}

// NewEditorMetrics creates and registers editor metrics
func NewEditorMetrics(registry *prometheus.Registry) (*EditorMetrics, error) {
	m := &EditorMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *EditorMetrics) initMetrics() {
	m.savesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "editor_saves_total",
			Help: "Total number of save attempts against the record store",
		},
		[]string{"trigger", "status"},
	)
	m.saveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "editor_save_duration_seconds",
			Help:    "Time taken by save attempts",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
		},
		[]string{"trigger"},
	)
	m.validationBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "editor_validation_blocked_total",
			Help: "Save attempts blocked by record validation",
		},
		[]string{"trigger"},
	)
	m.suppressedFires = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editor_autosave_suppressed_total",
		Help: "Debounce timer fires withheld while a manual save held the slot",
	})
	m.deferredFires = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editor_autosave_deferred_total",
		Help: "Debounce timer fires re-armed because a save was already in flight",
	})
	m.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "editor_save_state_transitions_total",
			Help: "Save state transitions by target state",
		},
		[]string{"state"},
	)
	m.hydrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "editor_hydrations_total",
			Help: "Records loaded from the record store into an edit session",
		},
		[]string{"status"},
	)
	m.discardedResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "editor_discarded_save_results_total",
		Help: "Save results dropped because the session was closed",
	})

	m.collectors = []prometheus.Collector{
		m.savesTotal, m.saveDuration, m.validationBlocked, m.suppressedFires,
		m.deferredFires, m.stateTransitions, m.hydrationsTotal, m.discardedResults,
	}
}

// Describe implements the Collector interface
func (m *EditorMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *EditorMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// RecordSave records one save attempt. Safe on a nil receiver.
func (m *EditorMetrics) RecordSave(trigger, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.savesTotal.WithLabelValues(trigger, status).Inc()
	m.saveDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordValidationBlocked records a save refused by validation
func (m *EditorMetrics) RecordValidationBlocked(trigger string) {
	if m == nil {
		return
	}
	m.validationBlocked.WithLabelValues(trigger).Inc()
}

// RecordSuppressedFire records a timer fire withheld by suppression
func (m *EditorMetrics) RecordSuppressedFire() {
	if m == nil {
		return
	}
	m.suppressedFires.Inc()
}

// RecordDeferredFire records a timer fire re-armed behind an in-flight save
func (m *EditorMetrics) RecordDeferredFire() {
	if m == nil {
		return
	}
	m.deferredFires.Inc()
}

// RecordStateTransition records entry into state
func (m *EditorMetrics) RecordStateTransition(state string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(state).Inc()
}

// RecordHydration records a load into an edit session
func (m *EditorMetrics) RecordHydration(status string) {
	if m == nil {
		return
	}
	m.hydrationsTotal.WithLabelValues(status).Inc()
}

// RecordDiscardedResult records a save result dropped after close
func (m *EditorMetrics) RecordDiscardedResult() {
	if m == nil {
		return
	}
	m.discardedResults.Inc()
}
