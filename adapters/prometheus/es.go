package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/APiercey/commanded/core/es"
	"github.com/APiercey/commanded/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Executor metrics
	executeDuration         *prometheus.HistogramVec
	replayDuration          *prometheus.HistogramVec
	eventsAppended          *prometheus.CounterVec
	concurrencyConflicts    *prometheus.CounterVec
	conflictRetriesExceeded *prometheus.CounterVec
	stateCacheHits          *prometheus.CounterVec
	stateCacheMisses        *prometheus.CounterVec

	// Snapshot metrics
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec

	// Subscription metrics
	catchUpDuration  *prometheus.HistogramVec
	batchesDelivered *prometheus.CounterVec
	eventsDelivered  *prometheus.CounterVec
	subscriptionLag  *prometheus.GaugeVec
}

// NewESMetrics creates a Prometheus implementation of es.ESMetrics and
// registers its collectors with reg.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		executeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commanded_es_execute_duration_seconds",
			Help:    "Command execution latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		replayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commanded_es_replay_duration_seconds",
			Help:    "Aggregate rehydration latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commanded_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commanded_es_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}, []string{"aggregate_type"}),

		conflictRetriesExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commanded_es_conflict_retries_exceeded_total",
			Help: "Total number of commands that exhausted their retry budget",
		}, []string{"aggregate_type"}),

		stateCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commanded_es_state_cache_hits_total",
			Help: "Total number of aggregate state cache hits",
		}, []string{"aggregate_type"}),

		stateCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commanded_es_state_cache_misses_total",
			Help: "Total number of aggregate state cache misses",
		}, []string{"aggregate_type"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commanded_es_snapshot_load_duration_seconds",
			Help:    "Snapshot load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commanded_es_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		catchUpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commanded_es_subscription_catchup_duration_seconds",
			Help:    "Time a durable subscription spent catching up",
			Buckets: defaultBuckets,
		}, []string{"subscription"}),

		batchesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commanded_es_subscription_batches_total",
			Help: "Total number of batches delivered to subscriptions",
		}, []string{"subscription"}),

		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commanded_es_subscription_events_total",
			Help: "Total number of events delivered to subscriptions",
		}, []string{"subscription"}),

		subscriptionLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commanded_es_subscription_lag",
			Help: "Events between a subscription's acked position and the head",
		}, []string{"subscription"}),
	}

	reg.MustRegister(
		m.executeDuration,
		m.replayDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.conflictRetriesExceeded,
		m.stateCacheHits,
		m.stateCacheMisses,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.catchUpDuration,
		m.batchesDelivered,
		m.eventsDelivered,
		m.subscriptionLag,
	)

	return m
}

func (m *esMetrics) ExecuteDuration(aggType string) metrics.Timer {
	return newTimer(m.executeDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ReplayDuration(aggType string) metrics.Timer {
	return newTimer(m.replayDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) ConflictRetriesExceeded(aggType string) {
	m.conflictRetriesExceeded.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) StateCacheHit(aggType string) {
	m.stateCacheHits.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) StateCacheMiss(aggType string) {
	m.stateCacheMisses.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) CatchUpDuration(subscription string) metrics.Timer {
	return newTimer(m.catchUpDuration.WithLabelValues(subscription))
}

func (m *esMetrics) BatchDelivered(subscription string, size int) {
	m.batchesDelivered.WithLabelValues(subscription).Inc()
	m.eventsDelivered.WithLabelValues(subscription).Add(float64(size))
}

func (m *esMetrics) SubscriptionLag(subscription string, lag int64) {
	m.subscriptionLag.WithLabelValues(subscription).Set(float64(lag))
}

var _ es.ESMetrics = (*esMetrics)(nil)
