package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replstore"

// Metrics holds all Prometheus metrics for a replstore node. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Driver metrics
	DriverSendsTotal     *prometheus.CounterVec
	DriverSendDuration   *prometheus.HistogramVec
	DriverReceivesTotal  *prometheus.CounterVec
	DriversAttached      *prometheus.GaugeVec
	DriverRetriesTotal   prometheus.Counter
	DriverResolveFailure prometheus.Counter

	// Database metrics
	DatabasesRegistered  *prometheus.GaugeVec
	DatabaseWritesTotal  *prometheus.CounterVec
	FanOutDuration       *prometheus.HistogramVec
	FanOutFailuresTotal  *prometheus.CounterVec
	DatabaseEntities     *prometheus.GaugeVec
	DatabaseStorageBytes *prometheus.GaugeVec

	// Reference reconciliation metrics
	ReconcileRunsTotal        *prometheus.CounterVec
	ReconcileDuration         prometheus.Histogram
	HardReferenceDeletesTotal *prometheus.CounterVec

	// Worker pool metrics
	PoolTasksTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Use a fresh
// prometheus.NewRegistry() per test.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)

	return &Metrics{
		DriverSendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "driver",
			Name:        "sends_total",
			Help:        "Driver sends by protocol and outcome (accepted, rejected, error)",
			ConstLabels: labels,
		}, []string{"protocol", "outcome"}),
		DriverSendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "driver",
			Name:        "send_duration_seconds",
			Help:        "Duration of driver sends",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 15),
		}, []string{"protocol"}),
		DriverReceivesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "driver",
			Name:        "receives_total",
			Help:        "Updates delivered to driver receivers",
			ConstLabels: labels,
		}, []string{"protocol"}),
		DriversAttached: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "driver",
			Name:        "attached",
			Help:        "Drivers currently attached",
			ConstLabels: labels,
		}, []string{"protocol"}),
		DriverRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "driver",
			Name:        "send_retries_total",
			Help:        "Sends retried after a version conflict",
			ConstLabels: labels,
		}),
		DriverResolveFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "driver",
			Name:        "unsupported_keys_total",
			Help:        "Driver lookups for which no provider matched",
			ConstLabels: labels,
		}),

		DatabasesRegistered: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "database",
			Name:        "registered",
			Help:        "Registered databases by persistence",
			ConstLabels: labels,
		}, []string{"persistent"}),
		DatabaseWritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "database",
			Name:        "writes_total",
			Help:        "Database writes by database and outcome",
			ConstLabels: labels,
		}, []string{"database", "outcome"}),
		FanOutDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "database",
			Name:        "fanout_duration_seconds",
			Help:        "Duration of operations run on all databases",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),
		FanOutFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "database",
			Name:        "fanout_failures_total",
			Help:        "Per-database failures during fan-out operations",
			ConstLabels: labels,
		}, []string{"operation", "database"}),
		DatabaseEntities: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "database",
			Name:        "entities",
			Help:        "Entities stored by persistence",
			ConstLabels: labels,
		}, []string{"persistent"}),
		DatabaseStorageBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "database",
			Name:        "storage_bytes",
			Help:        "Encoded bytes stored by persistence",
			ConstLabels: labels,
		}, []string{"persistent"}),

		ReconcileRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "reference",
			Name:        "reconcile_runs_total",
			Help:        "Reconcile runs by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "reference",
			Name:        "reconcile_duration_seconds",
			Help:        "Duration of reconcile runs",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		HardReferenceDeletesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "reference",
			Name:        "hard_reference_deletes_total",
			Help:        "Hard references deleted by namespace and trigger (reconcile, trigger)",
			ConstLabels: labels,
		}, []string{"namespace", "trigger"}),

		PoolTasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "workerpool",
			Name:        "tasks_total",
			Help:        "Worker pool tasks by pool and outcome",
			ConstLabels: labels,
		}, []string{"pool", "outcome"}),
	}
}

func persistentLabel(persistent bool) string {
	if persistent {
		return "true"
	}
	return "false"
}

// RecordSend records a driver send outcome.
func (m *Metrics) RecordSend(protocol, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.DriverSendsTotal.WithLabelValues(protocol, outcome).Inc()
	m.DriverSendDuration.WithLabelValues(protocol).Observe(seconds)
}

func (m *Metrics) RecordReceive(protocol string) {
	if m == nil {
		return
	}
	m.DriverReceivesTotal.WithLabelValues(protocol).Inc()
}

func (m *Metrics) DriverAttached(protocol string, delta float64) {
	if m == nil {
		return
	}
	m.DriversAttached.WithLabelValues(protocol).Add(delta)
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.DriverRetriesTotal.Inc()
}

func (m *Metrics) RecordUnsupportedKey() {
	if m == nil {
		return
	}
	m.DriverResolveFailure.Inc()
}

func (m *Metrics) DatabaseRegistered(persistent bool) {
	if m == nil {
		return
	}
	m.DatabasesRegistered.WithLabelValues(persistentLabel(persistent)).Inc()
}

func (m *Metrics) RecordDatabaseWrite(database, outcome string) {
	if m == nil {
		return
	}
	m.DatabaseWritesTotal.WithLabelValues(database, outcome).Inc()
}

// RecordFanOut records a fan-out duration and each failing database.
func (m *Metrics) RecordFanOut(operation string, seconds float64, failed []string) {
	if m == nil {
		return
	}
	m.FanOutDuration.WithLabelValues(operation).Observe(seconds)
	for _, db := range failed {
		m.FanOutFailuresTotal.WithLabelValues(operation, db).Inc()
	}
}

func (m *Metrics) UpdateDatabaseStats(persistent bool, entities int, bytes int64) {
	if m == nil {
		return
	}
	m.DatabaseEntities.WithLabelValues(persistentLabel(persistent)).Set(float64(entities))
	m.DatabaseStorageBytes.WithLabelValues(persistentLabel(persistent)).Set(float64(bytes))
}

func (m *Metrics) RecordReconcile(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.WithLabelValues(outcome).Inc()
	m.ReconcileDuration.Observe(seconds)
}

func (m *Metrics) RecordHardReferenceDeletes(namespace, trigger string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HardReferenceDeletesTotal.WithLabelValues(namespace, trigger).Add(float64(n))
}

func (m *Metrics) RecordPoolTask(pool, outcome string) {
	if m == nil {
		return
	}
	m.PoolTasksTotal.WithLabelValues(pool, outcome).Inc()
}
