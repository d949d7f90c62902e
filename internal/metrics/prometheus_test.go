package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "node-1")

	m.RecordSend("volatile", "accepted", 0.001)
	m.RecordSend("volatile", "rejected", 0.001)
	m.RecordFanOut("reset", 0.1, []string{"db:a", "db:b"})
	m.RecordHardReferenceDeletes("Person", "reconcile", 3)
	m.RecordHardReferenceDeletes("Person", "reconcile", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DriverSendsTotal.WithLabelValues("volatile", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FanOutFailuresTotal.WithLabelValues("reset", "db:b")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HardReferenceDeletesTotal.WithLabelValues("Person", "reconcile")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			var nodeID string
			for _, l := range metric.GetLabel() {
				if l.GetName() == "node_id" {
					nodeID = l.GetValue()
				}
			}
			assert.Equal(t, "node-1", nodeID, f.GetName())
		}
	}

	// A second set of metrics on a separate registry must not collide.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry(), "node-2") })
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSend("db", "accepted", 0)
		m.RecordReceive("db")
		m.DriverAttached("db", 1)
		m.RecordRetry()
		m.RecordUnsupportedKey()
		m.DatabaseRegistered(true)
		m.RecordDatabaseWrite("db:main", "accepted")
		m.RecordFanOut("x", 0, []string{"a"})
		m.UpdateDatabaseStats(false, 1, 2)
		m.RecordReconcile("ok", 0)
		m.RecordHardReferenceDeletes("ns", "trigger", 1)
		m.RecordPoolTask("p", "completed")
	})
}
