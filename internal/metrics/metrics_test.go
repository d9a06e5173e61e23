package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.SetPreEstablished(3)
	m.HealthCheck(true)
	m.HealthCheck(false)
	m.HealthCheck(false)
	m.Evicted("ttl")
	m.StateDropped("stale")
	m.Augmented(4)
	m.Augmented(0)
	m.Skipped("poll")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PreEstablished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthChecks.WithLabelValues("healthy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HealthChecks.WithLabelValues("unhealthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions.WithLabelValues("ttl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatesDropped.WithLabelValues("stale")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.AugmentedEntity))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksSkipped.WithLabelValues("poll")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["test_pool_pre_established_connections"])
	assert.True(t, names["test_sync_augmented_entities_total"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetPreEstablished(1)
	m.HealthCheck(true)
	m.Evicted("distance")
	m.Transition("success", 0.1)
	m.Mismatch()
	m.Chronic()
	m.StateAccepted()
	m.StateDropped("foreign")
	m.Augmented(2)
	m.Skipped("heartbeat")
	m.HeartbeatFailed()
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "dup")
	assert.Panics(t, func() { New(reg, "dup") })
}
