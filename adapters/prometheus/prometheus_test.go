package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/mcring-go/core/cluster"
)

func TestNewRouterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRouterMetrics(reg)

	require.NotNil(t, m)

	// Operations
	timer := m.OpDuration("get")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.OpCompleted("get", true)
	m.OpCompleted("get", false)
	m.OpRetried("set")
	m.OpFailed("set", "connection")
	m.OpFailed("get", "server")

	// Topology
	m.NodesActive(3)
	m.NodeEvicted("mc-1:11211")
	m.NodeRevived("mc-1:11211")

	// Verify metrics were registered
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["mcring_cluster_op_duration_seconds"])
	assert.True(t, names["mcring_cluster_ops_total"])
	assert.True(t, names["mcring_cluster_op_retries_total"])
	assert.True(t, names["mcring_cluster_op_failures_total"])
	assert.True(t, names["mcring_cluster_nodes_active"])
	assert.True(t, names["mcring_cluster_node_evictions_total"])
	assert.True(t, names["mcring_cluster_node_revivals_total"])
}

func TestRouterMetrics_WithRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, _ := cluster.CreateTestRouter(t, 2, cluster.RouterOptions{
		Metrics: NewRouterMetrics(reg),
	})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), 0))
	_, err := r.Get(ctx, "k")
	require.NoError(t, err)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	families := make(map[string]float64)
	for _, mf := range mfs {
		var total float64
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
		families[mf.GetName()] = total
	}

	assert.Equal(t, 2.0, families["mcring_cluster_ops_total"], "one set, one get")
	assert.Equal(t, 2.0, families["mcring_cluster_nodes_active"])
}

func TestBoolToStr(t *testing.T) {
	assert.Equal(t, "true", boolToStr(true))
	assert.Equal(t, "false", boolToStr(false))
}
