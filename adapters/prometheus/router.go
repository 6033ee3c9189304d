package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/mcring-go/core/cluster"
	"github.com/codewandler/mcring-go/core/metrics"
)

// routerMetrics implements cluster.RouterMetrics using Prometheus.
type routerMetrics struct {
	opDuration *prometheus.HistogramVec
	opsTotal   *prometheus.CounterVec
	opRetries  *prometheus.CounterVec
	opFailures *prometheus.CounterVec

	nodesActive   prometheus.Gauge
	nodeEvictions *prometheus.CounterVec
	nodeRevivals  *prometheus.CounterVec
}

// NewRouterMetrics creates a new Prometheus implementation of RouterMetrics.
func NewRouterMetrics(reg prometheus.Registerer) cluster.RouterMetrics {
	m := &routerMetrics{
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcring_cluster_op_duration_seconds",
			Help:    "Cache operation latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"op"}),

		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcring_cluster_ops_total",
			Help: "Total number of cache operations",
		}, []string{"op", "success"}),

		opRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcring_cluster_op_retries_total",
			Help: "Total number of same-node operation retries",
		}, []string{"op"}),

		opFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcring_cluster_op_failures_total",
			Help: "Total number of failed operation attempts by error kind",
		}, []string{"op", "kind"}),

		nodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcring_cluster_nodes_active",
			Help: "Number of nodes currently receiving traffic",
		}),

		nodeEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcring_cluster_node_evictions_total",
			Help: "Total number of health evictions",
		}, []string{"node"}),

		nodeRevivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcring_cluster_node_revivals_total",
			Help: "Total number of node revivals after eviction",
		}, []string{"node"}),
	}

	reg.MustRegister(
		m.opDuration,
		m.opsTotal,
		m.opRetries,
		m.opFailures,
		m.nodesActive,
		m.nodeEvictions,
		m.nodeRevivals,
	)

	return m
}

func (m *routerMetrics) OpDuration(op string) metrics.Timer {
	return newTimer(m.opDuration.WithLabelValues(op))
}

func (m *routerMetrics) OpCompleted(op string, success bool) {
	m.opsTotal.WithLabelValues(op, boolToStr(success)).Inc()
}

func (m *routerMetrics) OpRetried(op string) {
	m.opRetries.WithLabelValues(op).Inc()
}

func (m *routerMetrics) OpFailed(op string, kind string) {
	m.opFailures.WithLabelValues(op, kind).Inc()
}

func (m *routerMetrics) NodesActive(count int) {
	m.nodesActive.Set(float64(count))
}

func (m *routerMetrics) NodeEvicted(node string) {
	m.nodeEvictions.WithLabelValues(node).Inc()
}

func (m *routerMetrics) NodeRevived(node string) {
	m.nodeRevivals.WithLabelValues(node).Inc()
}

var _ cluster.RouterMetrics = (*routerMetrics)(nil)
