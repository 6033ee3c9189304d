package cluster

import "github.com/codewandler/mcring-go/core/metrics"

// RouterMetrics defines the metrics interface for the cluster pillar.
// All methods are thread-safe.
type RouterMetrics interface {
	// Operations
	OpDuration(op string) metrics.Timer
	OpCompleted(op string, success bool)
	OpRetried(op string)

	// Failures by taxonomy kind: client, server, protocol, connection,
	// pool_exhausted, topology
	OpFailed(op string, kind string)

	// Topology
	NodesActive(count int)
	NodeEvicted(node string)
	NodeRevived(node string)
}

// nopRouterMetrics is a no-op implementation of RouterMetrics.
type nopRouterMetrics struct{}

func (nopRouterMetrics) OpDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopRouterMetrics) OpCompleted(string, bool)        {}
func (nopRouterMetrics) OpRetried(string)                {}

func (nopRouterMetrics) OpFailed(string, string) {}

func (nopRouterMetrics) NodesActive(int)    {}
func (nopRouterMetrics) NodeEvicted(string) {}
func (nopRouterMetrics) NodeRevived(string) {}

// NopRouterMetrics returns a no-op RouterMetrics implementation.
func NopRouterMetrics() RouterMetrics { return nopRouterMetrics{} }
