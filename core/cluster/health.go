package cluster

import (
	"sync"
	"time"

	"github.com/codewandler/mcring-go/core/ds"
)

const defaultDeadTimeout = 30 * time.Second

// HealthOptions enables connection-failure eviction. A node that fails
// MaxFailures times in a row with connection-kind errors is taken out of
// the active topology and offered traffic again after DeadTimeout. The
// operation that crossed the threshold still surfaces its error; eviction
// never reroutes a running request.
type HealthOptions struct {
	// MaxFailures is the consecutive connection failure count that evicts
	// a node. Zero disables eviction.
	MaxFailures int
	// DeadTimeout is how long an evicted node stays out. Zero means 30s.
	DeadTimeout time.Duration
}

// healthTracker counts consecutive connection failures per node and keeps
// the set of currently evicted nodes. Successes of any kind reset the
// streak; so do protocol and client failures, which prove the node is
// reachable.
type healthTracker struct {
	maxFailures int
	deadTimeout time.Duration
	onRevive    func(node string)

	mu       sync.Mutex
	failures map[string]int
	dead     *ds.StringSet
	timers   map[string]*time.Timer
	closed   bool
}

func newHealthTracker(opts HealthOptions, onRevive func(string)) *healthTracker {
	deadTimeout := opts.DeadTimeout
	if deadTimeout <= 0 {
		deadTimeout = defaultDeadTimeout
	}
	return &healthTracker{
		maxFailures: opts.MaxFailures,
		deadTimeout: deadTimeout,
		onRevive:    onRevive,
		failures:    make(map[string]int),
		dead:        ds.NewStringSet(),
		timers:      make(map[string]*time.Timer),
	}
}

// ok resets the failure streak after contact with the node.
func (h *healthTracker) ok(node string) {
	h.mu.Lock()
	delete(h.failures, node)
	h.mu.Unlock()
}

// fail records a connection failure and reports whether the node just
// crossed the eviction threshold. The revival timer starts immediately.
func (h *healthTracker) fail(node string) (evicted bool) {
	if h.maxFailures <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.dead.Contains(node) {
		return false
	}
	h.failures[node]++
	if h.failures[node] < h.maxFailures {
		return false
	}
	delete(h.failures, node)
	h.dead.Add(node)
	h.timers[node] = time.AfterFunc(h.deadTimeout, func() { h.revive(node) })
	return true
}

func (h *healthTracker) revive(node string) {
	h.mu.Lock()
	if h.closed || !h.dead.Contains(node) {
		h.mu.Unlock()
		return
	}
	h.dead.Remove(node)
	delete(h.timers, node)
	h.mu.Unlock()

	h.onRevive(node)
}

// forget drops all state for a node that left the configured topology.
func (h *healthTracker) forget(node string) {
	h.mu.Lock()
	delete(h.failures, node)
	h.dead.Remove(node)
	if t := h.timers[node]; t != nil {
		t.Stop()
		delete(h.timers, node)
	}
	h.mu.Unlock()
}

func (h *healthTracker) isDead(node string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead.Contains(node)
}

func (h *healthTracker) close() {
	h.mu.Lock()
	h.closed = true
	for node, t := range h.timers {
		t.Stop()
		delete(h.timers, node)
	}
	h.mu.Unlock()
}
