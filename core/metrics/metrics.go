// Package metrics defines the instrumentation seams the cache layers
// publish through. Concrete backends live in adapters (Prometheus today);
// core packages depend only on these interfaces and default to no-ops, so
// an uninstrumented router costs nothing.
package metrics

// Counter is a monotonically increasing metric.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()
	// Add increments the counter by delta. delta must be >= 0.
	Add(delta float64)
}

// Timer measures the duration of one operation. Create it when the
// operation starts and call ObserveDuration when it completes.
type Timer interface {
	ObserveDuration()
}
