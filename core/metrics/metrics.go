// Package metrics defines backend-agnostic instrumentation interfaces so the
// core packages never couple to a concrete metrics system. The Prometheus
// implementation lives in adapters/prometheus.
package metrics

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	// Add increments by delta; delta must be >= 0.
	Add(delta float64)
}

// Gauge is a value that can move in both directions.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
}

// Histogram samples observations into buckets.
type Histogram interface {
	Observe(value float64)
}

// Timer records the elapsed time of one operation. Create it when the
// operation starts and call ObserveDuration when it completes:
//
//	defer m.ReplayDuration("account").ObserveDuration()
type Timer interface {
	ObserveDuration()
}
