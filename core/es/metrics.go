package es

import "github.com/APiercey/commanded/core/metrics"

// ESMetrics is the instrumentation surface of the event-sourcing core.
// Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Executor
	ExecuteDuration(aggType string) metrics.Timer
	ReplayDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)
	ConcurrencyConflict(aggType string)
	ConflictRetriesExceeded(aggType string)
	StateCacheHit(aggType string)
	StateCacheMiss(aggType string)

	// Snapshots
	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotSaveDuration(aggType string) metrics.Timer

	// Subscriptions
	CatchUpDuration(subscription string) metrics.Timer
	BatchDelivered(subscription string, size int)
	SubscriptionLag(subscription string, lag int64)
}

type nopESMetrics struct{}

func (nopESMetrics) ExecuteDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ReplayDuration(string) metrics.Timer  { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)           {}
func (nopESMetrics) ConcurrencyConflict(string)           {}
func (nopESMetrics) ConflictRetriesExceeded(string)       {}
func (nopESMetrics) StateCacheHit(string)                 {}
func (nopESMetrics) StateCacheMiss(string)                {}

func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

func (nopESMetrics) CatchUpDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) BatchDelivered(string, int)           {}
func (nopESMetrics) SubscriptionLag(string, int64)        {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }
