package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/APiercey/commanded/core/es"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)
	require.NotNil(t, m)

	timer := m.ExecuteDuration("account")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	timer = m.ReplayDuration("account")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.EventsAppended("account", 5)
	m.ConcurrencyConflict("account")
	m.ConflictRetriesExceeded("account")
	m.StateCacheHit("account")
	m.StateCacheMiss("account")

	m.SnapshotLoadDuration("account").ObserveDuration()
	m.SnapshotSaveDuration("account").ObserveDuration()

	m.CatchUpDuration("proj").ObserveDuration()
	m.BatchDelivered("proj", 3)
	m.SubscriptionLag("proj", 7)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestESMetrics_Values(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg).(*esMetrics)

	m.EventsAppended("account", 5)
	m.EventsAppended("account", 2)
	require.Equal(t, float64(7), testutil.ToFloat64(m.eventsAppended.WithLabelValues("account")))

	m.BatchDelivered("proj", 3)
	require.Equal(t, float64(1), testutil.ToFloat64(m.batchesDelivered.WithLabelValues("proj")))
	require.Equal(t, float64(3), testutil.ToFloat64(m.eventsDelivered.WithLabelValues("proj")))

	m.SubscriptionLag("proj", 9)
	require.Equal(t, float64(9), testutil.ToFloat64(m.subscriptionLag.WithLabelValues("proj")))
}

func TestESMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewESMetrics(reg)
	require.Panics(t, func() { _ = NewESMetrics(reg) })
}

func TestESMetrics_WiredThroughStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg).(*esMetrics)

	type ping struct{ V int }
	store := es.NewInMemoryStore(es.WithStoreMetrics(m))
	ed, err := es.NewEventData(&ping{V: 1})
	require.NoError(t, err)
	_, err = store.AppendToStream(t.Context(), "s", es.NoStream, []es.EventData{ed})
	require.NoError(t, err)
}
