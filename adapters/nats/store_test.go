package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/APiercey/commanded/core/es"
)

type accountOpened struct {
	Owner string `json:"owner"`
}

type deposited struct {
	Amount int `json:"amount"`
}

func requireNatsEnabled(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_NATS") == "" {
		t.Skip("set TEST_NATS=1 to run NATS integration tests (requires Docker)")
	}
}

func events(t *testing.T, n int) []es.EventData {
	t.Helper()
	out := make([]es.EventData, n)
	for i := range out {
		ed, err := es.NewEventData(&accountOpened{Owner: "o"}, es.WithMetadata(es.Metadata{"tenant": "t1"}))
		require.NoError(t, err)
		out[i] = ed
	}
	return out
}

func recvBatch(t *testing.T, ch <-chan []es.RecordedEvent) []es.RecordedEvent {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "subscription channel closed")
		return b
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func TestNatsStore(t *testing.T) {
	requireNatsEnabled(t)
	ctx := t.Context()

	connect := ReuseConnection(NewTestContainer(t))

	// Hold a lease so the connection survives store reopens.
	_, release, err := connect()
	require.NoError(t, err)
	t.Cleanup(release)

	newStore := func(t *testing.T) *Store {
		t.Helper()
		store, err := NewStore(StoreConfig{Connect: connect})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	store := newStore(t)
	reset := func(t *testing.T) {
		t.Helper()
		require.NoError(t, store.Reset(ctx))
	}

	t.Run("append and read", func(t *testing.T) {
		reset(t)

		res, err := store.AppendToStream(ctx, "account-1", es.NoStream, events(t, 3))
		require.NoError(t, err)
		require.Equal(t, uint64(3), res.NextExpectedVersion)
		require.Equal(t, uint64(3), res.LastEventNumber)

		it, err := store.StreamForward(ctx, "account-1", 0, 2)
		require.NoError(t, err)
		all, err := it.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, ev := range all {
			require.Equal(t, uint64(i), ev.StreamVersion)
			require.Equal(t, uint64(i+1), ev.EventNumber)
			require.Equal(t, res.Events[i].EventID, ev.EventID)
			require.Equal(t, "t1", ev.Metadata["tenant"])
			require.JSONEq(t, `{"owner":"o"}`, string(ev.Data))
		}
	})

	t.Run("expected version conflict", func(t *testing.T) {
		reset(t)

		_, err := store.AppendToStream(ctx, "s", es.NoStream, events(t, 2))
		require.NoError(t, err)

		_, err = store.AppendToStream(ctx, "s", es.NoStream, events(t, 1))
		require.ErrorIs(t, err, es.ErrWrongExpectedVersion)
		_, err = store.AppendToStream(ctx, "s", es.ExactVersion(1), events(t, 1))
		require.ErrorIs(t, err, es.ErrWrongExpectedVersion)

		_, err = store.AppendToStream(ctx, "s", es.ExactVersion(2), events(t, 1))
		require.NoError(t, err)
	})

	t.Run("racing writers one wins", func(t *testing.T) {
		reset(t)

		_, err := store.AppendToStream(ctx, "race", es.NoStream, events(t, 1))
		require.NoError(t, err)

		// A second store is a second writer process; both target version 1.
		other := newStore(t)
		batches := [][]es.EventData{events(t, 1), events(t, 1)}
		results := make(chan error, 2)
		for i, w := range []*Store{store, other} {
			go func(w *Store, evs []es.EventData) {
				_, err := w.AppendToStream(ctx, "race", es.ExactVersion(1), evs)
				results <- err
			}(w, batches[i])
		}
		var wins int
		for i := 0; i < 2; i++ {
			if err := <-results; err == nil {
				wins++
			} else {
				require.ErrorIs(t, err, es.ErrWrongExpectedVersion)
			}
		}
		require.Equal(t, 1, wins)
	})

	t.Run("all stream", func(t *testing.T) {
		reset(t)

		_, err := store.StreamForward(ctx, es.AllStreamID, 0, 10)
		require.ErrorIs(t, err, es.ErrStreamNotFound)

		_, err = store.AppendToStream(ctx, "a", es.NoStream, events(t, 2))
		require.NoError(t, err)
		_, err = store.AppendToStream(ctx, "b", es.NoStream, events(t, 2))
		require.NoError(t, err)

		it, err := store.StreamForward(ctx, es.AllStreamID, 0, 3)
		require.NoError(t, err)
		all, err := it.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i, ev := range all {
			require.Equal(t, uint64(i+1), ev.EventNumber)
		}
	})

	t.Run("catch-up preserves batches then goes live", func(t *testing.T) {
		reset(t)

		_, err := store.AppendToStream(ctx, "p", es.NoStream, events(t, 2))
		require.NoError(t, err)
		_, err = store.AppendToStream(ctx, "p", es.ExactVersion(2), events(t, 3))
		require.NoError(t, err)

		sub, err := store.SubscribeTo(ctx, es.AllStreamID, "proj", es.Origin)
		require.NoError(t, err)
		defer sub.Stop()

		require.Len(t, recvBatch(t, sub.C()), 2)
		require.Len(t, recvBatch(t, sub.C()), 3)

		_, err = store.AppendToStream(ctx, "q", es.NoStream, events(t, 1))
		require.NoError(t, err)
		live := recvBatch(t, sub.C())
		require.Len(t, live, 1)
		require.Equal(t, uint64(6), live[0].EventNumber)
	})

	t.Run("ack position survives reopen", func(t *testing.T) {
		reset(t)

		_, err := store.AppendToStream(ctx, "acc", es.NoStream, events(t, 4))
		require.NoError(t, err)

		sub, err := store.SubscribeTo(ctx, es.AllStreamID, "resume", es.Origin)
		require.NoError(t, err)
		batch := recvBatch(t, sub.C())
		require.Len(t, batch, 4)
		require.NoError(t, sub.Ack(ctx, batch[1]))
		sub.Stop()
		require.NoError(t, store.Close())

		reopened := newStore(t)
		sub, err = reopened.SubscribeTo(ctx, es.AllStreamID, "resume", es.Current)
		require.NoError(t, err)
		defer sub.Stop()

		// The durable record wins over Current: delivery resumes after event 2.
		batch = recvBatch(t, sub.C())
		require.Len(t, batch, 2)
		require.Equal(t, uint64(3), batch[0].EventNumber)

		store = reopened
	})

	t.Run("snapshots round trip", func(t *testing.T) {
		reset(t)

		_, err := store.ReadSnapshot(ctx, "agg-1")
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)

		snap := es.NewSnapshot("agg-1", 5, 42, []byte(`{"balance":7}`))
		require.NoError(t, store.RecordSnapshot(ctx, snap))

		got, err := store.ReadSnapshot(ctx, "agg-1")
		require.NoError(t, err)
		require.Equal(t, snap.SourceVersion, got.SourceVersion)
		require.Equal(t, snap.EventNumber, got.EventNumber)
		require.JSONEq(t, `{"balance":7}`, string(got.Data))

		require.NoError(t, store.DeleteSnapshot(ctx, "agg-1"))
		_, err = store.ReadSnapshot(ctx, "agg-1")
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
	})

	t.Run("works with executor", func(t *testing.T) {
		reset(t)

		type accountState struct {
			Balance int
		}
		registry := es.NewRegistry()
		es.RegisterEventFor[deposited](registry)

		def := es.AggregateDef[*accountState]{
			Name: "account",
			New:  func(string) *accountState { return &accountState{} },
			Apply: func(s *accountState, event any) *accountState {
				if d, ok := event.(*deposited); ok {
					s.Balance += d.Amount
				}
				return s
			},
		}
		exec, err := es.NewExecutor(store, registry, def)
		require.NoError(t, err)
		defer exec.Close()

		for i := 0; i < 3; i++ {
			_, err := exec.Execute(ctx, "77", func(_ context.Context, _ *accountState) ([]any, error) {
				return []any{&deposited{Amount: 10}}, nil
			})
			require.NoError(t, err)
		}

		exec.Evict("77")
		state, version, err := exec.State(ctx, "77")
		require.NoError(t, err)
		require.Equal(t, uint64(3), version)
		require.Equal(t, 30, state.Balance)
	})
}

func TestKvStore(t *testing.T) {
	requireNatsEnabled(t)
	ctx := t.Context()

	type item struct {
		Name string `json:"name"`
	}

	kv, err := NewKvStore[item](KvConfig{
		Connect: NewTestContainer(t),
		Bucket:  "test_items",
	})
	require.NoError(t, err)
	t.Cleanup(kv.Close)

	_, err = kv.Get(ctx, "a")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, kv.Set(ctx, "a", item{Name: "one"}))
	require.NoError(t, kv.Set(ctx, "b", item{Name: "two"}))

	got, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "one", got.Name)

	all, err := kv.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "two", all["b"].Name)

	require.NoError(t, kv.Delete(ctx, "a"))
	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	require.ErrorIs(t, err, ErrKeyNotFound)
}
