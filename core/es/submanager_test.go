package es

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvBatch(t *testing.T, ch <-chan []RecordedEvent) []RecordedEvent {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "subscription channel closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func requireClosed(t *testing.T, ch <-chan []RecordedEvent) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected channel to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func drainUntil(t *testing.T, ch <-chan []RecordedEvent, lastNumber uint64) []RecordedEvent {
	t.Helper()
	var out []RecordedEvent
	for {
		for _, ev := range recvBatch(t, ch) {
			out = append(out, ev)
			if ev.EventNumber == lastNumber {
				return out
			}
		}
	}
}

func TestSubscribe_TransientLiveOnly(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	// Pre-existing history must not be delivered.
	_, err := store.AppendToStream(ctx, "a", NoStream, testEvents(t, 2))
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, AllStreamID)
	require.NoError(t, err)
	defer sub.Cancel()

	res, err := store.AppendToStream(ctx, "b", NoStream, testEvents(t, 3))
	require.NoError(t, err)

	batch := recvBatch(t, sub.C())
	require.Equal(t, res.Events, batch)

	sub.Cancel()
	requireClosed(t, sub.C())
}

func TestSubscribe_StreamFilter(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	sub, err := store.Subscribe(ctx, "watched")
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = store.AppendToStream(ctx, "other", NoStream, testEvents(t, 1))
	require.NoError(t, err)
	res, err := store.AppendToStream(ctx, "watched", NoStream, testEvents(t, 2))
	require.NoError(t, err)

	batch := recvBatch(t, sub.C())
	require.Equal(t, res.Events, batch)
}

func TestSubscribeTo_OriginCatchUpThenLive(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	_, err := store.AppendToStream(ctx, "a", NoStream, testEvents(t, 2))
	require.NoError(t, err)
	_, err = store.AppendToStream(ctx, "b", NoStream, testEvents(t, 3))
	require.NoError(t, err)

	sub, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)
	defer sub.Stop()

	// History arrives with the original batch boundaries.
	first := recvBatch(t, sub.C())
	require.Len(t, first, 2)
	second := recvBatch(t, sub.C())
	require.Len(t, second, 3)

	require.Eventually(t, func() bool {
		return sub.Status() == SubscriptionLive
	}, 2*time.Second, 5*time.Millisecond)

	res, err := store.AppendToStream(ctx, "a", ExactVersion(2), testEvents(t, 1))
	require.NoError(t, err)
	live := recvBatch(t, sub.C())
	require.Equal(t, res.Events, live)
}

func TestSubscribeTo_NoGapNoDuplicateAcrossFlip(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	_, err := store.AppendToStream(ctx, "s", NoStream, testEvents(t, 10))
	require.NoError(t, err)

	sub, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)
	defer sub.Stop()

	// Keep appending while the subscription catches up, so commits land on
	// both sides of the flip.
	var last uint64
	for i := 0; i < 20; i++ {
		res, err := store.AppendToStream(ctx, "s", AnyVersion, testEvents(t, 2))
		require.NoError(t, err)
		last = res.LastEventNumber
	}

	got := drainUntil(t, sub.C(), last)
	require.Len(t, got, 50)
	for i, ev := range got {
		require.Equal(t, uint64(i+1), ev.EventNumber)
	}
}

func TestSubscribeTo_Current(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	_, err := store.AppendToStream(ctx, "s", NoStream, testEvents(t, 4))
	require.NoError(t, err)

	sub, err := store.SubscribeTo(ctx, AllStreamID, "tail", Current)
	require.NoError(t, err)
	defer sub.Stop()

	require.Eventually(t, func() bool {
		return sub.Status() == SubscriptionLive
	}, 2*time.Second, 5*time.Millisecond)

	res, err := store.AppendToStream(ctx, "s", AnyVersion, testEvents(t, 1))
	require.NoError(t, err)

	batch := recvBatch(t, sub.C())
	require.Equal(t, res.Events, batch)
}

func TestSubscribeTo_ExplicitStartNumber(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	_, err := store.AppendToStream(ctx, "s", NoStream, testEvents(t, 5))
	require.NoError(t, err)

	// Start after global number 3: events 4 and 5 are historical delivery.
	sub, err := store.SubscribeTo(ctx, AllStreamID, "mid", FromEventNumber(3))
	require.NoError(t, err)
	defer sub.Stop()

	got := drainUntil(t, sub.C(), 5)
	require.Len(t, got, 2)
	require.Equal(t, uint64(4), got[0].EventNumber)
	require.Equal(t, uint64(5), got[1].EventNumber)
}

func TestSubscribeTo_DuplicateNameRejected(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	sub, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)
	defer sub.Stop()

	_, err = store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.ErrorIs(t, err, ErrSubscriptionAlreadyExists)
}

func TestSubscribeTo_ResumeAfterAck(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	_, err := store.AppendToStream(ctx, "s", NoStream, testEvents(t, 6))
	require.NoError(t, err)

	sub, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)

	got := drainUntil(t, sub.C(), 6)
	require.Len(t, got, 6)

	// Ack the first three, then detach.
	for _, ev := range got[:3] {
		require.NoError(t, sub.Ack(ctx, ev))
	}
	sub.Stop()
	requireClosed(t, sub.C())

	// Re-attach under the same name: startFrom is ignored, delivery resumes
	// after the last acked event.
	sub2, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)
	defer sub2.Stop()

	resumed := drainUntil(t, sub2.C(), 6)
	require.Len(t, resumed, 3)
	require.Equal(t, uint64(4), resumed[0].EventNumber)
}

func TestAckEvent_StaleIsNoOp(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	_, err := store.AppendToStream(ctx, "s", NoStream, testEvents(t, 3))
	require.NoError(t, err)

	sub, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)
	defer sub.Stop()

	got := drainUntil(t, sub.C(), 3)
	require.NoError(t, sub.Ack(ctx, got[2]))
	// Acking older events after a newer one does not move the position back.
	require.NoError(t, sub.Ack(ctx, got[0]))
	require.NoError(t, sub.Ack(ctx, got[2]))

	sub.Stop()
	sub2, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)
	defer sub2.Stop()

	res, err := store.AppendToStream(ctx, "s", AnyVersion, testEvents(t, 1))
	require.NoError(t, err)
	batch := recvBatch(t, sub2.C())
	require.Equal(t, res.Events, batch)
}

func TestAckEvent_UnknownName(t *testing.T) {
	store := NewInMemoryStore()
	err := store.AckEvent(t.Context(), "nope", RecordedEvent{EventNumber: 1})
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestUnsubscribe_KeepsRecord(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	_, err := store.AppendToStream(ctx, "s", NoStream, testEvents(t, 2))
	require.NoError(t, err)

	sub, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)
	got := drainUntil(t, sub.C(), 2)
	require.NoError(t, sub.Ack(ctx, got[1]))

	require.NoError(t, store.Unsubscribe(ctx, "proj"))
	requireClosed(t, sub.C())

	// The record survived: Current is ignored, resume follows the ack.
	_, err = store.AppendToStream(ctx, "s", AnyVersion, testEvents(t, 1))
	require.NoError(t, err)
	sub2, err := store.SubscribeTo(ctx, AllStreamID, "proj", Current)
	require.NoError(t, err)
	defer sub2.Stop()

	batch := recvBatch(t, sub2.C())
	require.Equal(t, uint64(3), batch[0].EventNumber)
}

func TestDeleteSubscription_DiscardsRecord(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	_, err := store.AppendToStream(ctx, "s", NoStream, testEvents(t, 2))
	require.NoError(t, err)

	sub, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)
	got := drainUntil(t, sub.C(), 2)
	require.NoError(t, sub.Ack(ctx, got[1]))

	require.NoError(t, store.DeleteSubscription(ctx, "proj"))
	requireClosed(t, sub.C())

	require.ErrorIs(t, store.Unsubscribe(ctx, "proj"), ErrSubscriptionNotFound)

	// A new subscription under the old name starts from scratch.
	sub2, err := store.SubscribeTo(ctx, AllStreamID, "proj", Origin)
	require.NoError(t, err)
	defer sub2.Stop()

	fresh := drainUntil(t, sub2.C(), 2)
	require.Len(t, fresh, 2)
	require.Equal(t, uint64(1), fresh[0].EventNumber)
}

func TestSubscribeTo_StreamMismatchRejected(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()

	sub, err := store.SubscribeTo(ctx, "a", "proj", Origin)
	require.NoError(t, err)
	sub.Stop()

	_, err = store.SubscribeTo(ctx, "b", "proj", Origin)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSubscriptionAlreadyExists)
}
