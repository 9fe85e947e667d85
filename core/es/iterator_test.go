package es

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func pagesOf(events []RecordedEvent) ReadPageFunc {
	return func(_ context.Context, fromVersion uint64, limit int) ([]RecordedEvent, error) {
		var page []RecordedEvent
		for _, ev := range events {
			if ev.StreamVersion < fromVersion {
				continue
			}
			page = append(page, ev)
			if len(page) == limit {
				break
			}
		}
		return page, nil
	}
}

func versions(n int) []RecordedEvent {
	out := make([]RecordedEvent, n)
	for i := range out {
		out[i] = RecordedEvent{StreamID: "s", StreamVersion: uint64(i)}
	}
	return out
}

func TestStreamIterator_PagesThrough(t *testing.T) {
	ctx := t.Context()
	it := NewStreamIterator(0, 2, pagesOf(versions(5)))

	var got []uint64
	for {
		ev, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, ev.StreamVersion)
	}
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, got)

	// Exhausted iterators stay exhausted.
	_, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStreamIterator_GapDetected(t *testing.T) {
	events := versions(4)
	events = append(events[:2], events[3]) // drop version 2

	it := NewStreamIterator(0, 2, pagesOf(events))
	all, err := it.All(t.Context())
	require.Error(t, err)
	require.Contains(t, err.Error(), "gap")
	require.Nil(t, all)
}

func numbered(nums ...uint64) []RecordedEvent {
	out := make([]RecordedEvent, len(nums))
	for i, n := range nums {
		out[i] = RecordedEvent{StreamID: "s", StreamVersion: uint64(i), EventNumber: n}
	}
	return out
}

func allPagesOf(events []RecordedEvent) ReadPageFunc {
	return func(_ context.Context, fromNumber uint64, limit int) ([]RecordedEvent, error) {
		var page []RecordedEvent
		for _, ev := range events {
			if ev.EventNumber < fromNumber {
				continue
			}
			page = append(page, ev)
			if len(page) == limit {
				break
			}
		}
		return page, nil
	}
}

func TestAllIterator_ToleratesSparseNumbers(t *testing.T) {
	// Global numbers are strictly increasing but need not be contiguous
	// (a durable backend may have holes in its sequence).
	it := NewAllIterator(1, 2, allPagesOf(numbered(1, 2, 5, 9)))

	all, err := it.All(t.Context())
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, uint64(9), all[3].EventNumber)
}

func TestAllIterator_RegressionDetected(t *testing.T) {
	// A page starting below the cursor means the backend replayed backwards.
	it := NewAllIterator(5, 2, func(context.Context, uint64, int) ([]RecordedEvent, error) {
		return numbered(3, 4), nil
	})
	_, err := it.All(t.Context())
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of order")
}

func TestStreamIterator_ReadError(t *testing.T) {
	boom := errors.New("backend down")
	it := NewStreamIterator(0, 2, func(context.Context, uint64, int) ([]RecordedEvent, error) {
		return nil, boom
	})
	_, _, err := it.Next(t.Context())
	require.ErrorIs(t, err, boom)
}

func TestStreamIterator_DefaultBatchSize(t *testing.T) {
	it := NewStreamIterator(0, 0, pagesOf(versions(1)))
	require.Equal(t, defaultReadBatchSize, it.batchSize)
}
