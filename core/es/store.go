package es

import (
	"context"
)

// AllStreamID is the special stream id addressing the union of all streams,
// ordered by global event number. It is valid for reads and subscriptions,
// never for appends.
const AllStreamID = "$all"

// AppendResult reports the outcome of a committed append.
type AppendResult struct {
	// Events holds the recorded form of the appended batch, in order.
	Events []RecordedEvent
	// NextExpectedVersion is the stream length after the append, i.e. the
	// expected version a subsequent append by the same writer should carry.
	NextExpectedVersion uint64
	// LastEventNumber is the global number of the final event in the batch.
	LastEventNumber uint64
}

// EventStore is the storage contract every backing adapter implements:
// a per-stream append-only log with optimistic concurrency, ordered
// restartable replay, subscription fan-out and snapshot storage.
type EventStore interface {
	// AppendToStream atomically appends events to the stream, validating
	// expected against the stream's current length. Either every event
	// becomes visible with a contiguous version range, or none do.
	// Returns ErrWrongExpectedVersion on an expectation mismatch and
	// ErrNoEvents for an empty batch.
	AppendToStream(ctx context.Context, streamID string, expected ExpectedVersion, events []EventData) (*AppendResult, error)

	// StreamForward returns an iterator over the stream's events in strictly
	// increasing stream-version order, starting at startVersion and paging
	// batchSize events at a time. Each call is independent; there is no
	// shared cursor. Returns ErrStreamNotFound when the stream holds no
	// events.
	StreamForward(ctx context.Context, streamID string, startVersion uint64, batchSize int) (*StreamIterator, error)

	SubscriptionStore
	SnapshotStore
}

// SubscriptionStore provides transient and durable subscription operations.
type SubscriptionStore interface {
	// Subscribe creates a transient subscription: the caller receives every
	// batch appended to streamID (or all streams via AllStreamID) from this
	// moment on. No catch-up. The subscription dies with its context.
	Subscribe(ctx context.Context, streamID string) (*Subscription, error)

	// SubscribeTo creates or resumes the durable subscription called name.
	// All historical events from startFrom forward are delivered first
	// (catch-up), then delivery flips to live, preserving total order.
	// When an acknowledged position exists for name, delivery resumes after
	// it and startFrom is ignored. Returns ErrSubscriptionAlreadyExists when
	// a subscriber is still attached under name.
	SubscribeTo(ctx context.Context, streamID, name string, startFrom StartFrom) (*PersistentSubscription, error)

	// AckEvent advances the named subscription's acknowledged position to
	// the event's global number. Acking an event at or below the current
	// position is a no-op, never an error.
	AckEvent(ctx context.Context, name string, event RecordedEvent) error

	// Unsubscribe detaches the subscriber from the named subscription while
	// keeping its durable record; the name can be re-subscribed later.
	Unsubscribe(ctx context.Context, name string) error

	// DeleteSubscription detaches any subscriber and removes the durable
	// record permanently.
	DeleteSubscription(ctx context.Context, name string) error
}

// SnapshotStore persists derived-state checkpoints keyed by source id,
// independent of the event log. Optional fast path, not required for
// correctness.
type SnapshotStore interface {
	// ReadSnapshot returns the snapshot for sourceID, or ErrSnapshotNotFound.
	ReadSnapshot(ctx context.Context, sourceID string) (*Snapshot, error)
	// RecordSnapshot stores the snapshot, replacing any previous one for the
	// same source id.
	RecordSnapshot(ctx context.Context, snapshot *Snapshot) error
	// DeleteSnapshot removes the snapshot for sourceID. Removing a missing
	// snapshot is not an error.
	DeleteSnapshot(ctx context.Context, sourceID string) error
}
