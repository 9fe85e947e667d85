package es

import "errors"

var (
	// ErrWrongExpectedVersion signals an optimistic-concurrency conflict:
	// another writer advanced the stream since the expectation was formed.
	ErrWrongExpectedVersion = errors.New("wrong expected version")

	// ErrStreamNotFound is returned when reading a stream that holds no events.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrNoEvents is returned when appending an empty batch.
	ErrNoEvents = errors.New("no events to append")

	// ErrSubscriptionAlreadyExists is returned when a named subscription is
	// created while a subscriber is still attached under the same name.
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")

	// ErrSubscriptionNotFound is returned for operations on an unknown
	// subscription name.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSnapshotNotFound is returned when no snapshot exists for a source id.
	// Callers fall back to full replay.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrConflictRetriesExceeded is returned by the executor once the retry
	// budget for concurrency conflicts is exhausted. It always wraps the
	// underlying ErrWrongExpectedVersion.
	ErrConflictRetriesExceeded = errors.New("concurrency conflict retries exceeded")

	// ErrUnknownEventType is returned when decoding an event whose type was
	// never registered.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("event store is closed")
)
