package es

import (
	"context"
	"fmt"
)

const defaultReadBatchSize = 512

// ReadPageFunc fetches up to limit events starting at fromVersion.
// An empty result means the end of the stream has been reached.
type ReadPageFunc func(ctx context.Context, fromVersion uint64, limit int) ([]RecordedEvent, error)

// StreamIterator is a pull-based, cursor-free iterator over a stream's
// events. It pages lazily through the backing storage; every iterator is
// independent and re-enterable from any explicit start version by creating
// a new one.
type StreamIterator struct {
	read        ReadPageFunc
	pos         func(RecordedEvent) uint64
	contiguous  bool
	batchSize   int
	nextVersion uint64
	page        []RecordedEvent
	idx         int
	done        bool
}

// NewStreamIterator builds an iterator over one stream. Adapters supply the
// paging function; the iterator owns ordering and gap detection.
func NewStreamIterator(startVersion uint64, batchSize int, read ReadPageFunc) *StreamIterator {
	if batchSize <= 0 {
		batchSize = defaultReadBatchSize
	}
	return &StreamIterator{
		read:        read,
		pos:         func(ev RecordedEvent) uint64 { return ev.StreamVersion },
		contiguous:  true,
		batchSize:   batchSize,
		nextVersion: startVersion,
	}
}

// NewAllIterator iterates the $all stream, where position is the global
// event number rather than a per-stream version. Global numbers are only
// strictly increasing, not contiguous, so holes are tolerated.
func NewAllIterator(startNumber uint64, batchSize int, read ReadPageFunc) *StreamIterator {
	it := NewStreamIterator(startNumber, batchSize, read)
	it.pos = func(ev RecordedEvent) uint64 { return ev.EventNumber }
	it.contiguous = false
	return it
}

// Next returns the next event in strictly increasing stream-version order.
// ok is false once the stream is exhausted. Next may suspend while paging
// through the backing storage.
func (it *StreamIterator) Next(ctx context.Context) (ev RecordedEvent, ok bool, err error) {
	if it.idx < len(it.page) {
		ev = it.page[it.idx]
		it.idx++
		return ev, true, nil
	}
	if it.done {
		return RecordedEvent{}, false, nil
	}

	page, err := it.read(ctx, it.nextVersion, it.batchSize)
	if err != nil {
		return RecordedEvent{}, false, err
	}
	if len(page) == 0 {
		it.done = true
		return RecordedEvent{}, false, nil
	}
	if first := it.pos(page[0]); first != it.nextVersion {
		if it.contiguous {
			return RecordedEvent{}, false, fmt.Errorf(
				"stream replay gap: expected version %d, got %d", it.nextVersion, first,
			)
		}
		if first < it.nextVersion {
			return RecordedEvent{}, false, fmt.Errorf(
				"stream replay out of order: expected at least %d, got %d", it.nextVersion, first,
			)
		}
	}

	it.page = page
	it.idx = 1
	it.nextVersion = it.pos(page[len(page)-1]) + 1
	if len(page) < it.batchSize {
		it.done = true
	}
	return page[0], true, nil
}

// All drains the iterator and returns the remaining events.
func (it *StreamIterator) All(ctx context.Context) ([]RecordedEvent, error) {
	var out []RecordedEvent
	for {
		ev, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, ev)
	}
}
