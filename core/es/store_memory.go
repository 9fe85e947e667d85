package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memStream struct {
	mu     sync.Mutex
	events []RecordedEvent
}

type committedBatch struct {
	streamID string
	events   []RecordedEvent
}

// InMemoryStore is the reference EventStore: process-local, fully in memory,
// safe for concurrent use. It is the semantic model durable adapters are
// held against, and fast enough to back unit tests and single-node setups.
type InMemoryStore struct {
	log     *slog.Logger
	metrics ESMetrics
	subs    *SubscriptionManager

	streamsMu sync.RWMutex
	streams   map[string]*memStream

	// commitMu serializes commit-point work: number assignment, the commit
	// log, and publication. Held briefly; never while reading history.
	commitMu   sync.Mutex
	nextNumber uint64
	commits    []committedBatch
	closed     bool

	snapMu    sync.RWMutex
	snapshots map[string]*Snapshot
}

var _ EventStore = (*InMemoryStore)(nil)
var _ HistorySource = (*InMemoryStore)(nil)

type memStoreOpts struct {
	log     *slog.Logger
	metrics ESMetrics
}

// InMemoryStoreOption configures an InMemoryStore.
type InMemoryStoreOption func(*memStoreOpts)

func WithStoreLog(log *slog.Logger) InMemoryStoreOption {
	return func(o *memStoreOpts) { o.log = log }
}

func WithStoreMetrics(m ESMetrics) InMemoryStoreOption {
	return func(o *memStoreOpts) { o.metrics = m }
}

func NewInMemoryStore(opts ...InMemoryStoreOption) *InMemoryStore {
	o := memStoreOpts{
		log:     slog.Default(),
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &InMemoryStore{
		log:       o.log.With(slog.String("component", "memstore")),
		metrics:   o.metrics,
		streams:   map[string]*memStream{},
		snapshots: map[string]*Snapshot{},
	}
	s.subs = NewSubscriptionManager(s,
		WithManagerLog(o.log),
		WithManagerMetrics(o.metrics),
	)
	return s
}

func (s *InMemoryStore) stream(streamID string) *memStream {
	s.streamsMu.RLock()
	st, ok := s.streams[streamID]
	s.streamsMu.RUnlock()
	if ok {
		return st
	}

	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if st, ok = s.streams[streamID]; ok {
		return st
	}
	st = &memStream{}
	s.streams[streamID] = st
	return st
}

func (s *InMemoryStore) AppendToStream(ctx context.Context, streamID string, expected ExpectedVersion, events []EventData) (*AppendResult, error) {
	if streamID == "" {
		return nil, errors.New("stream id is empty")
	}
	if streamID == AllStreamID {
		return nil, fmt.Errorf("cannot append to %s", AllStreamID)
	}
	if err := expected.Validate(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := s.stream(streamID)

	// Lock order: stream, then commitMu. The expectation check and the
	// commit are one critical section per stream, so two racing appends
	// with the same expected version cannot both succeed.
	st.mu.Lock()
	defer st.mu.Unlock()

	length := uint64(len(st.events))
	if err := expected.Check(streamID, length); err != nil {
		s.log.Debug(
			"append rejected",
			slog.String("stream_id", streamID),
			expected.SlogAttr(),
			slog.Uint64("stream_length", length),
		)
		return nil, err
	}

	now := time.Now().UTC()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	batch := make([]RecordedEvent, len(events))
	for i, ev := range events {
		s.nextNumber++
		batch[i] = RecordedEvent{
			EventID:       uuid.New(),
			StreamID:      streamID,
			StreamVersion: length + uint64(i),
			EventNumber:   s.nextNumber,
			EventType:     ev.EventType,
			Data:          ev.Data,
			Metadata:      ev.Metadata.Clone(),
			CausationID:   ev.CausationID,
			CorrelationID: ev.CorrelationID,
			CreatedAt:     now,
		}
	}

	st.events = append(st.events, batch...)
	s.commits = append(s.commits, committedBatch{streamID: streamID, events: batch})
	s.subs.Publish(batch)

	s.log.Debug(
		"appended",
		slog.String("stream_id", streamID),
		slog.Int("count", len(batch)),
		slog.Uint64("last_number", s.nextNumber),
	)

	return &AppendResult{
		Events:              batch,
		NextExpectedVersion: length + uint64(len(batch)),
		LastEventNumber:     s.nextNumber,
	}, nil
}

func (s *InMemoryStore) StreamForward(ctx context.Context, streamID string, startVersion uint64, batchSize int) (*StreamIterator, error) {
	if streamID == "" {
		return nil, errors.New("stream id is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if streamID == AllStreamID {
		s.commitMu.Lock()
		empty := s.nextNumber == 0
		s.commitMu.Unlock()
		if empty {
			return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, AllStreamID)
		}
		if startVersion == 0 {
			startVersion = 1 // global numbering starts at 1
		}
		return NewAllIterator(startVersion, batchSize, s.readAllPage), nil
	}

	s.streamsMu.RLock()
	st, ok := s.streams[streamID]
	s.streamsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	st.mu.Lock()
	empty := len(st.events) == 0
	st.mu.Unlock()
	if empty {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}

	read := func(_ context.Context, fromVersion uint64, limit int) ([]RecordedEvent, error) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if fromVersion >= uint64(len(st.events)) {
			return nil, nil
		}
		end := fromVersion + uint64(limit)
		if end > uint64(len(st.events)) {
			end = uint64(len(st.events))
		}
		page := make([]RecordedEvent, end-fromVersion)
		copy(page, st.events[fromVersion:end])
		return page, nil
	}
	return NewStreamIterator(startVersion, batchSize, read), nil
}

func (s *InMemoryStore) readAllPage(_ context.Context, fromNumber uint64, limit int) ([]RecordedEvent, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var page []RecordedEvent
	for _, c := range s.commits {
		for _, ev := range c.events {
			if ev.EventNumber < fromNumber {
				continue
			}
			page = append(page, ev)
			if len(page) == limit {
				return page, nil
			}
		}
	}
	return page, nil
}

// ReadBatches implements HistorySource for the subscription manager.
// A batch the resume position falls inside is returned trimmed so already
// acknowledged events are not redelivered.
func (s *InMemoryStore) ReadBatches(_ context.Context, streamID string, afterNumber uint64, maxEvents int) ([][]RecordedEvent, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var (
		out   [][]RecordedEvent
		total int
	)
	for _, c := range s.commits {
		if total >= maxEvents {
			break
		}
		if streamID != AllStreamID && c.streamID != streamID {
			continue
		}
		last := c.events[len(c.events)-1].EventNumber
		if last <= afterNumber {
			continue
		}
		batch := c.events
		if first := batch[0].EventNumber; first <= afterNumber {
			batch = batch[afterNumber-first+1:]
		}
		out = append(out, batch)
		total += len(batch)
	}
	return out, nil
}

// CurrentNumber implements HistorySource.
func (s *InMemoryStore) CurrentNumber(_ context.Context) (uint64, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.nextNumber, nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, streamID string) (*Subscription, error) {
	return s.subs.Subscribe(ctx, streamID)
}

func (s *InMemoryStore) SubscribeTo(ctx context.Context, streamID, name string, startFrom StartFrom) (*PersistentSubscription, error) {
	return s.subs.SubscribeTo(ctx, streamID, name, startFrom)
}

func (s *InMemoryStore) AckEvent(ctx context.Context, name string, event RecordedEvent) error {
	return s.subs.Ack(ctx, name, event)
}

func (s *InMemoryStore) Unsubscribe(ctx context.Context, name string) error {
	return s.subs.Unsubscribe(ctx, name)
}

func (s *InMemoryStore) DeleteSubscription(ctx context.Context, name string) error {
	return s.subs.DeleteSubscription(ctx, name)
}

func (s *InMemoryStore) ReadSnapshot(_ context.Context, sourceID string) (*Snapshot, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap, ok := s.snapshots[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, sourceID)
	}
	cp := *snap
	return &cp, nil
}

func (s *InMemoryStore) RecordSnapshot(_ context.Context, snapshot *Snapshot) error {
	if snapshot == nil || snapshot.SourceID == "" {
		return errors.New("snapshot source id is empty")
	}
	cp := *snapshot
	s.snapMu.Lock()
	s.snapshots[cp.SourceID] = &cp
	s.snapMu.Unlock()
	return nil
}

func (s *InMemoryStore) DeleteSnapshot(_ context.Context, sourceID string) error {
	s.snapMu.Lock()
	delete(s.snapshots, sourceID)
	s.snapMu.Unlock()
	return nil
}

// Reset discards every stream, snapshot and subscription, returning the
// store to its initial state. Intended for test isolation.
func (s *InMemoryStore) Reset() {
	s.streamsMu.Lock()
	s.streams = map[string]*memStream{}
	s.streamsMu.Unlock()

	s.commitMu.Lock()
	s.nextNumber = 0
	s.commits = nil
	s.commitMu.Unlock()

	s.snapMu.Lock()
	s.snapshots = map[string]*Snapshot{}
	s.snapMu.Unlock()

	s.subs.Reset()
	s.log.Debug("store reset")
}

// Close stops accepting appends and tears down all subscriptions.
func (s *InMemoryStore) Close() {
	s.commitMu.Lock()
	s.closed = true
	s.commitMu.Unlock()
	s.subs.Reset()
}
