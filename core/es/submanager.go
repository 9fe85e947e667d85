package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// HistorySource is what a store exposes to its SubscriptionManager for
// catch-up reads. Batches are the units committed by one append; they are
// never split.
type HistorySource interface {
	// ReadBatches returns committed batches for streamID (or AllStreamID)
	// whose event numbers exceed afterNumber, in global order. maxEvents is
	// a soft cap: the final batch is returned whole even when it overflows
	// the cap. An empty result means history past afterNumber is exhausted.
	ReadBatches(ctx context.Context, streamID string, afterNumber uint64, maxEvents int) ([][]RecordedEvent, error)

	// CurrentNumber returns the highest committed global event number.
	CurrentNumber(ctx context.Context) (uint64, error)
}

// SubscriptionRecord is the durable state of a named subscription. It
// survives subscriber restarts; adapters that persist records through a
// RecordSink make it survive store restarts too.
type SubscriptionRecord struct {
	Name     string `json:"name"`
	StreamID string `json:"stream_id"`
	// StartAfter is the resolved StartFrom boundary: delivery begins with
	// the first event numbered above it.
	StartAfter uint64 `json:"start_after"`
	// LastAcked is the highest acknowledged global event number; 0 when
	// nothing has been acknowledged yet.
	LastAcked uint64 `json:"last_acked"`
}

func (r SubscriptionRecord) resumeAfter() uint64 {
	if r.LastAcked > r.StartAfter {
		return r.LastAcked
	}
	return r.StartAfter
}

// RecordSink persists subscription records for adapters with durable
// storage. All methods must be idempotent.
type RecordSink interface {
	SaveSubscription(ctx context.Context, rec SubscriptionRecord) error
	DeleteSubscription(ctx context.Context, name string) error
}

type namedSub struct {
	rec        SubscriptionRecord
	active     *PersistentSubscription
	catchingUp bool
}

// SubscriptionManager owns delivery ordering and acknowledgement
// bookkeeping for one store: transient fan-out, durable catch-up-then-live
// subscriptions and ack positions. Stores call Publish under their commit
// lock so the manager observes batches in commit order.
type SubscriptionManager struct {
	log     *slog.Logger
	source  HistorySource
	sink    RecordSink
	metrics ESMetrics

	catchUpBatch int

	mu         sync.Mutex
	transient  map[string]*Subscription
	named      map[string]*namedSub
	hwGlobal   uint64
	hwByStream map[string]uint64
}

type subManagerOpts struct {
	log          *slog.Logger
	sink         RecordSink
	records      []SubscriptionRecord
	metrics      ESMetrics
	catchUpBatch int
}

// SubscriptionManagerOption configures a SubscriptionManager.
type SubscriptionManagerOption func(*subManagerOpts)

func WithManagerLog(log *slog.Logger) SubscriptionManagerOption {
	return func(o *subManagerOpts) { o.log = log }
}

// WithRecordSink persists record changes (creation, acks, deletion).
func WithRecordSink(sink RecordSink) SubscriptionManagerOption {
	return func(o *subManagerOpts) { o.sink = sink }
}

// WithRecords seeds previously persisted subscription records, typically
// loaded by a durable adapter at startup.
func WithRecords(records ...SubscriptionRecord) SubscriptionManagerOption {
	return func(o *subManagerOpts) { o.records = append(o.records, records...) }
}

func WithManagerMetrics(m ESMetrics) SubscriptionManagerOption {
	return func(o *subManagerOpts) { o.metrics = m }
}

// WithCatchUpBatchSize caps how many events one catch-up read requests.
func WithCatchUpBatchSize(n int) SubscriptionManagerOption {
	return func(o *subManagerOpts) {
		if n > 0 {
			o.catchUpBatch = n
		}
	}
}

func NewSubscriptionManager(source HistorySource, opts ...SubscriptionManagerOption) *SubscriptionManager {
	o := subManagerOpts{
		log:          slog.Default(),
		metrics:      NopESMetrics(),
		catchUpBatch: defaultReadBatchSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &SubscriptionManager{
		log:          o.log.With(slog.String("component", "submanager")),
		source:       source,
		sink:         o.sink,
		metrics:      o.metrics,
		catchUpBatch: o.catchUpBatch,
		transient:    map[string]*Subscription{},
		named:        map[string]*namedSub{},
		hwByStream:   map[string]uint64{},
	}
	for _, rec := range o.records {
		m.named[rec.Name] = &namedSub{rec: rec}
	}
	return m
}

// Publish fans a committed batch out to matching subscribers. The caller
// must hold its commit lock so batches arrive in global event-number order.
// Subscriptions still catching up are skipped; their catch-up loop picks
// the batch up from history by position.
func (m *SubscriptionManager) Publish(batch []RecordedEvent) {
	if len(batch) == 0 {
		return
	}
	var (
		streamID = batch[0].StreamID
		last     = batch[len(batch)-1].EventNumber
	)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.hwGlobal = last
	m.hwByStream[streamID] = last

	for _, s := range m.transient {
		if s.streamID == AllStreamID || s.streamID == streamID {
			s.pipe.push(batch)
		}
	}
	for _, ns := range m.named {
		if ns.active == nil || ns.catchingUp {
			continue
		}
		if ns.rec.StreamID == AllStreamID || ns.rec.StreamID == streamID {
			ns.active.pipe.push(batch)
			m.metrics.BatchDelivered(ns.rec.Name, len(batch))
		}
	}
}

// Subscribe creates a transient, live-only subscription to streamID (or
// AllStreamID).
func (m *SubscriptionManager) Subscribe(ctx context.Context, streamID string) (*Subscription, error) {
	if streamID == "" {
		return nil, errors.New("stream id is empty")
	}

	id := gonanoid.Must()
	sub := &Subscription{
		id:       id,
		streamID: streamID,
		pipe:     newBatchPipe(),
	}
	sub.onCancel = func() {
		m.mu.Lock()
		delete(m.transient, id)
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.transient[id] = sub
	m.mu.Unlock()

	context.AfterFunc(ctx, sub.Cancel)

	m.log.Debug("subscribed", slog.String("stream_id", streamID), slog.String("sub", id))
	return sub, nil
}

// SubscribeTo creates or resumes the durable subscription called name.
func (m *SubscriptionManager) SubscribeTo(ctx context.Context, streamID, name string, startFrom StartFrom) (*PersistentSubscription, error) {
	if streamID == "" {
		return nil, errors.New("stream id is empty")
	}
	if name == "" {
		return nil, errors.New("subscription name is empty")
	}
	if err := startFrom.Validate(); err != nil {
		return nil, err
	}

	// Resolve Current outside the manager lock: CurrentNumber takes the
	// store's commit lock, which is held when Publish calls back in.
	var startAfter uint64
	switch {
	case startFrom == Current:
		cur, err := m.source.CurrentNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current position: %w", err)
		}
		startAfter = cur
	case startFrom >= 0:
		startAfter = uint64(startFrom)
	}

	sub := &PersistentSubscription{
		name:     name,
		streamID: streamID,
		pipe:     newBatchPipe(),
		mgr:      m,
	}

	m.mu.Lock()
	ns, known := m.named[name]
	if known {
		if ns.active != nil {
			m.mu.Unlock()
			sub.pipe.close()
			return nil, fmt.Errorf("%w: %s", ErrSubscriptionAlreadyExists, name)
		}
		if ns.rec.StreamID != streamID {
			m.mu.Unlock()
			sub.pipe.close()
			return nil, fmt.Errorf(
				"subscription %s is bound to stream %s, not %s",
				name, ns.rec.StreamID, streamID,
			)
		}
	} else {
		ns = &namedSub{rec: SubscriptionRecord{
			Name:       name,
			StreamID:   streamID,
			StartAfter: startAfter,
		}}
		m.named[name] = ns
	}
	ns.active = sub
	ns.catchingUp = true
	rec := ns.rec
	m.mu.Unlock()

	if !known && m.sink != nil {
		if err := m.sink.SaveSubscription(ctx, rec); err != nil {
			m.mu.Lock()
			if cur, ok := m.named[name]; ok && cur.active == sub {
				delete(m.named, name)
			}
			m.mu.Unlock()
			sub.pipe.close()
			return nil, fmt.Errorf("failed to persist subscription %s: %w", name, err)
		}
	}

	context.AfterFunc(ctx, sub.Stop)

	m.log.Info(
		"durable subscription attached",
		slog.String("name", name),
		slog.String("stream_id", streamID),
		slog.Uint64("resume_after", rec.resumeAfter()),
	)
	go m.runCatchUp(ctx, sub, rec.resumeAfter())

	return sub, nil
}

// runCatchUp drains history after pos, then flips the subscription live
// under the manager lock. The high-water mark recheck closes the window
// between an exhausted history read and a concurrent commit: such a commit
// bumps the mark before the flip and forces another read, so nothing is
// dropped and nothing is delivered twice.
func (m *SubscriptionManager) runCatchUp(ctx context.Context, sub *PersistentSubscription, pos uint64) {
	defer m.metrics.CatchUpDuration(sub.name).ObserveDuration()

	for {
		select {
		case <-ctx.Done():
			sub.Stop()
			return
		default:
		}

		batches, err := m.source.ReadBatches(ctx, sub.streamID, pos, m.catchUpBatch)
		if err != nil {
			m.log.Error(
				"catch-up read failed",
				slog.String("name", sub.name),
				slog.Any("error", err),
			)
			sub.fail(fmt.Errorf("catch-up read failed: %w", err))
			return
		}

		if len(batches) > 0 {
			for _, b := range batches {
				sub.pipe.push(b)
				m.metrics.BatchDelivered(sub.name, len(b))
				pos = b[len(b)-1].EventNumber
			}
			continue
		}

		m.mu.Lock()
		hw := m.hwGlobal
		if sub.streamID != AllStreamID {
			hw = m.hwByStream[sub.streamID]
		}
		if hw > pos {
			m.mu.Unlock()
			continue
		}
		ns := m.named[sub.name]
		if ns == nil || ns.active != sub {
			// Detached or deleted while catching up.
			m.mu.Unlock()
			return
		}
		ns.catchingUp = false
		sub.status.Store(int32(SubscriptionLive))
		m.mu.Unlock()

		m.log.Debug("subscription live", slog.String("name", sub.name), slog.Uint64("position", pos))
		return
	}
}

// Ack advances the acknowledged position of the named subscription.
// Stale acks are ignored.
func (m *SubscriptionManager) Ack(ctx context.Context, name string, event RecordedEvent) error {
	m.mu.Lock()
	ns, ok := m.named[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}
	if event.EventNumber <= ns.rec.LastAcked {
		m.mu.Unlock()
		return nil
	}
	ns.rec.LastAcked = event.EventNumber
	rec := ns.rec
	lag := int64(m.hwGlobal) - int64(event.EventNumber)
	m.mu.Unlock()

	if lag < 0 {
		lag = 0
	}
	m.metrics.SubscriptionLag(name, lag)

	if m.sink != nil {
		return m.sink.SaveSubscription(ctx, rec)
	}
	return nil
}

// Unsubscribe detaches the active subscriber, keeping the durable record.
func (m *SubscriptionManager) Unsubscribe(_ context.Context, name string) error {
	m.mu.Lock()
	ns, ok := m.named[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}
	active := ns.active
	ns.active = nil
	ns.catchingUp = false
	m.mu.Unlock()

	if active != nil {
		active.pipe.close()
	}
	return nil
}

// DeleteSubscription detaches any subscriber and removes the record.
func (m *SubscriptionManager) DeleteSubscription(ctx context.Context, name string) error {
	m.mu.Lock()
	ns, ok := m.named[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}
	active := ns.active
	delete(m.named, name)
	m.mu.Unlock()

	if active != nil {
		active.pipe.close()
	}
	if m.sink != nil {
		return m.sink.DeleteSubscription(ctx, name)
	}
	return nil
}

// Records returns a copy of all durable subscription records.
func (m *SubscriptionManager) Records() []SubscriptionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscriptionRecord, 0, len(m.named))
	for _, ns := range m.named {
		out = append(out, ns.rec)
	}
	return out
}

// Reset drops every subscription and all bookkeeping. Used by store reset.
func (m *SubscriptionManager) Reset() {
	m.mu.Lock()
	transient := m.transient
	named := m.named
	m.transient = map[string]*Subscription{}
	m.named = map[string]*namedSub{}
	m.hwGlobal = 0
	m.hwByStream = map[string]uint64{}
	m.mu.Unlock()

	for _, s := range transient {
		s.pipe.close()
	}
	for _, ns := range named {
		if ns.active != nil {
			ns.active.pipe.close()
		}
	}
}

func (m *SubscriptionManager) detach(name string, sub *PersistentSubscription) {
	m.mu.Lock()
	if ns, ok := m.named[name]; ok && ns.active == sub {
		ns.active = nil
		ns.catchingUp = false
	}
	m.mu.Unlock()
}
