// Package nats provides a NATS JetStream backed EventStore. Events live in
// one JetStream stream (the JetStream sequence is the global event number);
// subscription records and snapshots live in KV buckets.
//
// Optimistic concurrency is enforced with per-subject last-sequence guards,
// so concurrent writers from different processes cannot both win. Live
// fan-out is process-local: each process sees its own appends live and
// everything else through catch-up reads.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/APiercey/commanded/core/es"
)

const (
	defaultStreamName    = "COMMANDED_ES"
	defaultSubjectPrefix = "commanded.es"

	defaultSubscriptionsBucket = "commanded_subscriptions"
	defaultSnapshotsBucket     = "commanded_snapshots"

	hdrCommitID      = "Commit-Id"
	hdrCommitSize    = "Commit-Size"
	hdrEventType     = "Event-Type"
	hdrStreamID      = "Stream-Id"
	hdrStreamVersion = "Stream-Version"
)

// StoreConfig configures a JetStream-backed Store.
type StoreConfig struct {
	Connect             Connector // nil means ConnectDefault()
	Log                 *slog.Logger
	Metrics             es.ESMetrics
	StreamName          string
	SubjectPrefix       string
	SubscriptionsBucket string
	SnapshotsBucket     string
}

// Store implements es.EventStore on NATS JetStream.
type Store struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	js      jetstream.JetStream
	stream  jetstream.Stream
	log     *slog.Logger

	subjectPrefix string
	streamName    string

	subs   *es.SubscriptionManager
	subsKV *KvStore[es.SubscriptionRecord]
	snapKV *KvStore[es.Snapshot]

	// commitMu serializes local appends so publication order matches
	// sequence order within this process. Cross-process safety comes from
	// the per-subject sequence guard.
	commitMu sync.Mutex
	closed   bool
}

var _ es.EventStore = (*Store)(nil)
var _ es.HistorySource = (*Store)(nil)

func NewStore(cfg StoreConfig) (*Store, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = es.NopESMetrics()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	subsBucket := cfg.SubscriptionsBucket
	if subsBucket == "" {
		subsBucket = defaultSubscriptionsBucket
	}
	snapBucket := cfg.SnapshotsBucket
	if snapBucket == "" {
		snapBucket = defaultSnapshotsBucket
	}

	log = log.With(
		slog.String("component", "natsstore"),
		slog.String("stream", streamName),
	)

	s := &Store{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}

	if s.stream, err = s.ensureStream(); err != nil {
		closeNc()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}
	if s.subsKV, err = newKvStoreFrom[es.SubscriptionRecord](js, subsBucket); err != nil {
		closeNc()
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", subsBucket, err)
	}
	if s.snapKV, err = newKvStoreFrom[es.Snapshot](js, snapBucket); err != nil {
		closeNc()
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", snapBucket, err)
	}

	stored, err := s.subsKV.All(context.Background())
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	records := make([]es.SubscriptionRecord, 0, len(stored))
	for _, rec := range stored {
		records = append(records, rec)
	}

	s.subs = es.NewSubscriptionManager(s,
		es.WithManagerLog(log),
		es.WithManagerMetrics(metrics),
		es.WithRecordSink(&recordSink{kv: s.subsKV}),
		es.WithRecords(records...),
	)
	return s, nil
}

func (s *Store) ensureStream() (jetstream.Stream, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	return s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     s.streamName,
		Subjects: []string{s.subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
}

func (s *Store) subjectFor(streamID string) string {
	return s.subjectPrefix + "." + subjectToken(streamID)
}

// streamHead returns the stream's current length and the JetStream sequence
// of its last event.
func (s *Store) streamHead(ctx context.Context, subject string) (length, lastSeq uint64, err error) {
	raw, err := s.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to get last message for %s: %w", subject, err)
	}
	version, err := strconv.ParseUint(raw.Header.Get(hdrStreamVersion), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse stream version header: %w", err)
	}
	return version + 1, raw.Sequence, nil
}

func (s *Store) AppendToStream(ctx context.Context, streamID string, expected es.ExpectedVersion, events []es.EventData) (*es.AppendResult, error) {
	if streamID == "" {
		return nil, errors.New("stream id is empty")
	}
	if streamID == es.AllStreamID {
		return nil, fmt.Errorf("cannot append to %s", es.AllStreamID)
	}
	if err := expected.Validate(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, es.ErrNoEvents
	}
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.closed {
		return nil, es.ErrStoreClosed
	}

	subject := s.subjectFor(streamID)
	length, lastSeq, err := s.streamHead(ctx, subject)
	if err != nil {
		return nil, err
	}
	if err := expected.Check(streamID, length); err != nil {
		return nil, err
	}

	var (
		commitID = gonanoid.Must()
		now      = time.Now().UTC()
		batch    = make([]es.RecordedEvent, len(events))
		prevSeq  = lastSeq
	)
	for i, ev := range events {
		rec := es.RecordedEvent{
			EventID:       uuid.New(),
			StreamID:      streamID,
			StreamVersion: length + uint64(i),
			EventType:     ev.EventType,
			Data:          ev.Data,
			Metadata:      ev.Metadata.Clone(),
			CausationID:   ev.CausationID,
			CorrelationID: ev.CorrelationID,
			CreatedAt:     now,
		}

		msg := natsgo.NewMsg(subject)
		msg.Header.Set(hdrCommitID, commitID)
		msg.Header.Set(hdrCommitSize, strconv.Itoa(len(events)))
		msg.Header.Set(hdrEventType, rec.EventType)
		msg.Header.Set(hdrStreamID, streamID)
		msg.Header.Set(hdrStreamVersion, strconv.FormatUint(rec.StreamVersion, 10))
		if msg.Data, err = json.Marshal(rec); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}

		// The guard pins the subject's last sequence, so a concurrent
		// writer that slipped in between head read and publish loses.
		ack, perr := s.js.PublishMsg(ctx, msg,
			jetstream.WithMsgID(rec.EventID.String()),
			jetstream.WithExpectLastSequencePerSubject(prevSeq),
		)
		if perr != nil {
			if isWrongLastSequence(perr) {
				if i > 0 {
					return nil, fmt.Errorf("batch interrupted mid-commit on %s: %w", streamID, perr)
				}
				return nil, fmt.Errorf(
					"%w: stream_id=%s expected=%s: %s",
					es.ErrWrongExpectedVersion, streamID, expected, perr.Error(),
				)
			}
			return nil, fmt.Errorf("failed to publish to %s: %w", subject, perr)
		}

		rec.EventNumber = ack.Sequence
		batch[i] = rec
		prevSeq = ack.Sequence
	}

	s.subs.Publish(batch)

	return &es.AppendResult{
		Events:              batch,
		NextExpectedVersion: length + uint64(len(batch)),
		LastEventNumber:     batch[len(batch)-1].EventNumber,
	}, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *Store) StreamForward(ctx context.Context, streamID string, startVersion uint64, batchSize int) (*es.StreamIterator, error) {
	if streamID == "" {
		return nil, errors.New("stream id is empty")
	}

	if streamID == es.AllStreamID {
		cur, err := s.CurrentNumber(ctx)
		if err != nil {
			return nil, err
		}
		if cur == 0 {
			return nil, fmt.Errorf("%w: %s", es.ErrStreamNotFound, es.AllStreamID)
		}
		if startVersion == 0 {
			startVersion = 1
		}
		read := func(ctx context.Context, fromNumber uint64, limit int) ([]es.RecordedEvent, error) {
			page, _, err := s.fetch(ctx, s.subjectPrefix+".>", fromNumber, limit)
			return page, err
		}
		return es.NewAllIterator(startVersion, batchSize, read), nil
	}

	subject := s.subjectFor(streamID)
	length, _, err := s.streamHead(ctx, subject)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: %s", es.ErrStreamNotFound, streamID)
	}

	// The pager remembers where the previous page stopped so each read
	// resumes by sequence instead of rescanning the subject.
	var nextSeq uint64 = 1
	read := func(ctx context.Context, fromVersion uint64, limit int) ([]es.RecordedEvent, error) {
		var page []es.RecordedEvent
		for len(page) < limit {
			fetched, lastSeq, ferr := s.fetch(ctx, subject, nextSeq, limit-len(page))
			if ferr != nil {
				return nil, ferr
			}
			if len(fetched) == 0 {
				break
			}
			nextSeq = lastSeq + 1
			for _, ev := range fetched {
				if ev.StreamVersion >= fromVersion {
					page = append(page, ev)
				}
			}
		}
		return page, nil
	}
	return es.NewStreamIterator(startVersion, batchSize, read), nil
}

// fetch reads up to limit events on filterSubject starting at startSeq,
// returning them with the JetStream sequence of the last message consumed.
func (s *Store) fetch(ctx context.Context, filterSubject string, startSeq uint64, limit int) ([]es.RecordedEvent, uint64, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filterSubject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if startSeq > 1 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = startSeq
	}
	cc, err := s.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create consumer for %s: %w", filterSubject, err)
	}

	var (
		out     []es.RecordedEvent
		lastSeq uint64
	)
	for len(out) < limit {
		mb, err := cc.FetchNoWait(limit - len(out))
		if err != nil {
			return nil, 0, err
		}
		empty := true
		for msg := range mb.Messages() {
			empty = false
			ev, _, _, derr := decodeMsg(msg)
			if derr != nil {
				return nil, 0, derr
			}
			out = append(out, ev)
			lastSeq = ev.EventNumber
		}
		if err := mb.Error(); err != nil {
			return nil, 0, err
		}
		if empty {
			break
		}
	}
	return out, lastSeq, nil
}

// ReadBatches implements es.HistorySource. Messages are regrouped into
// their original append batches via the commit headers; the final batch is
// read to completeness so it is never split.
func (s *Store) ReadBatches(ctx context.Context, streamID string, afterNumber uint64, maxEvents int) ([][]es.RecordedEvent, error) {
	filter := s.subjectPrefix + ".>"
	if streamID != es.AllStreamID {
		filter = s.subjectFor(streamID)
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterNumber > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterNumber + 1
	}
	cc, err := s.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", filter, err)
	}

	var (
		out        [][]es.RecordedEvent
		current    []es.RecordedEvent
		commitID   string
		commitSize int
		total      int
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, current)
			current = nil
		}
	}

	for {
		// Keep fetching past the cap only while the current batch is open.
		if total >= maxEvents && len(current) == commitSize {
			break
		}
		mb, err := cc.FetchNoWait(256)
		if err != nil {
			return nil, err
		}
		empty := true
		for msg := range mb.Messages() {
			empty = false
			ev, cid, size, derr := decodeMsg(msg)
			if derr != nil {
				return nil, derr
			}
			if cid != commitID {
				flush()
				commitID, commitSize = cid, size
			}
			current = append(current, ev)
			total++
		}
		if err := mb.Error(); err != nil {
			return nil, err
		}
		if empty {
			break
		}
	}
	flush()
	return out, nil
}

// CurrentNumber implements es.HistorySource.
func (s *Store) CurrentNumber(ctx context.Context) (uint64, error) {
	info, err := s.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get stream info: %w", err)
	}
	return info.State.LastSeq, nil
}

func decodeMsg(msg jetstream.Msg) (ev es.RecordedEvent, commitID string, commitSize int, err error) {
	if err = json.Unmarshal(msg.Data(), &ev); err != nil {
		return ev, "", 0, fmt.Errorf("failed to decode message: %w", err)
	}
	md, err := msg.Metadata()
	if err != nil {
		return ev, "", 0, err
	}
	ev.EventNumber = md.Sequence.Stream

	commitID = msg.Headers().Get(hdrCommitID)
	commitSize, _ = strconv.Atoi(msg.Headers().Get(hdrCommitSize))
	return ev, commitID, commitSize, nil
}

func (s *Store) Subscribe(ctx context.Context, streamID string) (*es.Subscription, error) {
	return s.subs.Subscribe(ctx, streamID)
}

func (s *Store) SubscribeTo(ctx context.Context, streamID, name string, startFrom es.StartFrom) (*es.PersistentSubscription, error) {
	return s.subs.SubscribeTo(ctx, streamID, name, startFrom)
}

func (s *Store) AckEvent(ctx context.Context, name string, event es.RecordedEvent) error {
	return s.subs.Ack(ctx, name, event)
}

func (s *Store) Unsubscribe(ctx context.Context, name string) error {
	return s.subs.Unsubscribe(ctx, name)
}

func (s *Store) DeleteSubscription(ctx context.Context, name string) error {
	return s.subs.DeleteSubscription(ctx, name)
}

// recordSink persists subscription records in a KV bucket.
type recordSink struct {
	kv *KvStore[es.SubscriptionRecord]
}

var _ es.RecordSink = (*recordSink)(nil)

func (r *recordSink) SaveSubscription(ctx context.Context, rec es.SubscriptionRecord) error {
	return r.kv.Set(ctx, subjectToken(rec.Name), rec)
}

func (r *recordSink) DeleteSubscription(ctx context.Context, name string) error {
	return r.kv.Delete(ctx, subjectToken(name))
}

func (s *Store) ReadSnapshot(ctx context.Context, sourceID string) (*es.Snapshot, error) {
	snap, err := s.snapKV.Get(ctx, subjectToken(sourceID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", es.ErrSnapshotNotFound, sourceID)
		}
		return nil, err
	}
	return &snap, nil
}

func (s *Store) RecordSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	if snapshot == nil || snapshot.SourceID == "" {
		return errors.New("snapshot source id is empty")
	}
	return s.snapKV.Set(ctx, subjectToken(snapshot.SourceID), *snapshot)
}

func (s *Store) DeleteSnapshot(ctx context.Context, sourceID string) error {
	return s.snapKV.Delete(ctx, subjectToken(sourceID))
}

// Reset deletes and recreates the stream and wipes both buckets, restarting
// numbering from 1. Intended for test isolation.
func (s *Store) Reset(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := s.js.DeleteStream(ctx, s.streamName); err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	var err error
	if s.stream, err = s.ensureStream(); err != nil {
		return fmt.Errorf("failed to recreate stream: %w", err)
	}

	subs, err := s.subsKV.All(ctx)
	if err != nil {
		return err
	}
	for key := range subs {
		if err := s.subsKV.Delete(ctx, key); err != nil {
			return err
		}
	}
	snaps, err := s.snapKV.All(ctx)
	if err != nil {
		return err
	}
	for key := range snaps {
		if err := s.snapKV.Delete(ctx, key); err != nil {
			return err
		}
	}

	s.subs.Reset()
	return nil
}

// Close tears down subscriptions and releases the connection. Safe to call
// more than once.
func (s *Store) Close() error {
	s.commitMu.Lock()
	if s.closed {
		s.commitMu.Unlock()
		return nil
	}
	s.closed = true
	s.commitMu.Unlock()
	s.subs.Reset()
	s.closeNc()
	return nil
}
