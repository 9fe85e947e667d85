// Package sqlite provides a durable, single-node EventStore on SQLite.
// Events, subscription records and snapshots all live in one database file,
// so the store survives restarts with positions intact.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "modernc.org/sqlite"

	"github.com/APiercey/commanded/core/es"
)

// Store implements es.EventStore backed by SQLite. The events table's
// AUTOINCREMENT rowid is the global event number; a commit_id column groups
// the rows of one append so batches survive round-trips through history.
type Store struct {
	db      *sql.DB
	log     *slog.Logger
	metrics es.ESMetrics
	subs    *es.SubscriptionManager

	// commitMu serializes appends so publication order matches number
	// order. SQLite allows one writer anyway; this only widens the section
	// to include the fan-out.
	commitMu sync.Mutex
	closed   bool
}

var _ es.EventStore = (*Store)(nil)
var _ es.HistorySource = (*Store)(nil)
var _ es.RecordSink = (*recordSink)(nil)

// New opens (or creates) the store at path. Use ":memory:" for an
// ephemeral database.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if path != ":memory:" && (strings.Contains(path, "?") || strings.Contains(path, "#")) {
		return nil, errors.New("sqlite: path cannot contain '?' or '#' characters")
	}

	cfg := defaultConfig()
	cfg.path = path
	for _, opt := range opts {
		opt(cfg)
	}

	var dsn string
	if cfg.path == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		dsn = "file::memory:?mode=memory&cache=shared"
	} else {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.path, cfg.busyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	if err := applyPragmas(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply pragmas: %w", err)
	}
	if cfg.autoMigrate {
		// Background context: a half-applied migration is worse than a slow one.
		if err := migrate(context.Background(), db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: migrate: %w", err)
		}
	}

	s := &Store{
		db:      db,
		log:     cfg.log.With(slog.String("component", "sqlitestore")),
		metrics: cfg.metrics,
	}

	records, err := s.loadSubscriptionRecords(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: load subscriptions: %w", err)
	}
	s.subs = es.NewSubscriptionManager(s,
		es.WithManagerLog(cfg.log),
		es.WithManagerMetrics(cfg.metrics),
		es.WithRecordSink(&recordSink{db: db}),
		es.WithRecords(records...),
	)
	return s, nil
}

func applyPragmas(db *sql.DB, cfg *config) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds()),
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	return nil
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var length uint64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(stream_version)+1, 0) FROM events WHERE stream_id = ?",
		streamID,
	).Scan(&length)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream length: %w", err)
	}
	if err := expected.Check(streamID, length); err != nil {
		return nil, err
	}

	var (
		commitID = gonanoid.Must()
		now      = time.Now().UTC()
		batch    = make([]es.RecordedEvent, len(events))
	)
	for i, ev := range events {
		var metadata any
		if ev.Metadata != nil {
			md, merr := json.Marshal(ev.Metadata)
			if merr != nil {
				return nil, fmt.Errorf("failed to encode metadata: %w", merr)
			}
			metadata = string(md)
		}

		eventID := uuid.New()
		res, ierr := tx.ExecContext(ctx, `
			INSERT INTO events
				(event_id, stream_id, stream_version, commit_id, event_type,
				 data, metadata, causation_id, correlation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID.String(), streamID, length+uint64(i), commitID, ev.EventType,
			[]byte(ev.Data), metadata, ev.CausationID.String(), ev.CorrelationID.String(), now,
		)
		if ierr != nil {
			return nil, fmt.Errorf("failed to insert event: %w", ierr)
		}
		number, ierr := res.LastInsertId()
		if ierr != nil {
			return nil, fmt.Errorf("failed to read event number: %w", ierr)
		}

		batch[i] = es.RecordedEvent{
			EventID:       eventID,
			StreamID:      streamID,
			StreamVersion: length + uint64(i),
			EventNumber:   uint64(number),
			EventType:     ev.EventType,
			Data:          ev.Data,
			Metadata:      ev.Metadata.Clone(),
			CausationID:   ev.CausationID,
			CorrelationID: ev.CorrelationID,
			CreatedAt:     now,
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	s.subs.Publish(batch)

	return &es.AppendResult{
		Events:              batch,
		NextExpectedVersion: length + uint64(len(batch)),
		LastEventNumber:     batch[len(batch)-1].EventNumber,
	}, nil
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
		return es.NewAllIterator(startVersion, batchSize, s.readAllPage), nil
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM events WHERE stream_id = ?)", streamID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check stream: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", es.ErrStreamNotFound, streamID)
	}

	read := func(ctx context.Context, fromVersion uint64, limit int) ([]es.RecordedEvent, error) {
		rows, err := s.db.QueryContext(ctx, selectEventColumns+`
			FROM events WHERE stream_id = ? AND stream_version >= ?
			ORDER BY stream_version LIMIT ?`,
			streamID, fromVersion, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to read stream %s: %w", streamID, err)
		}
		return scanEvents(rows)
	}
	return es.NewStreamIterator(startVersion, batchSize, read), nil
}

func (s *Store) readAllPage(ctx context.Context, fromNumber uint64, limit int) ([]es.RecordedEvent, error) {
	rows, err := s.db.QueryContext(ctx, selectEventColumns+`
		FROM events WHERE number >= ? ORDER BY number LIMIT ?`,
		fromNumber, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read all stream: %w", err)
	}
	return scanEvents(rows)
}

// ReadBatches implements es.HistorySource. Rows are grouped back into their
// original append batches via commit_id; the final batch is read to
// completeness even past the event cap so it is never split.
func (s *Store) ReadBatches(ctx context.Context, streamID string, afterNumber uint64, maxEvents int) ([][]es.RecordedEvent, error) {
	query := selectEventColumns + " FROM events WHERE number > ?"
	args := []any{afterNumber}
	if streamID != es.AllStreamID {
		query += " AND stream_id = ?"
		args = append(args, streamID)
	}
	query += " ORDER BY number LIMIT ?"
	args = append(args, maxEvents)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	commitIDs, err := s.commitIDsFor(ctx, events)
	if err != nil {
		return nil, err
	}

	// Pull the rest of the last batch if the cap cut it off.
	lastCommit := commitIDs[len(commitIDs)-1]
	tail, err := s.commitTail(ctx, lastCommit, events[len(events)-1].EventNumber)
	if err != nil {
		return nil, err
	}
	for range tail {
		commitIDs = append(commitIDs, lastCommit)
	}
	events = append(events, tail...)

	var (
		out     [][]es.RecordedEvent
		current []es.RecordedEvent
	)
	for i, ev := range events {
		if i > 0 && commitIDs[i] != commitIDs[i-1] {
			out = append(out, current)
			current = nil
		}
		current = append(current, ev)
	}
	out = append(out, current)
	return out, nil
}

// commitIDsFor returns the commit id of each event, in order.
func (s *Store) commitIDsFor(ctx context.Context, events []es.RecordedEvent) ([]string, error) {
	first := events[0].EventNumber
	last := events[len(events)-1].EventNumber

	rows, err := s.db.QueryContext(ctx,
		"SELECT number, commit_id FROM events WHERE number >= ? AND number <= ? ORDER BY number",
		first, last,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit ids: %w", err)
	}
	defer rows.Close()

	byNumber := make(map[uint64]string, len(events))
	for rows.Next() {
		var number uint64
		var commitID string
		if err := rows.Scan(&number, &commitID); err != nil {
			return nil, err
		}
		byNumber[number] = commitID
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = byNumber[ev.EventNumber]
	}
	return out, nil
}

func (s *Store) commitTail(ctx context.Context, commitID string, afterNumber uint64) ([]es.RecordedEvent, error) {
	rows, err := s.db.QueryContext(ctx, selectEventColumns+`
		FROM events WHERE commit_id = ? AND number > ? ORDER BY number`,
		commitID, afterNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit tail: %w", err)
	}
	return scanEvents(rows)
}

// CurrentNumber implements es.HistorySource.
func (s *Store) CurrentNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(number), 0) FROM events").Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("failed to read current number: %w", err)
	}
	return number, nil
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

// recordSink persists subscription records on behalf of the manager. It is
// a separate type so its DeleteSubscription does not shadow the store-level
// operation of the same name.
type recordSink struct {
	db *sql.DB
}

func (s *recordSink) SaveSubscription(ctx context.Context, rec es.SubscriptionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (name, stream_id, start_after, last_acked, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			last_acked = excluded.last_acked,
			updated_at = CURRENT_TIMESTAMP`,
		rec.Name, rec.StreamID, rec.StartAfter, rec.LastAcked,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", rec.Name, err)
	}
	return nil
}

func (s *recordSink) DeleteSubscription(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", name, err)
	}
	return nil
}

func (s *Store) loadSubscriptionRecords(ctx context.Context) ([]es.SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, stream_id, start_after, last_acked FROM subscriptions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []es.SubscriptionRecord
	for rows.Next() {
		var rec es.SubscriptionRecord
		if err := rows.Scan(&rec.Name, &rec.StreamID, &rec.StartAfter, &rec.LastAcked); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ReadSnapshot(ctx context.Context, sourceID string) (*es.Snapshot, error) {
	var snap es.Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, source_id, source_version, event_number, created_at, encoding, data
		FROM snapshots WHERE source_id = ?`, sourceID,
	).Scan(&snap.SnapshotID, &snap.SourceID, &snap.SourceVersion, &snap.EventNumber,
		&snap.CreatedAt, &snap.Encoding, &snap.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", es.ErrSnapshotNotFound, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", sourceID, err)
	}
	return &snap, nil
}

func (s *Store) RecordSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	if snapshot == nil || snapshot.SourceID == "" {
		return errors.New("snapshot source id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (source_id, snapshot_id, source_version, event_number, created_at, encoding, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			snapshot_id = excluded.snapshot_id,
			source_version = excluded.source_version,
			event_number = excluded.event_number,
			created_at = excluded.created_at,
			encoding = excluded.encoding,
			data = excluded.data`,
		snapshot.SourceID, snapshot.SnapshotID, snapshot.SourceVersion, snapshot.EventNumber,
		snapshot.CreatedAt.UTC(), snapshot.Encoding, snapshot.Data,
	)
	if err != nil {
		return fmt.Errorf("failed to record snapshot %s: %w", snapshot.SourceID, err)
	}
	return nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE source_id = ?", sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", sourceID, err)
	}
	return nil
}

// Reset wipes events, subscriptions and snapshots and restarts numbering.
// Intended for test isolation.
func (s *Store) Reset(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for _, stmt := range []string{
		"DELETE FROM events",
		"DELETE FROM subscriptions",
		"DELETE FROM snapshots",
		"DELETE FROM sqlite_sequence WHERE name = 'events'",
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset: %w", err)
		}
	}
	s.subs.Reset()
	return nil
}

// Close tears down subscriptions and closes the database.
func (s *Store) Close() error {
	s.commitMu.Lock()
	s.closed = true
	s.commitMu.Unlock()
	s.subs.Reset()
	return s.db.Close()
}

const selectEventColumns = `
	SELECT number, event_id, stream_id, stream_version, event_type,
	       data, metadata, causation_id, correlation_id, created_at`

func scanEvents(rows *sql.Rows) ([]es.RecordedEvent, error) {
	defer rows.Close()

	var out []es.RecordedEvent
	for rows.Next() {
		var (
			ev            es.RecordedEvent
			eventID       string
			metadata      sql.NullString
			causationID   string
			correlationID string
		)
		err := rows.Scan(&ev.EventNumber, &eventID, &ev.StreamID, &ev.StreamVersion,
			&ev.EventType, &ev.Data, &metadata, &causationID, &correlationID, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if ev.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, fmt.Errorf("failed to parse event id: %w", err)
		}
		if ev.CausationID, err = uuid.Parse(causationID); err != nil {
			return nil, fmt.Errorf("failed to parse causation id: %w", err)
		}
		if ev.CorrelationID, err = uuid.Parse(correlationID); err != nil {
			return nil, fmt.Errorf("failed to parse correlation id: %w", err)
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}
