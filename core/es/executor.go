package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/APiercey/commanded/core/cache"
	"github.com/APiercey/commanded/core/perkey"
	"github.com/APiercey/commanded/core/sf"
)

// NewStateFunc builds the zero state for an aggregate id.
type NewStateFunc[S any] func(id string) S

// ApplyFunc folds one domain event into the state and returns the result.
// It must be deterministic and free of I/O; when S is a pointer type it may
// update the state in place and return it, since folds for one aggregate id
// never run concurrently.
type ApplyFunc[S any] func(state S, event any) S

// CommandFunc decides, given current state, which events happen. It must
// not mutate state; all changes go through the returned events. Returning
// no events and no error is a valid no-op.
type CommandFunc[S any] func(ctx context.Context, state S) ([]any, error)

// AggregateDef describes one aggregate type: its name (used as the stream
// id prefix), initial state and event fold.
type AggregateDef[S any] struct {
	Name  string
	New   NewStateFunc[S]
	Apply ApplyFunc[S]
}

func (d AggregateDef[S]) Validate() error {
	if d.Name == "" {
		return errors.New("aggregate def: name is empty")
	}
	if d.New == nil {
		return errors.New("aggregate def: new func is nil")
	}
	if d.Apply == nil {
		return errors.New("aggregate def: apply func is nil")
	}
	return nil
}

// StreamID returns the stream holding the aggregate's events.
func (d AggregateDef[S]) StreamID(id string) string {
	return d.Name + "-" + id
}

// aggState is the cached fold of one aggregate's stream.
type aggState[S any] struct {
	state      S
	version    uint64 // stream length folded so far
	lastNumber uint64 // global number of the last folded event
}

// Executor runs commands against aggregates of one type. Commands for the
// same id execute strictly one at a time in submission order; different ids
// run in parallel. State is rehydrated by snapshot-then-replay, cached, and
// advanced locally on every successful append, so steady-state execution
// never re-reads the stream. Concurrency conflicts are retried with fresh
// state up to the attempt budget.
type Executor[S any] struct {
	store   EventStore
	decoder Decoder
	def     AggregateDef[S]

	log     *slog.Logger
	metrics ESMetrics

	sched  *perkey.Scheduler[string]
	states cache.Cache[string, *aggState[S]]
	loads  sf.Group[*aggState[S]]

	attempts      uint64
	newBackoff    func() backoff.BackOff
	replayBatch   int
	snapshotEvery uint64
}

func NewExecutor[S any](store EventStore, decoder Decoder, def AggregateDef[S], opts ...ExecutorOption) (*Executor[S], error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if decoder == nil {
		return nil, errors.New("decoder is nil")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	o := defaultExecutorOpts()
	for _, opt := range opts {
		opt(&o)
	}

	var states cache.Cache[string, *aggState[S]]
	switch {
	case o.cacheSize > 0 && o.cacheTTL > 0:
		states = cache.NewExpirableLRU[string, *aggState[S]](o.cacheSize, o.cacheTTL)
	case o.cacheSize > 0:
		c, err := cache.NewLRU[string, *aggState[S]](o.cacheSize)
		if err != nil {
			return nil, err
		}
		states = c
	default:
		states = cache.Nop[string, *aggState[S]]()
	}

	return &Executor[S]{
		store:         store,
		decoder:       decoder,
		def:           def,
		log:           o.log.With(slog.String("aggregate", def.Name)),
		metrics:       o.metrics,
		sched:         perkey.New[string](perkey.WithIdleTimeout(o.laneIdle)),
		states:        states,
		attempts:      o.attempts,
		newBackoff:    o.newBackoff,
		replayBatch:   o.replayBatch,
		snapshotEvery: o.snapshotEvery,
	}, nil
}

// Execute runs cmd against the aggregate identified by id and returns the
// recorded events it produced. On a concurrency conflict the cached state
// is discarded, rehydrated, and cmd re-decided against the fresh state;
// after the attempt budget the error wraps both ErrConflictRetriesExceeded
// and ErrWrongExpectedVersion. Errors returned by cmd are never retried.
func (e *Executor[S]) Execute(ctx context.Context, id string, cmd CommandFunc[S], opts ...ExecOption) ([]RecordedEvent, error) {
	if id == "" {
		return nil, errors.New("aggregate id is empty")
	}
	if cmd == nil {
		return nil, errors.New("command is nil")
	}

	var eo execOpts
	for _, opt := range opts {
		opt(&eo)
	}
	// All events of one command share causation and correlation.
	if eo.causationID == uuid.Nil {
		eo.causationID = uuid.New()
	}
	if eo.correlationID == uuid.Nil {
		eo.correlationID = uuid.New()
	}

	var recorded []RecordedEvent
	err := e.sched.DoContext(ctx, id, func() error {
		defer e.metrics.ExecuteDuration(e.def.Name).ObserveDuration()
		var err error
		recorded, err = e.execute(ctx, id, cmd, eo)
		return err
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// execute runs on the aggregate's lane; nothing else touches this id
// concurrently except State's read-only path.
func (e *Executor[S]) execute(ctx context.Context, id string, cmd CommandFunc[S], eo execOpts) (recorded []RecordedEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.states.Remove(id)
			e.log.Error(
				"command panicked",
				slog.String("id", id),
				slog.Any("panic", r),
			)
			recorded, err = nil, fmt.Errorf("command panicked: %v", r)
		}
	}()

	operation := func() error {
		st, lerr := e.load(ctx, id)
		if lerr != nil {
			return backoff.Permanent(lerr)
		}

		events, cerr := cmd(ctx, st.state)
		if cerr != nil {
			return backoff.Permanent(cerr)
		}
		if len(events) == 0 {
			recorded = nil
			return nil
		}

		batch := make([]EventData, len(events))
		for i, ev := range events {
			ed, derr := NewEventData(ev, eo.envelopeOpts()...)
			if derr != nil {
				return backoff.Permanent(derr)
			}
			batch[i] = ed
		}

		res, aerr := e.store.AppendToStream(ctx, e.def.StreamID(id), ExactVersion(st.version), batch)
		if aerr != nil {
			if errors.Is(aerr, ErrWrongExpectedVersion) {
				// Someone else advanced the stream. Drop the stale fold and
				// let the next attempt rehydrate and re-decide.
				e.metrics.ConcurrencyConflict(e.def.Name)
				e.states.Remove(id)
				e.log.Debug("concurrency conflict", slog.String("id", id), slog.Any("error", aerr))
				return aerr
			}
			return backoff.Permanent(aerr)
		}

		next := &aggState[S]{state: st.state, version: st.version, lastNumber: st.lastNumber}
		for _, ev := range events {
			next.state = e.def.Apply(next.state, ev)
		}
		next.version = res.NextExpectedVersion
		next.lastNumber = res.LastEventNumber
		e.states.Add(id, next)

		e.metrics.EventsAppended(e.def.Name, len(res.Events))
		recorded = res.Events

		if serr := e.maybeSnapshot(ctx, id, st.version, next); serr != nil {
			return backoff.Permanent(serr)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(e.newBackoff(), e.attempts-1), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		if errors.Is(err, ErrWrongExpectedVersion) {
			e.metrics.ConflictRetriesExceeded(e.def.Name)
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrConflictRetriesExceeded, e.attempts, err)
		}
		return nil, err
	}
	return recorded, nil
}

// State returns the aggregate's current state and version without running a
// command. Cached state is returned as-is; cold loads are collapsed so a
// burst of reads for one id replays its stream once.
func (e *Executor[S]) State(ctx context.Context, id string) (S, uint64, error) {
	if st, ok := e.states.Get(id); ok {
		e.metrics.StateCacheHit(e.def.Name)
		return st.state, st.version, nil
	}

	st, _, err := e.loads.Do(id, func() (*aggState[S], error) {
		return e.load(ctx, id)
	})
	if err != nil {
		var zero S
		return zero, 0, err
	}
	return st.state, st.version, nil
}

// Evict drops any cached state for id; the next command rehydrates.
func (e *Executor[S]) Evict(id string) {
	e.states.Remove(id)
	e.loads.Forget(id)
}

// Close stops the executor. In-flight commands finish; new ones are
// rejected.
func (e *Executor[S]) Close() {
	e.sched.Close()
}

// load returns the cached fold for id, rehydrating from snapshot and
// stream replay on a miss.
func (e *Executor[S]) load(ctx context.Context, id string) (*aggState[S], error) {
	if st, ok := e.states.Get(id); ok {
		e.metrics.StateCacheHit(e.def.Name)
		return st, nil
	}
	e.metrics.StateCacheMiss(e.def.Name)

	streamID := e.def.StreamID(id)
	st := &aggState[S]{state: e.def.New(id)}

	snap, err := e.store.ReadSnapshot(ctx, streamID)
	switch {
	case err == nil:
		timer := e.metrics.SnapshotLoadDuration(e.def.Name)
		if rerr := restoreInto(&st.state, snap.Data); rerr != nil {
			// A bad snapshot never blocks rehydration; fall back to replay.
			e.log.Warn(
				"snapshot restore failed, replaying from origin",
				slog.String("id", id),
				slog.Any("error", rerr),
			)
			st.state = e.def.New(id)
		} else {
			st.version = snap.SourceVersion
			st.lastNumber = snap.EventNumber
		}
		timer.ObserveDuration()
	case errors.Is(err, ErrSnapshotNotFound):
	default:
		e.log.Warn("snapshot read failed, replaying from origin", slog.String("id", id), slog.Any("error", err))
	}

	defer e.metrics.ReplayDuration(e.def.Name).ObserveDuration()

	it, err := e.store.StreamForward(ctx, streamID, st.version, e.replayBatch)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			// New aggregate: zero state at version 0.
			e.states.Add(id, st)
			return st, nil
		}
		return nil, fmt.Errorf("failed to read stream %s: %w", streamID, err)
	}

	for {
		rec, ok, nerr := it.Next(ctx)
		if nerr != nil {
			return nil, fmt.Errorf("failed to replay stream %s: %w", streamID, nerr)
		}
		if !ok {
			break
		}
		ev, derr := e.decoder.Decode(rec)
		if derr != nil {
			return nil, fmt.Errorf("failed to replay stream %s: %w", streamID, derr)
		}
		st.state = e.def.Apply(st.state, ev)
		st.version = rec.StreamVersion + 1
		st.lastNumber = rec.EventNumber
	}

	e.states.Add(id, st)
	return st, nil
}

// maybeSnapshot records a checkpoint when the fold crosses a snapshot
// boundary. A failed save is reported: the append has committed, but the
// caller should know the checkpoint it asked for was not taken.
func (e *Executor[S]) maybeSnapshot(ctx context.Context, id string, prevVersion uint64, st *aggState[S]) error {
	if e.snapshotEvery == 0 || st.version/e.snapshotEvery == prevVersion/e.snapshotEvery {
		return nil
	}

	timer := e.metrics.SnapshotSaveDuration(e.def.Name)
	defer timer.ObserveDuration()

	data, err := snapshotBytes(st.state)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", id, err)
	}
	snap := NewSnapshot(e.def.StreamID(id), st.version, st.lastNumber, data)
	if err := e.store.RecordSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("failed to record snapshot for %s: %w", id, err)
	}
	e.log.Debug("snapshot recorded", slog.String("id", id), snap.SlogAttr())
	return nil
}

func snapshotBytes[S any](state S) ([]byte, error) {
	if s, ok := any(state).(Snapshottable); ok {
		return s.Snapshot()
	}
	return json.Marshal(state)
}

func restoreInto[S any](state *S, data []byte) error {
	if s, ok := any(*state).(Snapshottable); ok {
		return s.RestoreSnapshot(data)
	}
	if s, ok := any(state).(Snapshottable); ok {
		return s.RestoreSnapshot(data)
	}
	return json.Unmarshal(data, state)
}
