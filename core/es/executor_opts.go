package es

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

type executorOpts struct {
	log           *slog.Logger
	metrics       ESMetrics
	attempts      uint64
	newBackoff    func() backoff.BackOff
	replayBatch   int
	snapshotEvery uint64
	cacheSize     int
	cacheTTL      time.Duration
	laneIdle      time.Duration
}

func defaultExecutorOpts() executorOpts {
	return executorOpts{
		log:         slog.Default(),
		metrics:     NopESMetrics(),
		attempts:    3,
		newBackoff:  defaultConflictBackoff,
		replayBatch: defaultReadBatchSize,
		cacheSize:   1024,
		laneIdle:    30 * time.Second,
	}
}

func defaultConflictBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	return bo
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorOpts)

func WithExecutorLog(log *slog.Logger) ExecutorOption {
	return func(o *executorOpts) { o.log = log }
}

func WithExecutorMetrics(m ESMetrics) ExecutorOption {
	return func(o *executorOpts) { o.metrics = m }
}

// WithAttempts sets the total attempt budget per command, counting the
// first try (default: 3). Only concurrency conflicts consume attempts.
func WithAttempts(n uint64) ExecutorOption {
	return func(o *executorOpts) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithConflictBackoff sets the factory for the backoff schedule between
// conflict retries.
func WithConflictBackoff(f func() backoff.BackOff) ExecutorOption {
	return func(o *executorOpts) {
		if f != nil {
			o.newBackoff = f
		}
	}
}

// WithReplayBatchSize sets how many events one rehydration read pages.
func WithReplayBatchSize(n int) ExecutorOption {
	return func(o *executorOpts) {
		if n > 0 {
			o.replayBatch = n
		}
	}
}

// WithSnapshotEvery records a state checkpoint each time the stream grows
// past a multiple of n. Zero (the default) disables snapshotting.
func WithSnapshotEvery(n uint64) ExecutorOption {
	return func(o *executorOpts) { o.snapshotEvery = n }
}

// WithStateCacheSize bounds the number of aggregate folds kept in memory.
// Zero disables the cache: every command rehydrates.
func WithStateCacheSize(n int) ExecutorOption {
	return func(o *executorOpts) { o.cacheSize = n }
}

// WithStateCacheTTL additionally expires cached aggregate folds after d.
// Useful when another process may write the same streams: a stale fold then
// costs at most one conflict round-trip per TTL window instead of one per
// command. Zero (the default) keeps entries until LRU eviction.
func WithStateCacheTTL(d time.Duration) ExecutorOption {
	return func(o *executorOpts) {
		if d > 0 {
			o.cacheTTL = d
		}
	}
}

// WithLaneIdleTimeout sets how long an idle aggregate lane keeps its
// goroutine.
func WithLaneIdleTimeout(d time.Duration) ExecutorOption {
	return func(o *executorOpts) {
		if d > 0 {
			o.laneIdle = d
		}
	}
}

type execOpts struct {
	metadata      Metadata
	causationID   uuid.UUID
	correlationID uuid.UUID
}

// ExecOption attaches envelope context to the events one command produces.
type ExecOption func(*execOpts)

// WithCommandMetadata attaches metadata to every event of the command.
func WithCommandMetadata(md Metadata) ExecOption {
	return func(o *execOpts) { o.metadata = md.Clone() }
}

// WithCommandCausation marks the command (or upstream event) that caused
// the produced events.
func WithCommandCausation(id uuid.UUID) ExecOption {
	return func(o *execOpts) { o.causationID = id }
}

// WithCommandCorrelation groups the produced events under an existing
// interaction id.
func WithCommandCorrelation(id uuid.UUID) ExecOption {
	return func(o *execOpts) { o.correlationID = id }
}

func (o execOpts) envelopeOpts() []EventDataOption {
	var out []EventDataOption
	if o.metadata != nil {
		out = append(out, WithMetadata(o.metadata))
	}
	if o.causationID != uuid.Nil {
		out = append(out, WithCausationID(o.causationID))
	}
	if o.correlationID != uuid.Nil {
		out = append(out, WithCorrelationID(o.correlationID))
	}
	return out
}
