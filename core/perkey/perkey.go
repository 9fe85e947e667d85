// Package perkey provides a scheduler that serializes work per key while
// work for different keys executes concurrently.
//
// Typical use-case: event-sourced aggregates, where commands for one
// aggregate id must run sequentially but different aggregates in parallel.
// Lanes are created on demand and retire after sitting idle, so the key
// space may be unbounded.
package perkey

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize  int
	idleTimeout time.Duration
}

// WithBufferSize sets the task buffer size per lane (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithIdleTimeout sets how long an empty lane lingers before its goroutine
// retires (default: 30s).
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

type task struct {
	fn   func() error
	done chan error
}

// lane is the execution queue for one key. pending counts tasks that have
// been claimed by Do but not yet finished; it is guarded by the scheduler
// mutex and keeps the lane alive while work is outstanding.
type lane struct {
	tasks   chan *task
	pending int
}

// Scheduler runs tasks such that for any given key, tasks execute
// sequentially in submission order. Tasks for different keys proceed in
// parallel.
type Scheduler[K comparable] struct {
	mu     sync.Mutex
	lanes  map[K]*lane
	closed bool
	wg     sync.WaitGroup // in-flight Do operations

	bufferSize  int
	idleTimeout time.Duration
}

// New creates a Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{
		bufferSize:  64,
		idleTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		lanes:       make(map[K]*lane),
		bufferSize:  cfg.bufferSize,
		idleTimeout: cfg.idleTimeout,
	}
}

// Do schedules fn to run for the given key. It blocks until fn finishes and
// returns its error. All fn calls for the same key execute sequentially.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation while waiting to
// enqueue or waiting for completion. A task that is already enqueued still
// executes even if the caller stops waiting.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	l := s.laneLocked(key)
	l.pending++
	s.mu.Unlock()

	t := &task{
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case l.tasks <- t:
	case <-ctx.Done():
		s.mu.Lock()
		l.pending--
		s.mu.Unlock()
		s.wg.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		s.wg.Done()
		return err
	case <-ctx.Done():
		s.wg.Done()
		return ctx.Err()
	}
}

// Lanes reports how many lanes currently hold a live goroutine.
func (s *Scheduler[K]) Lanes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Close stops accepting new tasks and shuts down all lanes. It waits for
// in-flight Do operations to finish enqueueing; tasks already queued still
// execute.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// No sends can be in flight after this; closing the channels is safe.
	s.wg.Wait()

	s.mu.Lock()
	for _, l := range s.lanes {
		close(l.tasks)
	}
	s.lanes = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) laneLocked(key K) *lane {
	l, ok := s.lanes[key]
	if ok {
		return l
	}
	l = &lane{tasks: make(chan *task, s.bufferSize)}
	s.lanes[key] = l
	go s.runLane(key, l)
	return l
}

// runLane executes tasks for one key. The lane retires when it has been
// idle for idleTimeout with nothing pending: every pending increment
// happens under the mutex before the matching send, so pending == 0 means
// no send can be in flight.
func (s *Scheduler[K]) runLane(key K, l *lane) {
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t, ok := <-l.tasks:
			if !ok {
				return
			}
			t.done <- t.fn()
			s.mu.Lock()
			l.pending--
			s.mu.Unlock()

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)

		case <-idle.C:
			s.mu.Lock()
			if l.pending == 0 && !s.closed {
				delete(s.lanes, key)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.idleTimeout)
		}
	}
}
