package es

import (
	"context"
	"sync"
	"sync/atomic"
)

// SubscriptionStatus reports which delivery phase a durable subscription
// is in.
type SubscriptionStatus int32

const (
	// SubscriptionCatchingUp means historical events are still being drained.
	SubscriptionCatchingUp SubscriptionStatus = iota
	// SubscriptionLive means history is exhausted and delivery follows
	// commits as they happen.
	SubscriptionLive
)

func (s SubscriptionStatus) String() string {
	switch s {
	case SubscriptionCatchingUp:
		return "catching_up"
	case SubscriptionLive:
		return "live"
	default:
		return "unknown"
	}
}

// Subscription is a transient, live-only subscription. It receives every
// batch appended to its stream from the moment of subscribing and dies with
// Cancel or its context.
type Subscription struct {
	id         string
	streamID   string
	pipe       *batchPipe
	cancelOnce sync.Once
	onCancel   func()
}

// C yields one element per committed append: the whole batch, never split.
// The channel closes when the subscription is cancelled.
func (s *Subscription) C() <-chan []RecordedEvent { return s.pipe.out }

func (s *Subscription) StreamID() string { return s.streamID }

func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.onCancel()
		s.pipe.close()
	})
}

// PersistentSubscription is the attached end of a durable, named
// subscription. The durable record (name, stream, acknowledged position)
// outlives it; Stop detaches without discarding the record.
type PersistentSubscription struct {
	name     string
	streamID string
	pipe     *batchPipe
	mgr      *SubscriptionManager
	status   atomic.Int32
	err      atomic.Value // error set before the channel closes abnormally
	stopOnce sync.Once
}

// C yields batches: all of history from the resume position first, then
// live appends. The channel closes on Stop, Unsubscribe, DeleteSubscription
// or a catch-up failure (see Err).
func (p *PersistentSubscription) C() <-chan []RecordedEvent { return p.pipe.out }

func (p *PersistentSubscription) Name() string     { return p.name }
func (p *PersistentSubscription) StreamID() string { return p.streamID }

func (p *PersistentSubscription) Status() SubscriptionStatus {
	return SubscriptionStatus(p.status.Load())
}

// Err reports why the channel closed, or nil for an orderly stop.
func (p *PersistentSubscription) Err() error {
	if v := p.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Ack acknowledges the event, advancing the durable position. Acking out of
// order (older than the current position) is a no-op.
func (p *PersistentSubscription) Ack(ctx context.Context, event RecordedEvent) error {
	return p.mgr.Ack(ctx, p.name, event)
}

// Stop detaches the subscriber and stops delivery. The durable record is
// kept; SubscribeTo under the same name resumes after the last ack.
func (p *PersistentSubscription) Stop() {
	p.stopOnce.Do(func() {
		p.mgr.detach(p.name, p)
		p.pipe.close()
	})
}

func (p *PersistentSubscription) fail(err error) {
	p.err.Store(err)
	p.Stop()
}

// batchPipe decouples publishers from subscribers: push never blocks, a pump
// goroutine forwards queued batches to the outbound channel at the
// consumer's pace. The queue is unbounded; a stalled consumer holds memory,
// not the store's append path.
type batchPipe struct {
	mu     sync.Mutex
	queue  [][]RecordedEvent
	closed bool

	notify chan struct{}
	done   chan struct{}
	out    chan []RecordedEvent
}

func newBatchPipe() *batchPipe {
	p := &batchPipe{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan []RecordedEvent),
	}
	go p.run()
	return p
}

func (p *batchPipe) push(batch []RecordedEvent) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, batch)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *batchPipe) run() {
	defer close(p.out)
	for {
		p.mu.Lock()
		for len(p.queue) > 0 {
			batch := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			select {
			case p.out <- batch:
			case <-p.done:
				return
			}

			p.mu.Lock()
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-p.done:
			return
		}
	}
}

func (p *batchPipe) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
}
