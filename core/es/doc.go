// Package es is the event-sourcing core: an event store contract with an
// in-memory reference implementation, subscriptions, snapshots, and a
// per-aggregate command executor.
//
// # Overview
//
// State is stored as an append-only sequence of events per stream. Writers
// express optimistic-concurrency expectations with [ExpectedVersion];
// readers replay streams in order through [StreamIterator]; consumers
// follow commits through transient or durable subscriptions.
//
// # Event Store
//
// [EventStore] is the storage contract. [NewInMemoryStore] is the reference
// implementation: process-local, safe for concurrent use, and the semantic
// model durable adapters (adapters/sqlite, adapters/nats) are held against.
//
//	store := es.NewInMemoryStore()
//	res, err := store.AppendToStream(ctx, "account-42", es.NoStream, batch)
//
// Appends are atomic per batch: either every event becomes visible with a
// contiguous version range and strictly increasing global numbers, or none
// do. A mismatch between expectation and stream length yields
// [ErrWrongExpectedVersion].
//
// # Subscriptions
//
// [SubscriptionStore.Subscribe] gives a transient, live-only feed.
// [SubscriptionStore.SubscribeTo] creates a durable, named subscription
// that first drains history from its resume position, then flips live with
// no gaps and no duplicates. Progress is acknowledged per event:
//
//	sub, err := store.SubscribeTo(ctx, es.AllStreamID, "projector", es.Origin)
//	for batch := range sub.C() {
//	    for _, ev := range batch {
//	        project(ev)
//	        sub.Ack(ctx, ev)
//	    }
//	}
//
// Detaching keeps the durable record; re-subscribing under the same name
// resumes after the last acknowledged event.
//
// # Executing Commands
//
// [Executor] runs commands against aggregates of one type, serialized per
// id and parallel across ids. State is rehydrated by snapshot-then-replay
// and cached; concurrency conflicts are retried against fresh state up to
// the attempt budget (default 3):
//
//	exec, err := es.NewExecutor(store, registry, es.AggregateDef[*Account]{
//	    Name:  "account",
//	    New:   NewAccount,
//	    Apply: ApplyAccountEvent,
//	})
//	recorded, err := exec.Execute(ctx, "42", func(ctx context.Context, acc *Account) ([]any, error) {
//	    return acc.Withdraw(100)
//	})
//
// # Event Registration
//
// Replay decodes persisted envelopes through an [EventRegistry]:
//
//	registry := es.NewRegistry()
//	es.RegisterEventFor[MoneyWithdrawn](registry)
//
// # Snapshots
//
// Snapshots are an optional replay shortcut, never a source of truth.
// Implement [Snapshottable] on the state type for custom encoding, or let
// JSON be used. [ExecutorOption] WithSnapshotEvery(n) checkpoints the fold
// each time the stream grows past a multiple of n.
package es
