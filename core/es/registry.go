package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/APiercey/commanded/internal/reflector"
)

// EventRegistry maps event type names to constructors so persisted events
// can be decoded back into domain values during replay and delivery.
type EventRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{ctors: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[eventType] = ctor
}

// Decode reconstructs the domain event carried by a recorded envelope.
func (r *EventRegistry) Decode(ev RecordedEvent) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[ev.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.EventType)
	}
	out := ctor()
	if ev.Data != nil {
		if err := json.Unmarshal(ev.Data, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", ev.EventType, err)
		}
	}
	return out, nil
}

// Decoder turns recorded envelopes back into domain events.
type Decoder interface {
	Decode(ev RecordedEvent) (any, error)
}

// Registrar accepts event type registrations.
type Registrar interface {
	Register(eventType string, ctor func() any)
}

// RegisterEventFor registers T under its derived type name. Decoding
// produces a fresh *T per event.
func RegisterEventFor[T any](r Registrar) {
	ti := reflector.TypeInfoFor[T]()
	r.Register(ti.Name, func() any { return new(T) })
}

// EventTypeOf derives the routing name for a domain event, preferring an
// EventType() method over the reflected type name.
func EventTypeOf(event any) string {
	if t, ok := event.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(event).Name
}

var _ Decoder = (*EventRegistry)(nil)
