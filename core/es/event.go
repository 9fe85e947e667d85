package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Metadata carries free-form string key/value pairs alongside an event
// payload. It travels with the event through storage and subscriptions.
type Metadata map[string]string

// Clone returns a copy of m. A nil map clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EventData is the write-side envelope: what a producer hands to the store.
// It is immutable once constructed; the store turns it into a RecordedEvent
// when the append commits.
type EventData struct {
	// EventType is the type name used for deserialization routing.
	EventType string `json:"event_type"`
	// Data contains the encoded event payload. Opaque to the store.
	Data json.RawMessage `json:"data"`
	// Metadata carries caller-supplied enrichment (tenant, user, trace ids).
	Metadata Metadata `json:"metadata,omitempty"`
	// CausationID identifies the command or event that caused this event.
	CausationID uuid.UUID `json:"causation_id"`
	// CorrelationID groups all events belonging to one logical interaction.
	CorrelationID uuid.UUID `json:"correlation_id"`
}

func (e EventData) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event data: event type is empty")
	}
	if e.CausationID == uuid.Nil {
		return fmt.Errorf("event data: causation id is empty")
	}
	if e.CorrelationID == uuid.Nil {
		return fmt.Errorf("event data: correlation id is empty")
	}
	return nil
}

// RecordedEvent is the read-side envelope: an EventData that the store has
// committed. It is immutable and retained indefinitely.
type RecordedEvent struct {
	// EventID is the unique identifier assigned by the store.
	EventID uuid.UUID `json:"event_id"`
	// StreamID identifies the stream this event belongs to.
	StreamID string `json:"stream_id"`
	// StreamVersion is the 0-based, contiguous position within the stream.
	StreamVersion uint64 `json:"stream_version"`
	// EventNumber is the global, strictly increasing position across all
	// streams. It defines total order for all-stream subscriptions.
	EventNumber uint64 `json:"event_number"`
	// EventType is the type name used for deserialization routing.
	EventType string `json:"event_type"`
	// Data contains the encoded event payload.
	Data json.RawMessage `json:"data"`
	// Metadata carries the caller-supplied enrichment.
	Metadata Metadata `json:"metadata,omitempty"`

	CausationID   uuid.UUID `json:"causation_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`

	// CreatedAt is when the store committed the event.
	CreatedAt time.Time `json:"created_at"`
}

// EventData strips the recorded fields, returning the write-side envelope.
func (e RecordedEvent) EventData() EventData {
	return EventData{
		EventType:     e.EventType,
		Data:          e.Data,
		Metadata:      e.Metadata.Clone(),
		CausationID:   e.CausationID,
		CorrelationID: e.CorrelationID,
	}
}

func (e RecordedEvent) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.EventID.String()),
		slog.String("stream_id", e.StreamID),
		slog.Uint64("stream_version", e.StreamVersion),
		slog.Uint64("number", e.EventNumber),
		slog.String("type", e.EventType),
	)
}

type eventDataOptions struct {
	metadata      Metadata
	causationID   uuid.UUID
	correlationID uuid.UUID
}

// EventDataOption customizes envelopes built by NewEventData.
type EventDataOption func(*eventDataOptions)

// WithMetadata attaches metadata to the envelope.
func WithMetadata(md Metadata) EventDataOption {
	return func(o *eventDataOptions) { o.metadata = md.Clone() }
}

// WithCausationID sets the causation id. Defaults to a fresh id.
func WithCausationID(id uuid.UUID) EventDataOption {
	return func(o *eventDataOptions) { o.causationID = id }
}

// WithCorrelationID sets the correlation id. Defaults to a fresh id.
func WithCorrelationID(id uuid.UUID) EventDataOption {
	return func(o *eventDataOptions) { o.correlationID = id }
}

// NewEventData encodes a domain event into an EventData envelope. The type
// name is derived from the event value (or its EventType method when present).
func NewEventData(event any, opts ...EventDataOption) (EventData, error) {
	o := eventDataOptions{
		causationID:   uuid.New(),
		correlationID: uuid.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return EventData{}, fmt.Errorf("failed to encode event %T: %w", event, err)
	}

	ed := EventData{
		EventType:     EventTypeOf(event),
		Data:          data,
		Metadata:      o.metadata,
		CausationID:   o.causationID,
		CorrelationID: o.correlationID,
	}
	if err := ed.Validate(); err != nil {
		return EventData{}, err
	}
	return ed, nil
}
