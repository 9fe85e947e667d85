package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type plainEvent struct {
	Value int `json:"value"`
}

type namedEvent struct{}

func (namedEvent) EventType() string { return "custom.name" }

func TestEventTypeOf(t *testing.T) {
	require.Contains(t, EventTypeOf(&plainEvent{}), "plainEvent")
	require.Equal(t, EventTypeOf(plainEvent{}), EventTypeOf(&plainEvent{}))
	require.Equal(t, "custom.name", EventTypeOf(namedEvent{}))
}

func TestRegistry_Decode(t *testing.T) {
	r := NewRegistry()
	RegisterEventFor[plainEvent](r)

	data, err := json.Marshal(plainEvent{Value: 7})
	require.NoError(t, err)

	ev, err := r.Decode(RecordedEvent{
		EventType: EventTypeOf(plainEvent{}),
		Data:      data,
	})
	require.NoError(t, err)
	decoded, ok := ev.(*plainEvent)
	require.True(t, ok)
	require.Equal(t, 7, decoded.Value)
}

func TestRegistry_UnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode(RecordedEvent{EventType: "nope"})
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestRegistry_RoundTripThroughStore(t *testing.T) {
	ctx := t.Context()
	store := NewInMemoryStore()
	r := NewRegistry()
	RegisterEventFor[plainEvent](r)

	ed, err := NewEventData(&plainEvent{Value: 3}, WithMetadata(Metadata{"tenant": "t1"}))
	require.NoError(t, err)

	res, err := store.AppendToStream(ctx, "s", NoStream, []EventData{ed})
	require.NoError(t, err)

	ev, err := r.Decode(res.Events[0])
	require.NoError(t, err)
	require.Equal(t, &plainEvent{Value: 3}, ev)
	require.Equal(t, "t1", res.Events[0].Metadata["tenant"])
}
