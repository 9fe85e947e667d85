package es

import (
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Snapshot is a derived-state checkpoint for one source (typically an
// aggregate stream). It lives outside the event log and only ever shortcuts
// replay; deleting it is always safe.
type Snapshot struct {
	// SnapshotID is the unique id of this checkpoint.
	SnapshotID string `json:"snapshot_id"`
	// SourceID identifies the stream the state was derived from.
	SourceID string `json:"source_id"`
	// SourceVersion is the stream length the state reflects.
	SourceVersion uint64 `json:"source_version"`
	// EventNumber is the global number of the last folded event.
	EventNumber uint64 `json:"event_number"`

	CreatedAt time.Time `json:"created_at"`
	Encoding  string    `json:"encoding"`
	Data      []byte    `json:"data"`
}

func NewSnapshot(sourceID string, sourceVersion, eventNumber uint64, data []byte) *Snapshot {
	return &Snapshot{
		SnapshotID:    gonanoid.Must(),
		SourceID:      sourceID,
		SourceVersion: sourceVersion,
		EventNumber:   eventNumber,
		CreatedAt:     time.Now(),
		Encoding:      "json",
		Data:          data,
	}
}

func (s *Snapshot) SlogAttr() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.SnapshotID),
		slog.String("source_id", s.SourceID),
		slog.Uint64("source_version", s.SourceVersion),
		slog.Uint64("event_number", s.EventNumber),
		slog.Int("size", len(s.Data)),
	)
}

// Snapshottable lets a state type override the JSON default used when
// creating and restoring snapshots.
type Snapshottable interface {
	Snapshot() (data []byte, err error)
	RestoreSnapshot(data []byte) error
}
