package es

import (
	"fmt"
	"log/slog"
)

// ExpectedVersion expresses the writer's assumption about a stream's current
// length when appending. A non-negative value N means "the stream currently
// holds exactly N events"; the sentinels relax that check.
type ExpectedVersion int64

const (
	// AnyVersion disables the optimistic-concurrency check.
	AnyVersion ExpectedVersion = -1
	// NoStream requires that the stream does not exist yet.
	NoStream ExpectedVersion = -2
	// StreamExists requires that the stream holds at least one event.
	StreamExists ExpectedVersion = -3
)

// ExactVersion returns the expectation that the stream holds exactly n events.
func ExactVersion(n uint64) ExpectedVersion { return ExpectedVersion(n) }

func (v ExpectedVersion) Validate() error {
	switch {
	case v >= 0, v == AnyVersion, v == NoStream, v == StreamExists:
		return nil
	default:
		return fmt.Errorf("invalid expected version %d", int64(v))
	}
}

// Check validates the expectation against the observed stream length.
// Returns ErrWrongExpectedVersion (wrapped with detail) on mismatch.
func (v ExpectedVersion) Check(streamID string, length uint64) error {
	switch {
	case v == AnyVersion:
		return nil
	case v == NoStream:
		if length != 0 {
			return wrongVersionErr(streamID, v, length)
		}
		return nil
	case v == StreamExists:
		if length == 0 {
			return wrongVersionErr(streamID, v, length)
		}
		return nil
	case v >= 0:
		if uint64(v) != length {
			return wrongVersionErr(streamID, v, length)
		}
		return nil
	default:
		return fmt.Errorf("invalid expected version %d", int64(v))
	}
}

func (v ExpectedVersion) String() string {
	switch v {
	case AnyVersion:
		return "any"
	case NoStream:
		return "no_stream"
	case StreamExists:
		return "stream_exists"
	default:
		return fmt.Sprintf("%d", int64(v))
	}
}

func (v ExpectedVersion) SlogAttr() slog.Attr {
	return slog.String("expected_version", v.String())
}

func wrongVersionErr(streamID string, expected ExpectedVersion, length uint64) error {
	return fmt.Errorf(
		"%w: stream_id=%s expected=%s current_length=%d",
		ErrWrongExpectedVersion, streamID, expected, length,
	)
}

// StartFrom selects where a durable subscription begins delivery when no
// acknowledged position exists yet. A non-negative value is an explicit
// global event number: delivery starts with the event after it.
type StartFrom int64

const (
	// Origin replays everything from the beginning of history.
	Origin StartFrom = -1
	// Current skips existing events and starts with the next commit.
	Current StartFrom = -2
)

// FromEventNumber starts delivery after the given global event number.
func FromEventNumber(n uint64) StartFrom { return StartFrom(n) }

func (s StartFrom) Validate() error {
	if s >= 0 || s == Origin || s == Current {
		return nil
	}
	return fmt.Errorf("invalid start from %d", int64(s))
}

func (s StartFrom) String() string {
	switch s {
	case Origin:
		return "origin"
	case Current:
		return "current"
	default:
		return fmt.Sprintf("%d", int64(s))
	}
}
