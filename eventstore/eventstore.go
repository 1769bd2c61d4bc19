// Package eventstore defines the ordered, replayable per-stream log used by
// the stateful streamable HTTP server to let clients resume a dropped SSE
// stream.
//
// Every outbound message of a stream is appended and receives the next
// integer id of that stream, starting at 1, with no gaps. Ids are never reused
// while the stream exists, even after retention removed older events. A client that
// reconnects with the last id it saw gets exactly the events after it, in
// order. Backends live in the memory, redis and sqlite sub-packages and are
// all verified by eventstoretest.RunStoreTests.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"
)

// Event is an immutable, stored outbound message.
type Event struct {
	StreamID  string
	ID        int64
	Payload   []byte
	Timestamp time.Time
}

// Store is an append-only log partitioned by stream id.
//
// Implementations must be safe for concurrent use. Appends to the same stream
// are serialized so ids stay gap-free; appends and replays on different
// streams do not block each other longer than a map lookup.
type Store interface {
	// Append stores payload at the end of the stream, creating the stream on
	// first use, and returns the assigned id.
	Append(ctx context.Context, streamID string, payload []byte) (int64, error)
	// Replay yields the events with id > after in ascending id order. The
	// returned sequence is lazy and may be ranged over more than once; each
	// pass reads the current contents of the stream. Unknown streams and
	// callers already up to date see an empty sequence.
	Replay(ctx context.Context, streamID string, after int64) iter.Seq2[Event, error]
	// Exists reports whether the stream was ever appended to and has not
	// been purged. A stream whose events were all swept still exists.
	Exists(ctx context.Context, streamID string) (bool, error)
	// Purge deletes the stream including its id counter, so a later append
	// starts over at 1. Purging an unknown stream is not an error.
	Purge(ctx context.Context, streamID string) error
}

// Sweeper is implemented by backends that enforce time based retention
// themselves instead of relying on key expiry.
type Sweeper interface {
	// Sweep deletes events appended before cutoff and returns how many it
	// deleted. The id counter of every stream is kept, so appends after a
	// sweep continue above the highest id ever assigned.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

var (
	// ErrEmptyStreamID is returned when a stream id is blank.
	ErrEmptyStreamID = errors.New("eventstore: empty stream id")
	// ErrInvalidEventID is returned by ParseEventID for malformed tokens.
	ErrInvalidEventID = errors.New("eventstore: invalid event id")
)

// FormatEventID renders an id as the SSE id field and Last-Event-ID token.
func FormatEventID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseEventID parses a Last-Event-ID token. An empty token means "from the
// start" and yields 0.
func ParseEventID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEventID, s)
	}
	return id, nil
}

// Collect drains a replay sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	var out []Event
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// ValidateStreamID rejects blank ids.
func ValidateStreamID(streamID string) error {
	if strings.TrimSpace(streamID) == "" {
		return ErrEmptyStreamID
	}
	return nil
}

// Fail returns a sequence that yields err once.
func Fail(err error) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		yield(Event{}, err)
	}
}
