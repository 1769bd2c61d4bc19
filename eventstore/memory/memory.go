// Package memory provides an in-process eventstore.Store. Events live for the
// lifetime of the process unless a retention sweep or Purge removes them. A
// sweep drops old events but keeps each stream's last id, so ids are never
// handed out twice; only Purge forgets a stream.
package memory

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/mcp-examples/calculator-go/eventstore"
)

// Store is a map of stream id to an ordered slice of events, each stream
// guarded by its own mutex.
type Store struct {
	mu      sync.RWMutex
	streams map[string]*stream
	now     func() time.Time
}

type stream struct {
	mu     sync.Mutex
	events []eventstore.Event
	// lastID is the id of the most recent append and survives sweeps.
	lastID int64
	// purged is set once the stream has been detached from the map.
	purged bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{streams: make(map[string]*stream), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ eventstore.Store   = (*Store)(nil)
	_ eventstore.Sweeper = (*Store)(nil)
)

func (s *Store) getOrCreate(streamID string) *stream {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	s.mu.RUnlock()
	if ok {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.streams[streamID]; ok {
		return st
	}
	st = &stream{}
	s.streams[streamID] = st
	return st
}

func (s *Store) lookup(streamID string) (*stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[streamID]
	return st, ok
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, payload []byte) (int64, error) {
	if err := eventstore.ValidateStreamID(streamID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for {
		st := s.getOrCreate(streamID)
		st.mu.Lock()
		if st.purged {
			st.mu.Unlock()
			continue
		}
		st.lastID++
		ev := eventstore.Event{
			StreamID:  streamID,
			ID:        st.lastID,
			Payload:   append([]byte(nil), payload...),
			Timestamp: s.now(),
		}
		st.events = append(st.events, ev)
		st.mu.Unlock()
		return ev.ID, nil
	}
}

// Replay implements eventstore.Store.
func (s *Store) Replay(ctx context.Context, streamID string, after int64) iter.Seq2[eventstore.Event, error] {
	return func(yield func(eventstore.Event, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(eventstore.Event{}, err)
			return
		}
		st, ok := s.lookup(streamID)
		if !ok {
			return
		}
		st.mu.Lock()
		// Events are ordered by id but a sweep may have removed a prefix.
		// Stored events are never mutated, so sharing the backing array is safe.
		i := sort.Search(len(st.events), func(i int) bool { return st.events[i].ID > after })
		suffix := st.events[i:len(st.events):len(st.events)]
		st.mu.Unlock()

		for _, ev := range suffix {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Exists implements eventstore.Store.
func (s *Store) Exists(_ context.Context, streamID string) (bool, error) {
	st, ok := s.lookup(streamID)
	if !ok {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastID > 0, nil
}

// Purge implements eventstore.Store.
func (s *Store) Purge(_ context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[streamID]; ok {
		st.mu.Lock()
		st.purged = true
		st.mu.Unlock()
		delete(s.streams, streamID)
	}
	return nil
}

// Sweep implements eventstore.Sweeper. It removes events older than cutoff
// and reports how many it removed.
func (s *Store) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	n := 0
	for _, st := range streams {
		st.mu.Lock()
		i := 0
		for i < len(st.events) && st.events[i].Timestamp.Before(cutoff) {
			i++
		}
		if i > 0 {
			st.events = append([]eventstore.Event(nil), st.events[i:]...)
			n += i
		}
		st.mu.Unlock()
	}
	return n, nil
}

// Len returns the number of events currently held across all streams.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.streams {
		st.mu.Lock()
		n += len(st.events)
		st.mu.Unlock()
	}
	return n
}
