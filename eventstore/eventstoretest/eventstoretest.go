// Package eventstoretest holds the behavioural suite every eventstore.Store
// backend must pass.
package eventstoretest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-examples/calculator-go/eventstore"
)

// Factory returns a fresh store for a single subtest.
type Factory func(t *testing.T) eventstore.Store

// RunStoreTests registers the conformance subtests against stores produced by
// factory. Stream ids are random so backends sharing external state (Redis)
// do not interfere across runs.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("AppendAssignsSequentialIDs", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		stream := newStreamID()
		for want := int64(1); want <= 5; want++ {
			id, err := s.Append(ctx, stream, payload(want))
			require.NoError(t, err)
			assert.Equal(t, want, id)
		}
	})

	t.Run("ReplaySuffix", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		stream := appendN(t, s, 5)

		evs, err := eventstore.Collect(s.Replay(ctx, stream, 3))
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, int64(4), evs[0].ID)
		assert.Equal(t, int64(5), evs[1].ID)
		assert.Equal(t, payload(4), evs[0].Payload)
		assert.Equal(t, payload(5), evs[1].Payload)
		assert.Equal(t, stream, evs[0].StreamID)
		assert.False(t, evs[0].Timestamp.IsZero())
	})

	t.Run("ReplayFromStart", func(t *testing.T) {
		s := factory(t)
		stream := appendN(t, s, 3)
		evs, err := eventstore.Collect(s.Replay(context.Background(), stream, 0))
		require.NoError(t, err)
		require.Len(t, evs, 3)
		for i, ev := range evs {
			assert.Equal(t, int64(i+1), ev.ID)
		}
	})

	t.Run("ReplayUpToDateIsEmpty", func(t *testing.T) {
		s := factory(t)
		stream := appendN(t, s, 3)
		evs, err := eventstore.Collect(s.Replay(context.Background(), stream, 3))
		require.NoError(t, err)
		assert.Empty(t, evs)

		evs, err = eventstore.Collect(s.Replay(context.Background(), stream, 42))
		require.NoError(t, err)
		assert.Empty(t, evs)
	})

	t.Run("UnknownStream", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		stream := newStreamID()
		ok, err := s.Exists(ctx, stream)
		require.NoError(t, err)
		assert.False(t, ok)

		evs, err := eventstore.Collect(s.Replay(ctx, stream, 0))
		require.NoError(t, err)
		assert.Empty(t, evs)
	})

	t.Run("ExistsAfterAppend", func(t *testing.T) {
		s := factory(t)
		stream := appendN(t, s, 1)
		ok, err := s.Exists(context.Background(), stream)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ReplayIsRestartable", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		stream := appendN(t, s, 4)
		seq := s.Replay(ctx, stream, 1)

		first, err := eventstore.Collect(seq)
		require.NoError(t, err)
		second, err := eventstore.Collect(seq)
		require.NoError(t, err)
		assert.Equal(t, ids(first), ids(second))

		// The sequence reads the stream when ranged, not when created.
		_, err = s.Append(ctx, stream, payload(5))
		require.NoError(t, err)
		third, err := eventstore.Collect(seq)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3, 4, 5}, ids(third))
	})

	t.Run("ReplayEarlyStop", func(t *testing.T) {
		s := factory(t)
		stream := appendN(t, s, 10)
		var seen []int64
		for ev, err := range s.Replay(context.Background(), stream, 0) {
			require.NoError(t, err)
			seen = append(seen, ev.ID)
			if len(seen) == 2 {
				break
			}
		}
		assert.Equal(t, []int64{1, 2}, seen)
	})

	t.Run("ConcurrentAppendsAreGapFree", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		stream := newStreamID()
		const writers, perWriter = 8, 25

		var (
			mu  sync.Mutex
			got []int64
			wg  sync.WaitGroup
		)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					id, err := s.Append(ctx, stream, []byte(fmt.Sprintf(`{"w":%d,"i":%d}`, w, i)))
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					got = append(got, id)
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		require.Len(t, got, writers*perWriter)
		for i, id := range got {
			require.Equal(t, int64(i+1), id)
		}

		evs, err := eventstore.Collect(s.Replay(ctx, stream, 0))
		require.NoError(t, err)
		require.Len(t, evs, writers*perWriter)
		for i, ev := range evs {
			require.Equal(t, int64(i+1), ev.ID)
		}
	})

	t.Run("StreamsAreIsolated", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		a := appendN(t, s, 3)
		b := appendN(t, s, 1)

		id, err := s.Append(ctx, b, payload(2))
		require.NoError(t, err)
		assert.Equal(t, int64(2), id)

		evs, err := eventstore.Collect(s.Replay(ctx, a, 0))
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, ids(evs))
		for _, ev := range evs {
			assert.Equal(t, a, ev.StreamID)
		}
	})

	t.Run("PurgeRemovesStream", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		stream := appendN(t, s, 3)
		require.NoError(t, s.Purge(ctx, stream))

		ok, err := s.Exists(ctx, stream)
		require.NoError(t, err)
		assert.False(t, ok)
		evs, err := eventstore.Collect(s.Replay(ctx, stream, 0))
		require.NoError(t, err)
		assert.Empty(t, evs)

		// Purging twice is harmless and a new stream starts over at 1.
		require.NoError(t, s.Purge(ctx, stream))
		id, err := s.Append(ctx, stream, payload(1))
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)
	})

	t.Run("SweepNeverReusesIDs", func(t *testing.T) {
		s := factory(t)
		sw, ok := s.(eventstore.Sweeper)
		if !ok {
			t.Skip("store does not sweep")
		}
		ctx := context.Background()
		stream := appendN(t, s, 3)

		n, err := sw.Sweep(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 3)

		exists, err := s.Exists(ctx, stream)
		require.NoError(t, err)
		assert.True(t, exists, "a swept stream keeps its id counter")
		evs, err := eventstore.Collect(s.Replay(ctx, stream, 0))
		require.NoError(t, err)
		assert.Empty(t, evs)

		id, err := s.Append(ctx, stream, payload(4))
		require.NoError(t, err)
		assert.Equal(t, int64(4), id)

		// A client that saw id 3 before the sweep gets what came after it.
		evs, err = eventstore.Collect(s.Replay(ctx, stream, 3))
		require.NoError(t, err)
		assert.Equal(t, []int64{4}, ids(evs))
	})

	t.Run("SweepKeepsRecentEvents", func(t *testing.T) {
		s := factory(t)
		sw, ok := s.(eventstore.Sweeper)
		if !ok {
			t.Skip("store does not sweep")
		}
		ctx := context.Background()
		stream := appendN(t, s, 2)

		_, err := sw.Sweep(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		evs, err := eventstore.Collect(s.Replay(ctx, stream, 0))
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, ids(evs))
	})

	t.Run("PayloadIsCopied", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		stream := newStreamID()
		buf := []byte(`{"n":1}`)
		_, err := s.Append(ctx, stream, buf)
		require.NoError(t, err)
		buf[2] = 'X'

		evs, err := eventstore.Collect(s.Replay(ctx, stream, 0))
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, `{"n":1}`, string(evs[0].Payload))
	})

	t.Run("EmptyStreamIDRejected", func(t *testing.T) {
		s := factory(t)
		_, err := s.Append(context.Background(), "", payload(1))
		assert.ErrorIs(t, err, eventstore.ErrEmptyStreamID)
	})
}

func newStreamID() string { return "stream-" + uuid.NewString() }

func payload(n int64) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/message","params":{"n":%d}}`, n))
}

func appendN(t *testing.T, s eventstore.Store, n int) string {
	t.Helper()
	stream := newStreamID()
	for i := 1; i <= n; i++ {
		_, err := s.Append(context.Background(), stream, payload(int64(i)))
		require.NoError(t, err)
	}
	return stream
}

func ids(evs []eventstore.Event) []int64 {
	out := make([]int64, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}
