package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-examples/calculator-go/eventstore"
	"github.com/mcp-examples/calculator-go/eventstore/eventstoretest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	eventstoretest.RunStoreTests(t, func(t *testing.T) eventstore.Store {
		return openTemp(t)
	})
}

func TestSQLiteInMemory(t *testing.T) {
	eventstoretest.RunStoreTests(t, func(t *testing.T) eventstore.Store {
		s, err := Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "session-1", []byte(`{"jsonrpc":"2.0"}`))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	evs, err := eventstore.Collect(s.Replay(ctx, "session-1", 1))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(2), evs[0].ID)

	id, err := s.Append(ctx, "session-1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
}

func TestSQLiteReplayAcrossPages(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	total := replayPageSize*2 + 7
	for i := 0; i < total; i++ {
		_, err := s.Append(ctx, "big", []byte(`{}`))
		require.NoError(t, err)
	}
	evs, err := eventstore.Collect(s.Replay(ctx, "big", 5))
	require.NoError(t, err)
	require.Len(t, evs, total-5)
	for i, ev := range evs {
		require.Equal(t, int64(i+6), ev.ID)
	}
}

func TestSQLiteSweep(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Append(ctx, "old", []byte(`{}`))
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	_, err = s.Append(ctx, "fresh", []byte(`{}`))
	require.NoError(t, err)

	n, err := s.Sweep(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs, err := eventstore.Collect(s.Replay(ctx, "old", 0))
	require.NoError(t, err)
	assert.Empty(t, evs)
	ok, err := s.Exists(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok)

	id, err := s.Append(ctx, "old", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestSQLiteBackfillsStreamCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (stream_id, event_id, payload, created_at) VALUES ('legacy', 7, x'7b7d', 0)`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	id, err := s.Append(ctx, "legacy", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(8), id)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
