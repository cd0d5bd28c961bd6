package realtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPebble(t *testing.T, path string, opts ...PebbleOption) *PebbleCollection {
	t.Helper()

	c, err := OpenPebbleCollection(path, append([]PebbleOption{WithPebbleLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestPebbleCollection_Contract(t *testing.T) {
	t.Parallel()

	runCollectionContract(t, func(t *testing.T) Collection {
		c := openTestPebble(t, filepath.Join(t.TempDir(), "db"))
		t.Cleanup(func() { _ = c.Close() })
		return c
	})
}

func TestPebbleCollection_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	// A clock stuck in the past must still not reuse timestamps after a restart.
	past := func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) }

	c := openTestPebble(t, path)
	first, _, err := c.Create(ctx, Draft{ClientMsgID: "c1", SenderID: "a", ReceiverID: "b", Body: "persisted"})
	require.NoError(t, err)
	read := true
	_, err = c.Update(ctx, first.ID, Patch{Read: &read})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c = openTestPebble(t, path, WithPebbleClock(past))
	t.Cleanup(func() { _ = c.Close() })

	got, err := c.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Body)
	assert.True(t, got.Read)

	replay, dup, err := c.Create(ctx, Draft{ClientMsgID: "c1", SenderID: "a", ReceiverID: "b", Body: "persisted"})
	require.NoError(t, err)
	assert.True(t, dup, "correlation ids survive a restart")
	assert.Equal(t, first.ID, replay.ID)

	second, _, err := c.Create(ctx, Draft{ClientMsgID: "c2", SenderID: "b", ReceiverID: "a", Body: "after restart"})
	require.NoError(t, err)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))

	msgs, err := c.Query(ctx, PairQuery("a", "b", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"after restart", "persisted"}, bodies(msgs))
}

func TestPebbleCollection_ThroughSession(t *testing.T) {
	t.Parallel()

	c := openTestPebble(t, filepath.Join(t.TempDir(), "db"))
	t.Cleanup(func() { _ = c.Close() })
	st, err := NewStore(c, WithStoreLogger(quietLogger()))
	require.NoError(t, err)

	s := openTestSession(t, st, SessionOptions{Viewer: "a", Counterpart: "b"})
	waitActive(t, s)

	require.NoError(t, s.Send(context.Background(), "stored on disk"))
	require.Eventually(t, func() bool {
		st := s.State()
		return len(st.Messages) == 1 && !st.Pending && st.Messages[0].ID != ""
	}, waitFor, tick)
}

func TestOpenPebbleCollection_RequiresPath(t *testing.T) {
	t.Parallel()

	_, err := OpenPebbleCollection("")
	assert.Error(t, err)
}

func TestPrefixUpperBound(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte("u/b"), prefixUpperBound([]byte("u/a")))
	assert.Equal(t, []byte("b"), prefixUpperBound([]byte{'a', 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
