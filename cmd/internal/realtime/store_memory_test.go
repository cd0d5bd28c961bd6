package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCollection_Contract(t *testing.T) {
	t.Parallel()

	runCollectionContract(t, func(t *testing.T) Collection {
		c := NewMemoryCollection(WithMemoryLogger(quietLogger()))
		t.Cleanup(func() { _ = c.Close() })
		return c
	})
}

func TestMemoryCollection_WatchCoalescesBursts(t *testing.T) {
	t.Parallel()
	c := NewMemoryCollection(WithMemoryLogger(quietLogger()))
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	l, err := c.Listen(ctx, PairQuery("a", "b", ""))
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	// Nobody reads while the burst lands; writers must not block on the listener.
	for i := range 10 {
		_, _, err := c.Create(ctx, Draft{ClientMsgID: fmt.Sprint(i), SenderID: "a", ReceiverID: "b", Body: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	var events []ListenerEvent
	for {
		select {
		case ev := <-l.Events():
			events = append(events, ev)
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}

	require.NotEmpty(t, events)
	assert.LessOrEqual(t, len(events), 2, "a burst coalesces into at most one pending re-query")
	assert.Len(t, events[len(events)-1].Messages, 10)
}

func TestMemoryCollection_HeldResultFollowsLaterWrites(t *testing.T) {
	t.Parallel()
	c := NewMemoryCollection(WithMemoryLogger(quietLogger()))
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	l, err := c.Listen(ctx, PairQuery("a", "b", ""))
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	n, ok := l.(ChangeNotifier)
	require.True(t, ok)

	var hooked atomic.Int32
	n.OnChange(func() { hooked.Add(1) })

	m, _, err := c.Create(ctx, Draft{SenderID: "a", ReceiverID: "b", Body: "hello"})
	require.NoError(t, err)
	_, _, err = c.Create(ctx, Draft{SenderID: "a", ReceiverID: "c", Body: "elsewhere"})
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, m.ID))

	assert.Equal(t, uint64(2), n.Gen(), "only covering writes advance the generation")
	assert.Equal(t, int32(2), hooked.Load(), "the hook ran inside each covering write")

	// Results fetched before the delete may still surface; the first current one reflects it.
	for {
		ev := nextEvent(t, l)
		require.NoError(t, ev.Err)
		if ev.Gen == n.Gen() {
			assert.Empty(t, ev.Messages)
			break
		}
	}
}

func TestMemoryCollection_ListenerLifecycle(t *testing.T) {
	t.Parallel()
	c := NewMemoryCollection(WithMemoryLogger(quietLogger()))
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	l1, err := c.Listen(ctx, PairQuery("a", "b", ""))
	require.NoError(t, err)
	l2, err := c.Listen(context.Background(), InboxQuery("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Listeners())

	nextEvent(t, l1)
	cancel()
	require.Eventually(t, func() bool { return c.Listeners() == 1 }, waitFor, tick)

	require.NoError(t, l2.Close())
	assert.Equal(t, 0, c.Listeners())

	_, err = c.Listen(ctx, InboxQuery("a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryCollection_DisconnectFailsListeners(t *testing.T) {
	t.Parallel()
	c := NewMemoryCollection(WithMemoryLogger(quietLogger()))
	t.Cleanup(func() { _ = c.Close() })

	l, err := c.Listen(context.Background(), InboxQuery("a"))
	require.NoError(t, err)
	nextEvent(t, l)

	cause := errors.New("gone")
	c.Disconnect(cause)

	ev := nextEvent(t, l)
	assert.ErrorIs(t, ev.Err, cause)

	_, ok := <-l.Events()
	assert.False(t, ok, "a failed listener is dead")
	require.NoError(t, l.Close())
}

func TestMemoryCollection_CloseReleasesListeners(t *testing.T) {
	t.Parallel()
	c := NewMemoryCollection(WithMemoryLogger(quietLogger()))

	for range 3 {
		_, err := c.Listen(context.Background(), InboxQuery("a"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.Listeners())

	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Listeners())
}

func TestMemoryCollection_FailWrites(t *testing.T) {
	t.Parallel()
	c := NewMemoryCollection()
	ctx := context.Background()

	m, _, err := c.Create(ctx, Draft{ClientMsgID: "1", SenderID: "a", ReceiverID: "b", Body: "hi"})
	require.NoError(t, err)

	cause := errors.New("read-only")
	c.FailWrites(cause)

	_, _, err = c.Create(ctx, Draft{ClientMsgID: "2", SenderID: "a", ReceiverID: "b", Body: "hi"})
	assert.ErrorIs(t, err, cause)
	read := true
	_, err = c.Update(ctx, m.ID, Patch{Read: &read})
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, c.Delete(ctx, m.ID), cause)

	got, err := c.Get(ctx, m.ID)
	require.NoError(t, err, "reads keep working")
	assert.False(t, got.Read)

	c.FailWrites(nil)
	_, err = c.Update(ctx, m.ID, Patch{Read: &read})
	require.NoError(t, err)
}

func TestMemoryCollection_DeleteFreesCorrelationID(t *testing.T) {
	t.Parallel()
	c := NewMemoryCollection()
	ctx := context.Background()

	d := Draft{ClientMsgID: "c1", SenderID: "a", ReceiverID: "b", Body: "hi"}
	first, _, err := c.Create(ctx, d)
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, first.ID))

	second, dup, err := c.Create(ctx, d)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestMemoryCollection_TimestampsStrictlyIncrease(t *testing.T) {
	t.Parallel()
	c := NewMemoryCollection(WithMemoryClock(fixedClock()))
	ctx := context.Background()

	var prev Message
	for i := range 20 {
		m, _, err := c.Create(ctx, Draft{ClientMsgID: fmt.Sprint(i), SenderID: "a", ReceiverID: "b", Body: "x"})
		require.NoError(t, err)
		if i > 0 {
			require.True(t, m.CreatedAt.After(prev.CreatedAt))
		}
		prev = m
	}
}
