package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCollectionContract checks the behavior every Collection backend must share.
func runCollectionContract(t *testing.T, open func(t *testing.T) Collection) {
	t.Run("create and get", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()

		m, dup, err := c.Create(ctx, Draft{ClientMsgID: "c1", SenderID: "a", ReceiverID: "b", Body: "hi", ListingRef: "car-1"})
		require.NoError(t, err)
		assert.False(t, dup)
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.CreatedAt.IsZero())
		assert.False(t, m.Read)
		require.NoError(t, m.Validate())

		got, err := c.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, "car-1", got.ListingRef)
		assert.True(t, m.CreatedAt.Equal(got.CreatedAt))

		_, err = c.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create dedupes per sender", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()

		d := Draft{ClientMsgID: "c1", SenderID: "a", ReceiverID: "b", Body: "hi"}
		first, dup, err := c.Create(ctx, d)
		require.NoError(t, err)
		require.False(t, dup)

		again, dup, err := c.Create(ctx, d)
		require.NoError(t, err)
		assert.True(t, dup)
		assert.Equal(t, first.ID, again.ID)

		msgs, err := c.Query(ctx, PairQuery("a", "b", ""))
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("update", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()

		m, _, err := c.Create(ctx, Draft{ClientMsgID: "c1", SenderID: "a", ReceiverID: "b", Body: "hi"})
		require.NoError(t, err)

		read := true
		got, err := c.Update(ctx, m.ID, Patch{Read: &read})
		require.NoError(t, err)
		assert.True(t, got.Read)
		assert.False(t, got.Edited)

		body := "hello"
		got, err = c.Update(ctx, m.ID, Patch{Body: &body})
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Body)
		assert.True(t, got.Edited)
		require.NotNil(t, got.EditedAt)
		assert.True(t, got.Read)

		_, err = c.Update(ctx, "missing", Patch{Read: &read})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()

		m, _, err := c.Create(ctx, Draft{ClientMsgID: "c1", SenderID: "a", ReceiverID: "b", Body: "hi"})
		require.NoError(t, err)

		require.NoError(t, c.Delete(ctx, m.ID))
		_, err = c.Get(ctx, m.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, c.Delete(ctx, m.ID), ErrNotFound)

		msgs, err := c.Query(ctx, InboxQuery("a"))
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("query order, filter and limit", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()

		for i := range 5 {
			from, to := "a", "b"
			if i%2 == 1 {
				from, to = to, from
			}
			_, _, err := c.Create(ctx, Draft{ClientMsgID: fmt.Sprintf("c%d", i), SenderID: from, ReceiverID: to, Body: fmt.Sprintf("m%d", i)})
			require.NoError(t, err)
		}
		_, _, err := c.Create(ctx, Draft{ClientMsgID: "x", SenderID: "a", ReceiverID: "z", Body: "other"})
		require.NoError(t, err)
		_, _, err = c.Create(ctx, Draft{ClientMsgID: "l", SenderID: "b", ReceiverID: "a", Body: "listing", ListingRef: "car-9"})
		require.NoError(t, err)

		pair, err := c.Query(ctx, PairQuery("a", "b", ""))
		require.NoError(t, err)
		assert.Equal(t, []string{"listing", "m4", "m3", "m2", "m1", "m0"}, bodies(pair))

		limited, err := c.Query(ctx, PairQuery("a", "b", "").WithLimit(2))
		require.NoError(t, err)
		assert.Equal(t, []string{"listing", "m4"}, bodies(limited))

		scoped, err := c.Query(ctx, PairQuery("a", "b", "car-9"))
		require.NoError(t, err)
		assert.Equal(t, []string{"listing"}, bodies(scoped))

		inbox, err := c.Query(ctx, InboxQuery("a"))
		require.NoError(t, err)
		assert.Len(t, inbox, 7)
		assert.Equal(t, "listing", inbox[0].Body)

		none, err := c.Query(ctx, InboxQuery("nobody"))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("listen delivers full results", func(t *testing.T) {
		c := open(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, _, err := c.Create(ctx, Draft{ClientMsgID: "c0", SenderID: "b", ReceiverID: "a", Body: "before"})
		require.NoError(t, err)

		l, err := c.Listen(ctx, PairQuery("a", "b", ""))
		require.NoError(t, err)
		defer func() { _ = l.Close() }()

		initial := nextEvent(t, l)
		require.NoError(t, initial.Err)
		assert.Equal(t, []string{"before"}, bodies(initial.Messages))

		// Writes outside the view do not wake the listener.
		_, _, err = c.Create(ctx, Draft{ClientMsgID: "c1", SenderID: "c", ReceiverID: "d", Body: "unrelated"})
		require.NoError(t, err)

		_, _, err = c.Create(ctx, Draft{ClientMsgID: "c2", SenderID: "a", ReceiverID: "b", Body: "after"})
		require.NoError(t, err)

		ev := nextEvent(t, l)
		require.NoError(t, ev.Err)
		assert.Equal(t, []string{"after", "before"}, bodies(ev.Messages))

		require.NoError(t, l.Close())
		require.NoError(t, l.Close())

		select {
		case _, ok := <-l.Events():
			assert.False(t, ok, "no event after Close")
		case <-time.After(waitFor):
			t.Fatal("events not closed after Close")
		}
	})
}
