package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SendAssignsIdentity(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)

	m, err := st.Send(context.Background(), SendInput{
		SenderID:   " a ",
		ReceiverID: "b",
		Body:       "  is the car still available?  ",
		ListingRef: "car-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.NotEmpty(t, m.ClientMsgID, "correlation id generated when absent")
	assert.False(t, m.CreatedAt.IsZero())
	assert.False(t, m.Read)
	assert.Equal(t, "a", m.SenderID)
	assert.Equal(t, "is the car still available?", m.Body)
	assert.Equal(t, "car-1", m.ListingRef)
}

func TestStore_SendValidationWritesNothing(t *testing.T) {
	t.Parallel()

	cases := []SendInput{
		{SenderID: "a", ReceiverID: "b", Body: "   "},
		{SenderID: "a", ReceiverID: "a", Body: "hi"},
		{SenderID: "", ReceiverID: "b", Body: "hi"},
		{SenderID: "a", ReceiverID: "", Body: "hi"},
		{SenderID: "a", ReceiverID: "b", Body: strings.Repeat("é", maxMessageChars+1)},
	}
	for _, in := range cases {
		st, coll := newTestStore(t)

		_, err := st.Send(context.Background(), in)
		require.Error(t, err)
		assert.True(t, IsValidation(err), "%+v: %v", in, err)

		all, qerr := coll.Query(context.Background(), InboxQuery("a"))
		require.NoError(t, qerr)
		assert.Empty(t, all)
	}
}

func TestStore_SendReplayReturnsOriginal(t *testing.T) {
	t.Parallel()
	st, coll := newTestStore(t)
	ctx := context.Background()

	in := SendInput{SenderID: "a", ReceiverID: "b", Body: "hello", ClientMsgID: "c-1"}
	first, err := st.Send(ctx, in)
	require.NoError(t, err)
	again, err := st.Send(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	all, err := coll.Query(ctx, PairQuery("a", "b", ""))
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Same correlation id from another sender is a different message.
	other, err := st.Send(ctx, SendInput{SenderID: "b", ReceiverID: "a", Body: "hello", ClientMsgID: "c-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestStore_MarkReadIdempotent(t *testing.T) {
	t.Parallel()
	st, coll := newTestStore(t)
	ctx := context.Background()

	m := mustSend(t, st, "a", "b", "hi")
	require.NoError(t, st.MarkRead(ctx, m.ID))
	require.NoError(t, st.MarkRead(ctx, m.ID))

	got, err := coll.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.False(t, got.Edited)

	assert.True(t, IsValidation(st.MarkRead(ctx, " ")))
	assert.True(t, IsNotFound(st.MarkRead(ctx, "missing")))
}

func TestStore_Edit(t *testing.T) {
	t.Parallel()
	st, coll := newTestStore(t)
	ctx := context.Background()

	m := mustSend(t, st, "a", "b", "price?")

	require.NoError(t, st.Edit(ctx, EditInput{ID: m.ID, Editor: "a", Body: "final price?"}))
	got, err := coll.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "final price?", got.Body)
	assert.True(t, got.Edited)
	require.NotNil(t, got.EditedAt)
	assert.False(t, got.EditedAt.Before(got.CreatedAt))
	assert.Equal(t, m.CreatedAt, got.CreatedAt, "edit keeps the creation time")

	err = st.Edit(ctx, EditInput{ID: m.ID, Editor: "b", Body: "hijack"})
	assert.True(t, IsForbidden(err), "%v", err)

	assert.True(t, IsValidation(st.Edit(ctx, EditInput{ID: m.ID, Body: " "})))
	assert.True(t, IsValidation(st.Edit(ctx, EditInput{Body: "x"})))
	assert.True(t, IsNotFound(st.Edit(ctx, EditInput{ID: "missing", Body: "x"})))
	assert.True(t, IsNotFound(st.Edit(ctx, EditInput{ID: "missing", Editor: "a", Body: "x"})))
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	st, coll := newTestStore(t)
	ctx := context.Background()

	m := mustSend(t, st, "a", "b", "hi")

	assert.True(t, IsForbidden(st.Delete(ctx, DeleteInput{ID: m.ID, Deleter: "b"})))
	require.NoError(t, st.Delete(ctx, DeleteInput{ID: m.ID, Deleter: "a"}))

	_, err := coll.Get(ctx, m.ID)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(st.MarkRead(ctx, m.ID)))
	assert.True(t, IsNotFound(st.Delete(ctx, DeleteInput{ID: m.ID})))
}

func TestStore_WriteFailureIsStoreError(t *testing.T) {
	t.Parallel()
	st, coll := newTestStore(t)
	ctx := context.Background()

	m := mustSend(t, st, "a", "b", "hi")

	cause := errors.New("unavailable")
	coll.FailWrites(cause)

	_, err := st.Send(ctx, SendInput{SenderID: "a", ReceiverID: "b", Body: "again"})
	assert.True(t, IsStore(err))
	assert.ErrorIs(t, err, cause)

	assert.True(t, IsStore(st.MarkRead(ctx, m.ID)))
	assert.True(t, IsStore(st.Edit(ctx, EditInput{ID: m.ID, Body: "x"})))
	assert.True(t, IsStore(st.Delete(ctx, DeleteInput{ID: m.ID})))
}

// corruptCollection injects documents that fail schema validation into every result.
type corruptCollection struct {
	*MemoryCollection
	bad []Message
}

func (c *corruptCollection) Query(ctx context.Context, q Query) ([]Message, error) {
	msgs, err := c.MemoryCollection.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return append(msgs, c.bad...), nil
}

func TestStore_LoadDropsMalformedDocuments(t *testing.T) {
	t.Parallel()

	coll := &corruptCollection{
		MemoryCollection: NewMemoryCollection(WithMemoryLogger(quietLogger())),
		bad: []Message{
			{ID: "no-body", SenderID: "a", ReceiverID: "b", CreatedAt: t0},
			{ID: "no-time", SenderID: "b", ReceiverID: "a", Body: "x"},
		},
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	st, err := NewStore(coll, WithStoreLogger(quietLogger()), WithStoreMetrics(metrics))
	require.NoError(t, err)

	good := mustSend(t, st, "a", "b", "hi")

	got, err := st.Load(context.Background(), PairQuery("a", "b", ""))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, good.ID, got[0].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.malformed))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.storeOps.WithLabelValues("send", "ok")))
}

func TestStore_LoadSkipsUnauthenticatedQuery(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	mustSend(t, st, "a", "b", "hi")

	got, err := st.Load(context.Background(), PairQuery("", "b", ""))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewStore_Options(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	assert.Error(t, err)

	_, err = NewStore(NewMemoryCollection(), WithStoreLogger(nil))
	assert.Error(t, err)

	st, err := NewStore(NewMemoryCollection(), nil)
	require.NoError(t, err)
	assert.NotNil(t, st.Collection())
}
