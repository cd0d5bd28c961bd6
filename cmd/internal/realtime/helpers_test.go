package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore returns an adapter over a fresh in-memory collection.
func newTestStore(t *testing.T, opts ...MemoryOption) (*Store, *MemoryCollection) {
	t.Helper()

	coll := NewMemoryCollection(append([]MemoryOption{WithMemoryLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() { _ = coll.Close() })

	st, err := NewStore(coll, WithStoreLogger(quietLogger()))
	require.NoError(t, err)
	return st, coll
}

func testDeps(st *Store, bo func() backoff.BackOff) SessionDeps {
	return SessionDeps{Store: st, Log: quietLogger(), NewBackoff: bo}
}

func fastBackoff() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

// parkedBackoff never resubscribes within a test.
func parkedBackoff() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }

// fixedClock returns the same instant on every call; the collection clock still
// hands out strictly increasing timestamps.
func fixedClock() func() time.Time {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func mustSend(t *testing.T, st *Store, from, to, body string) Message {
	t.Helper()
	m, err := st.Send(context.Background(), SendInput{SenderID: from, ReceiverID: to, Body: body})
	require.NoError(t, err)
	return m
}

func nextSnapshot(t *testing.T, b *Bridge) Snapshot {
	t.Helper()
	select {
	case s, ok := <-b.Snapshots():
		require.True(t, ok, "snapshot channel closed")
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func nextEvent(t *testing.T, l Listener) ListenerEvent {
	t.Helper()
	select {
	case ev, ok := <-l.Events():
		require.True(t, ok, "listener closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for listener event")
		return ListenerEvent{}
	}
}

func bodies[T interface{ body() string }](items []T) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.body())
	}
	return out
}

// body lets bodies accept both Message and ChatMessage.
func (m Message) body() string { return m.Body }
