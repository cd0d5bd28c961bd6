package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"carchat/cmd/internal/realtime"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatSession(t *testing.T) (*realtime.Session, *realtime.MemoryCollection) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	coll := realtime.NewMemoryCollection(realtime.WithMemoryLogger(log))
	t.Cleanup(func() { _ = coll.Close() })

	st, err := realtime.NewStore(coll, realtime.WithStoreLogger(log))
	require.NoError(t, err)

	s, err := realtime.OpenSession(context.Background(), realtime.SessionDeps{Store: st, Log: log}, realtime.SessionOptions{
		Viewer:      "u1",
		Counterpart: "u2",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, coll
}

func newTestCommand() (*cobra.Command, *bytes.Buffer) {
	var errOut bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetErr(&errOut)
	return cmd, &errOut
}

func TestReadLines_StopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string)
	go readLines(ctx, strings.NewReader("one\ntwo\nthree\n"), lines)

	assert.Equal(t, "one", <-lines)
	cancel()

	closed := make(chan struct{})
	go func() {
		for range lines {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("readLines kept running after cancel")
	}
}

func TestReadLines_ClosesAtEOF(t *testing.T) {
	t.Parallel()

	lines := make(chan string, 4)
	readLines(context.Background(), strings.NewReader("a\n\nb"), lines)

	var got []string
	for l := range lines {
		got = append(got, l)
	}
	assert.Equal(t, []string{"a", "", "b"}, got)
}

func TestRunChatLine_Commands(t *testing.T) {
	t.Parallel()
	s, coll := newChatSession(t)
	cmd, errOut := newTestCommand()
	ctx := context.Background()

	assert.False(t, runChatLine(ctx, cmd, s, "   "))
	assert.False(t, runChatLine(ctx, cmd, s, "is it still for sale?"))
	require.Empty(t, errOut.String())

	msgs, err := coll.Query(ctx, realtime.PairQuery("u1", "u2", ""))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	id := msgs[0].ID

	assert.False(t, runChatLine(ctx, cmd, s, "/edit "+id+" is it sold?"))
	m, err := coll.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "is it sold?", m.Body)
	assert.True(t, m.Edited)

	assert.False(t, runChatLine(ctx, cmd, s, "/delete "+id))
	_, err = coll.Get(ctx, id)
	assert.True(t, realtime.IsNotFound(err))

	assert.False(t, runChatLine(ctx, cmd, s, "/discard nope"))
	assert.Contains(t, errOut.String(), `no failed message "nope"`)

	errOut.Reset()
	assert.False(t, runChatLine(ctx, cmd, s, "/bogus"))
	assert.Contains(t, errOut.String(), "commands:")

	assert.True(t, runChatLine(ctx, cmd, s, "/quit"))
	assert.True(t, runChatLine(ctx, cmd, s, "/q"))
}

func TestRunChatLine_UsesCallerContext(t *testing.T) {
	t.Parallel()
	s, coll := newChatSession(t)
	cmd, errOut := newTestCommand()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, runChatLine(ctx, cmd, s, "too late"))
	assert.True(t, strings.HasPrefix(errOut.String(), "! "), "the failed send is reported")

	msgs, err := coll.Query(context.Background(), realtime.PairQuery("u1", "u2", ""))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRenderSession(t *testing.T) {
	t.Parallel()
	s, _ := newChatSession(t)

	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	var out bytes.Buffer
	renderSession(&out, s, realtime.SessionState{
		Subscription: realtime.BridgeActive,
		Typing:       true,
		Messages: []realtime.ChatMessage{
			{Message: realtime.Message{ID: "m1", SenderID: "u1", Body: "hello", CreatedAt: at, Read: true}},
			{Message: realtime.Message{ID: "m2", SenderID: "u2", Body: "hi", CreatedAt: at, Edited: true}},
			{Message: realtime.Message{ClientMsgID: "c1", SenderID: "u1", Body: "again", CreatedAt: at}, Failed: true, Error: "offline"},
		},
	})

	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, got, 4)
	assert.Equal(t, "--- u1 <-> u2 [active] typing...", got[0])
	assert.Contains(t, got[1], "hello  (read, id=m1)")
	assert.Contains(t, got[2], "hi  (edited, id=m2)")
	assert.Contains(t, got[3], "again  (failed: offline, client_id=c1)")
	assert.True(t, strings.HasPrefix(got[1], "09:30"))
}

func TestRenderInbox(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	renderInbox(&out, realtime.InboxState{
		Subscription: realtime.BridgeActive,
		Unread:       2,
		Entries: []realtime.InboxEntry{
			{Counterpart: "u2", Unread: 2, Last: realtime.Message{SenderID: "u2", Body: "still there?"}},
		},
	})

	assert.Equal(t, "--- inbox [active] unread=2\nu2             2  u2: still there?\n", out.String())
}
