package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// InboxState is the viewer's conversation list.
type InboxState struct {
	Entries      []InboxEntry
	Unread       int
	Subscription BridgeState
	Stale        bool
	Err          error
}

// Inbox streams the viewer's conversation list: one live inbox query reduced to
// one entry per counterpart.
type Inbox struct {
	viewer  string
	bridge  *Bridge
	log     *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	closed bool
	state  InboxState

	updates   *latest[InboxState]
	loopDone  chan struct{}
	closeOnce sync.Once
}

// OpenInbox starts the inbox query for viewer.
func OpenInbox(ctx context.Context, deps SessionDeps, viewer string) (*Inbox, error) {
	if deps.Store == nil {
		return nil, errors.New("realtime: nil store")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	viewer = strings.TrimSpace(viewer)

	in := &Inbox{
		viewer:   viewer,
		log:      deps.Log.With("viewer", viewer),
		metrics:  deps.Metrics,
		state:    InboxState{Subscription: BridgeSubscribing},
		updates:  newLatest[InboxState](),
		loopDone: make(chan struct{}),
	}
	in.bridge = NewBridge(deps.Store, InboxQuery(viewer), BridgeOptions{
		Log:        deps.Log,
		Metrics:    deps.Metrics,
		NewBackoff: deps.NewBackoff,
	})

	in.metrics.sessionOpened()
	in.log.Info("inbox.open")

	in.bridge.Start(ctx)
	go in.loop()
	return in, nil
}

// Updates delivers the latest inbox state after each change. Closed by Close.
func (in *Inbox) Updates() <-chan InboxState { return in.updates.ch }

// State returns the current inbox.
func (in *Inbox) State() InboxState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Close tears down the subscription. It is idempotent.
func (in *Inbox) Close() error {
	in.closeOnce.Do(func() {
		in.mu.Lock()
		in.closed = true
		in.state.Subscription = BridgeClosed
		in.mu.Unlock()

		_ = in.bridge.Close()
		<-in.loopDone

		in.mu.Lock()
		in.updates.close()
		in.mu.Unlock()

		in.metrics.sessionClosed()
		in.log.Info("inbox.close")
	})
	return nil
}

func (in *Inbox) loop() {
	defer close(in.loopDone)
	for snap := range in.bridge.Snapshots() {
		entries := ReduceInbox(in.viewer, snap.Messages)

		unread := 0
		for _, e := range entries {
			unread += e.Unread
		}

		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			continue
		}
		in.state = InboxState{
			Entries:      entries,
			Unread:       unread,
			Subscription: snap.State,
			Stale:        snap.Stale,
			Err:          snap.Err,
		}
		in.updates.put(in.state)
		in.mu.Unlock()
	}
}
