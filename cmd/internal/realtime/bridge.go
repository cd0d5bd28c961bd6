package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BridgeState is the lifecycle state of a subscription bridge.
type BridgeState uint8

const (
	BridgeIdle BridgeState = iota
	BridgeSubscribing
	BridgeActive
	BridgeError
	BridgeClosed
)

func (s BridgeState) String() string {
	switch s {
	case BridgeIdle:
		return "idle"
	case BridgeSubscribing:
		return "subscribing"
	case BridgeActive:
		return "active"
	case BridgeError:
		return "error"
	case BridgeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is one complete, ordered view of a query.
// Consumers replace their list with Messages; they never merge snapshots.
type Snapshot struct {
	// Messages are ascending by CreatedAt.
	Messages []Message
	State    BridgeState
	// Stale is set when the listener failed; Messages are then the last good result.
	Stale bool
	Err   error
}

// BridgeOptions configures a Bridge. The zero value is usable.
type BridgeOptions struct {
	Log     *slog.Logger
	Metrics *Metrics
	// NewBackoff builds the resubscribe policy; default is unbounded exponential backoff.
	NewBackoff func() backoff.BackOff
}

// DefaultBackoff is the resubscribe policy used when none is configured.
// maxRetries <= 0 means retry for as long as the session lives.
func DefaultBackoff(maxRetries int) func() backoff.BackOff {
	return func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 250 * time.Millisecond
		eb.MaxInterval = 30 * time.Second
		eb.MaxElapsedTime = 0
		if maxRetries > 0 {
			return backoff.WithMaxRetries(eb, uint64(maxRetries))
		}
		return eb
	}
}

// Bridge keeps exactly one live listener for a query and re-emits the full result on every change.
//
// State machine: Idle -> Subscribing -> Active -> (Error | Closed).
// Error is non-fatal: the last good messages are re-emitted as a stale snapshot and the bridge
// resubscribes with backoff. Closed is reached only through Close.
type Bridge struct {
	store      *Store
	q          Query
	log        *slog.Logger
	metrics    *Metrics
	newBackoff func() backoff.BackOff

	out    chan Snapshot
	exited chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	state   BridgeState
	last    []Message
	started bool

	closeOnce sync.Once
}

// NewBridge constructs an idle bridge for q.
func NewBridge(store *Store, q Query, opts BridgeOptions) *Bridge {
	b := &Bridge{
		store:      store,
		q:          q,
		log:        opts.Log,
		metrics:    opts.Metrics,
		newBackoff: opts.NewBackoff,
		out:        make(chan Snapshot),
		exited:     make(chan struct{}),
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.newBackoff == nil {
		b.newBackoff = DefaultBackoff(0)
	}
	return b
}

// Snapshots delivers snapshots until Close. The channel is closed by Close.
func (b *Bridge) Snapshots() <-chan Snapshot { return b.out }

// Query returns the query this bridge executes.
func (b *Bridge) Query() Query { return b.q }

// State returns the current lifecycle state.
func (b *Bridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastGood returns the last successfully received result (ascending).
func (b *Bridge) LastGood() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.last)
}

// Start opens the subscription. Calling Start more than once, or after Close, is a no-op.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.state == BridgeClosed {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.state = BridgeSubscribing
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	b.metrics.subscriptionOpened()
	b.log.Debug("bridge.start", "kind", b.q.Kind.String(), "viewer", b.q.Viewer, "counterpart", b.q.Counterpart)

	go b.run(runCtx)
}

// Close cancels the subscription and releases the listener before returning.
// No snapshot is delivered after Close returns. Close is idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		started := b.started
		cancel := b.cancel
		b.state = BridgeClosed
		b.mu.Unlock()

		if !started {
			close(b.out)
			close(b.exited)
			return
		}

		cancel()
		<-b.exited
		b.metrics.subscriptionClosed()
		b.log.Debug("bridge.closed", "kind", b.q.Kind.String(), "viewer", b.q.Viewer)
	})
	return nil
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.exited)
	defer close(b.out)

	if !b.q.Executable() {
		// Unauthenticated or degenerate query: never touch the store, yield an empty view.
		b.setActive(nil)
		b.emit(ctx, Snapshot{State: BridgeActive})
		<-ctx.Done()
		return
	}

	bo := b.newBackoff()
	for {
		b.setState(BridgeSubscribing)

		err := b.subscribeOnce(ctx, bo)
		if ctx.Err() != nil {
			return
		}

		b.log.Warn("bridge.listener.fail", "kind", b.q.Kind.String(), "viewer", b.q.Viewer, "err", err)
		last := b.setFailed()
		b.metrics.snapshot(b.q.Kind, true)
		if !b.emit(ctx, Snapshot{
			Messages: last,
			State:    BridgeError,
			Stale:    true,
			Err:      &OpError{Op: "bridge.Listen", Kind: ErrSubscription, Err: err},
		}) {
			return
		}

		d := bo.NextBackOff()
		if d == backoff.Stop {
			b.log.Error("bridge.resubscribe.give_up", "kind", b.q.Kind.String(), "viewer", b.q.Viewer)
			<-ctx.Done()
			return
		}

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		b.metrics.resubscribed()
		b.log.Info("bridge.resubscribe", "kind", b.q.Kind.String(), "viewer", b.q.Viewer, "after", d.String())
	}
}

// subscribeOnce runs one listener until it fails or ctx ends. The listener is always closed.
//
// Only the newest result set is ever offered on out. When the listener reports write
// generations, a held result is withdrawn as soon as a covering write lands, before
// that write returns to its caller, and results older than the last write are skipped.
func (b *Bridge) subscribeOnce(ctx context.Context, bo backoff.BackOff) error {
	l, err := b.store.coll.Listen(ctx, b.q)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	var (
		gen     func() uint64
		changed chan struct{}
		left    = make(chan struct{})
	)
	// runs before l.Close so no writer stays parked in the hook
	defer close(left)
	if n, ok := l.(ChangeNotifier); ok {
		gen = n.Gen
		changed = make(chan struct{})
		n.OnChange(func() {
			select {
			case changed <- struct{}{}:
			case <-left:
			}
		})
	}

	var (
		pending Snapshot
		out     chan<- Snapshot // nil while nothing is deliverable
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-changed:
			out = nil

		case ev, ok := <-l.Events():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("listener closed")
			}
			if ev.Err != nil {
				return ev.Err
			}
			if gen != nil && ev.Gen != gen() {
				// superseded; the listener already re-queries
				continue
			}

			msgs := Chronological(b.store.sanitize(ev.Messages))
			b.setActive(msgs)
			bo.Reset()

			pending = Snapshot{Messages: msgs, State: BridgeActive}
			out = b.out

		case out <- pending:
			out = nil
			b.metrics.snapshot(b.q.Kind, false)
		}
	}
}

func (b *Bridge) emit(ctx context.Context, s Snapshot) bool {
	select {
	case b.out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) setState(s BridgeState) {
	b.mu.Lock()
	if b.state != BridgeClosed {
		b.state = s
	}
	b.mu.Unlock()
}

func (b *Bridge) setActive(msgs []Message) {
	b.mu.Lock()
	if b.state != BridgeClosed {
		b.state = BridgeActive
		b.last = msgs
	}
	b.mu.Unlock()
}

func (b *Bridge) setFailed() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BridgeClosed {
		b.state = BridgeError
	}
	return slices.Clone(b.last)
}
