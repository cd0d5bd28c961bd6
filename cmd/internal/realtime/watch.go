package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// watchHub owns the live listeners of an in-process collection.
//
// Concurrency guarantees:
//   - notify never blocks a writer: each watcher has a 1-slot kick queue, so bursts of
//     writes coalesce into a single re-query that observes the latest state.
//   - Snapshots are produced by one goroutine per watcher, so a watcher's events are ordered.
//   - A result held for a slow consumer is dropped and re-queried when a write lands meanwhile.
//   - Change hooks run after the hub lock is released, so a hook may block its writer.
//   - watcher.Close returns only after that goroutine exited; nothing is delivered afterwards.
type watchHub struct {
	log *slog.Logger

	mu       sync.RWMutex
	next     uint64
	watchers map[uint64]*watcher
}

func newWatchHub(log *slog.Logger) *watchHub {
	if log == nil {
		log = slog.Default()
	}
	return &watchHub{
		log:      log,
		watchers: make(map[uint64]*watcher),
	}
}

// watch registers a live query; fetch runs q against current collection state.
func (h *watchHub) watch(ctx context.Context, q Query, fetch func(context.Context, Query) ([]Message, error)) *watcher {
	w := &watcher{
		hub:    h,
		q:      q,
		fetch:  fetch,
		events: make(chan ListenerEvent),
		kick:   make(chan struct{}, 1),
		fail:   make(chan error, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	h.mu.Lock()
	h.next++
	w.id = h.next
	h.watchers[w.id] = w
	h.mu.Unlock()

	h.log.Debug("watch.listener.open", "listener_id", w.id, "kind", q.Kind.String(), "viewer", q.Viewer)

	// initial snapshot
	w.kick <- struct{}{}
	go w.run(ctx)
	return w
}

// notify schedules a re-query on every watcher whose view covers any of the affected messages.
func (h *watchHub) notify(affected ...Message) {
	h.mu.RLock()
	touched := make([]*watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		if !w.covers(affected) {
			continue
		}
		w.feed.advance()
		select {
		case w.kick <- struct{}{}:
		default:
			// A re-query is already pending and will observe this write.
		}
		touched = append(touched, w)
	}
	h.mu.RUnlock()

	for _, w := range touched {
		w.feed.signal()
	}
}

// disconnect fails every live listener with err (transport loss).
func (h *watchHub) disconnect(err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, w := range h.watchers {
		select {
		case w.fail <- err:
		default:
		}
	}
}

// closeAll releases every listener (collection shutdown).
func (h *watchHub) closeAll() {
	h.mu.RLock()
	ws := make([]*watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		ws = append(ws, w)
	}
	h.mu.RUnlock()

	for _, w := range ws {
		_ = w.Close()
	}
}

func (h *watchHub) remove(id uint64) {
	h.mu.Lock()
	delete(h.watchers, id)
	h.mu.Unlock()
}

func (h *watchHub) active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

type watcher struct {
	hub   *watchHub
	id    uint64
	q     Query
	fetch func(context.Context, Query) ([]Message, error)

	feed   changeFeed
	events chan ListenerEvent
	kick   chan struct{}
	fail   chan error

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func (w *watcher) Events() <-chan ListenerEvent { return w.events }

func (w *watcher) Gen() uint64 { return w.feed.gen.Load() }

func (w *watcher) OnChange(fn func()) { w.feed.set(fn) }

// Close is idempotent and synchronous.
func (w *watcher) Close() error {
	w.closeOnce.Do(func() {
		w.hub.remove(w.id)
		close(w.done)
		<-w.exited
		w.hub.log.Debug("watch.listener.close", "listener_id", w.id)
	})
	return nil
}

func (w *watcher) covers(affected []Message) bool {
	for _, m := range affected {
		if w.q.Matches(m) {
			return true
		}
	}
	return false
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.exited)
	defer close(w.events)
	defer w.hub.remove(w.id)

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case err := <-w.fail:
			w.emit(ctx, ListenerEvent{Err: err})
			return
		case <-w.kick:
		}

		for {
			gen := w.Gen()
			msgs, err := w.fetch(ctx, w.q)
			if err != nil {
				w.emit(ctx, ListenerEvent{Err: err})
				return
			}
			stale, ok := w.offer(ctx, ListenerEvent{Messages: msgs, Gen: gen})
			if !ok {
				return
			}
			if !stale {
				break
			}
		}
	}
}

// offer holds ev until the consumer takes it. A kick arriving first means a write
// superseded ev; offer reports stale and the caller re-queries instead.
func (w *watcher) offer(ctx context.Context, ev ListenerEvent) (stale, ok bool) {
	select {
	case w.events <- ev:
		return false, true
	case <-w.kick:
		return true, true
	case err := <-w.fail:
		w.emit(ctx, ListenerEvent{Err: err})
		return false, false
	case <-w.done:
		return false, false
	case <-ctx.Done():
		return false, false
	}
}

// emit blocks until the consumer takes the terminal ev or the watcher is torn down.
func (w *watcher) emit(ctx context.Context, ev ListenerEvent) {
	select {
	case w.events <- ev:
	case <-w.done:
	case <-ctx.Done():
	}
}

// changeFeed is the write generation of one listener plus its change hook.
type changeFeed struct {
	gen atomic.Uint64

	mu   sync.Mutex
	hook func()
}

func (f *changeFeed) set(fn func()) {
	f.mu.Lock()
	f.hook = fn
	f.mu.Unlock()
}

func (f *changeFeed) advance() { f.gen.Add(1) }

func (f *changeFeed) signal() {
	f.mu.Lock()
	fn := f.hook
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}
