package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SessionDeps are the collaborators shared by every session of a process.
type SessionDeps struct {
	Store   *Store
	Log     *slog.Logger
	Metrics *Metrics
	// NewBackoff overrides the bridge resubscribe policy.
	NewBackoff func() backoff.BackOff
}

// SessionOptions identify one chat screen.
type SessionOptions struct {
	Viewer      string
	Counterpart string
	ListingRef  string

	// TypingIdle clears the typing indicator after the last keystroke (DefaultTypingIdle when zero).
	TypingIdle time.Duration
	// Window caps the conversation view (DefaultWindow when zero).
	Window int
	// AutoMarkRead marks incoming unread messages as read whenever a snapshot shows them.
	AutoMarkRead bool
}

// ChatMessage is a message as the UI renders it: authoritative, pending or failed.
type ChatMessage struct {
	Message
	Pending bool   `json:"pending,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SessionState is the UI-facing view of a conversation.
type SessionState struct {
	Messages     []ChatMessage
	Pending      bool
	Typing       bool
	Subscription BridgeState
	Stale        bool
	Err          error
}

type entryStatus uint8

const (
	entryPending entryStatus = iota + 1
	entryFailed
)

// optimistic is a locally constructed, not yet confirmed message.
type optimistic struct {
	msg    Message
	status entryStatus
	err    error
	// ackID is the store id returned by Send, once known.
	ackID string
}

// Session is the per-chat-screen coordinator: one subscription bridge plus local optimism.
//
// All state lives behind mu. Snapshots are applied by a single goroutine; every applied
// callback (snapshot, typing timer, send completion) checks closed and the generation
// first, so nothing reachable from the UI changes after Close.
type Session struct {
	store   *Store
	log     *slog.Logger
	metrics *Metrics
	opts    SessionOptions
	bridge  *Bridge
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	gen           uint64
	closed        bool
	authoritative []Message
	pending       []*optimistic
	typing        bool
	typingTimer   *time.Timer
	typingSeq     uint64
	sub           BridgeState
	stale         bool
	lastErr       error

	updates   *latest[SessionState]
	loopDone  chan struct{}
	marking   sync.WaitGroup
	closeOnce sync.Once
}

// OpenSession starts the conversation query and its subscription bridge.
// The initial state is empty with Subscription=subscribing.
func OpenSession(ctx context.Context, deps SessionDeps, opts SessionOptions) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("realtime: nil store")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	opts.Viewer = strings.TrimSpace(opts.Viewer)
	opts.Counterpart = strings.TrimSpace(opts.Counterpart)
	opts.ListingRef = strings.TrimSpace(opts.ListingRef)
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}

	q := PairQuery(opts.Viewer, opts.Counterpart, opts.ListingRef)
	if opts.Window > 0 {
		q = q.WithLimit(opts.Window)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		store:    deps.Store,
		log:      deps.Log.With("viewer", opts.Viewer, "counterpart", opts.Counterpart),
		metrics:  deps.Metrics,
		opts:     opts,
		now:      time.Now,
		ctx:      sctx,
		cancel:   cancel,
		gen:      1,
		sub:      BridgeSubscribing,
		updates:  newLatest[SessionState](),
		loopDone: make(chan struct{}),
	}
	s.bridge = NewBridge(deps.Store, q, BridgeOptions{
		Log:        deps.Log,
		Metrics:    deps.Metrics,
		NewBackoff: deps.NewBackoff,
	})

	s.metrics.sessionOpened()
	s.log.Info("session.open", "listing_ref", opts.ListingRef)

	s.bridge.Start(sctx)
	go s.loop(s.gen)
	return s, nil
}

// Viewer returns the session owner.
func (s *Session) Viewer() string { return s.opts.Viewer }

// Counterpart returns the other participant.
func (s *Session) Counterpart() string { return s.opts.Counterpart }

// Updates delivers the latest state after each change. Intermediate states may be skipped.
// The channel is closed by Close.
func (s *Session) Updates() <-chan SessionState { return s.updates.ch }

// State returns the current merged view.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Send shows an optimistic entry immediately, then writes through the adapter.
// On failure the entry is kept as failed for Retry or Discard.
func (s *Session) Send(ctx context.Context, body string) error {
	const op = "session.Send"

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return opErr(op, ErrClosed, "")
	}

	draft := Draft{
		ClientMsgID: NewClientMsgID(),
		SenderID:    s.opts.Viewer,
		ReceiverID:  s.opts.Counterpart,
		Body:        normalizeBody(body),
		ListingRef:  s.opts.ListingRef,
	}
	if err := draft.Validate(); err != nil {
		s.mu.Unlock()
		return &OpError{Op: op, Kind: ErrValidation, Msg: err.Error()}
	}

	e := &optimistic{
		msg: Message{
			ClientMsgID: draft.ClientMsgID,
			SenderID:    draft.SenderID,
			ReceiverID:  draft.ReceiverID,
			Body:        draft.Body,
			CreatedAt:   s.now().UTC(),
			ListingRef:  draft.ListingRef,
		},
		status: entryPending,
	}
	s.pending = append(s.pending, e)
	gen := s.gen
	s.publishLocked()
	s.mu.Unlock()

	return s.dispatch(ctx, gen, e.msg)
}

// Retry re-sends a failed entry under the same correlation id; the store dedupes replays.
func (s *Session) Retry(ctx context.Context, clientMsgID string) error {
	const op = "session.Retry"

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return opErr(op, ErrClosed, "")
	}
	e := s.findLocked(clientMsgID)
	if e == nil || e.status != entryFailed {
		s.mu.Unlock()
		return opErr(op, ErrNotFound, clientMsgID)
	}
	e.status = entryPending
	e.err = nil
	gen := s.gen
	s.publishLocked()
	s.mu.Unlock()

	s.metrics.optimistic("retried")
	return s.dispatch(ctx, gen, e.msg)
}

// Discard drops a failed entry. It reports whether an entry was removed.
func (s *Session) Discard(clientMsgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	e := s.findLocked(clientMsgID)
	if e == nil || e.status != entryFailed {
		return false
	}
	s.removeLocked(clientMsgID)
	s.publishLocked()
	return true
}

// EditMessage passes through to the adapter. The change shows up with the next snapshot.
func (s *Session) EditMessage(ctx context.Context, id, body string) error {
	if s.isClosed() {
		return opErr("session.EditMessage", ErrClosed, "")
	}
	return s.store.Edit(ctx, EditInput{ID: id, Editor: s.opts.Viewer, Body: body})
}

// DeleteMessage passes through to the adapter. The removal shows up with the next snapshot.
func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	if s.isClosed() {
		return opErr("session.DeleteMessage", ErrClosed, "")
	}
	return s.store.Delete(ctx, DeleteInput{ID: id, Deleter: s.opts.Viewer})
}

// MarkRead marks one message as read.
func (s *Session) MarkRead(ctx context.Context, id string) error {
	if s.isClosed() {
		return opErr("session.MarkRead", ErrClosed, "")
	}
	return s.store.MarkRead(ctx, id)
}

// MarkAllRead marks every unread message addressed to the viewer in the current view.
// Messages deleted in the meantime are skipped silently.
func (s *Session) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return opErr("session.MarkAllRead", ErrClosed, "")
	}
	ids := unreadFor(s.opts.Viewer, s.authoritative)
	s.mu.Unlock()

	return s.markRead(ctx, ids)
}

// Keystroke sets the local typing indicator and re-arms its idle timer.
// Typing state is never transmitted to the counterpart.
func (s *Session) Keystroke() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}

	s.typingSeq++
	gen, seq := s.gen, s.typingSeq
	s.typingTimer = time.AfterFunc(s.opts.TypingIdle, func() { s.typingIdle(gen, seq) })

	if !s.typing {
		s.typing = true
		s.publishLocked()
	}
}

// Close tears down the subscription synchronously and discards optimistic entries.
// It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.gen++
		s.pending = nil
		s.typing = false
		if s.typingTimer != nil {
			s.typingTimer.Stop()
			s.typingTimer = nil
		}
		s.mu.Unlock()

		_ = s.bridge.Close()
		s.cancel()
		<-s.loopDone
		// auto mark-read writes started before Close see the cancelled context
		s.marking.Wait()

		s.mu.Lock()
		s.updates.close()
		s.mu.Unlock()

		s.metrics.sessionClosed()
		s.log.Info("session.close")
	})
	return nil
}

func (s *Session) loop(gen uint64) {
	defer close(s.loopDone)
	for snap := range s.bridge.Snapshots() {
		s.applySnapshot(gen, snap)
	}
}

// applySnapshot replaces the authoritative view and reconciles optimistic entries.
func (s *Session) applySnapshot(gen uint64, snap Snapshot) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}

	s.authoritative = snap.Messages
	s.sub = snap.State
	s.stale = snap.Stale
	s.lastErr = snap.Err
	if !snap.Stale {
		s.reconcileLocked()
	}
	s.publishLocked()

	var ids []string
	if s.opts.AutoMarkRead && !snap.Stale {
		ids = unreadFor(s.opts.Viewer, s.authoritative)
	}
	if len(ids) > 0 {
		s.marking.Add(1)
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		go func() {
			defer s.marking.Done()
			if err := s.markRead(s.ctx, ids); err != nil && s.ctx.Err() == nil {
				s.log.Warn("session.auto_read.fail", "err", err)
			}
		}()
	}
}

// dispatch performs the adapter write for an optimistic entry and records the outcome.
func (s *Session) dispatch(ctx context.Context, gen uint64, draft Message) error {
	stored, err := s.store.Send(ctx, SendInput{
		SenderID:    draft.SenderID,
		ReceiverID:  draft.ReceiverID,
		Body:        draft.Body,
		ListingRef:  draft.ListingRef,
		ClientMsgID: draft.ClientMsgID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.gen {
		return err
	}
	e := s.findLocked(draft.ClientMsgID)
	if e == nil {
		// Already reconciled by a snapshot that raced ahead of the ack.
		return err
	}

	if err != nil {
		e.status = entryFailed
		e.err = err
		s.metrics.optimistic("failed")
		s.log.Warn("session.send.fail", "client_msg_id", draft.ClientMsgID, "err", err)
		s.publishLocked()
		return err
	}

	e.ackID = stored.ID
	if containsID(s.authoritative, stored.ID) {
		s.removeLocked(draft.ClientMsgID)
		s.metrics.optimistic("reconciled")
	}
	s.publishLocked()
	return nil
}

// reconcileLocked drops optimistic entries the authoritative view already contains.
// Matching is exact on the correlation id (or the acked store id); documents without a
// correlation id fall back to sender + body + approximate time, each claimed at most once.
func (s *Session) reconcileLocked() {
	if len(s.pending) == 0 {
		return
	}

	byClient := make(map[string]struct{}, len(s.authoritative))
	byID := make(map[string]struct{}, len(s.authoritative))
	var loose []Message
	for _, m := range s.authoritative {
		byID[m.ID] = struct{}{}
		if m.ClientMsgID != "" {
			byClient[m.ClientMsgID] = struct{}{}
		} else if m.SenderID == s.opts.Viewer {
			loose = append(loose, m)
		}
	}
	claimed := make(map[string]struct{})

	kept := s.pending[:0]
	for _, e := range s.pending {
		if _, ok := byClient[e.msg.ClientMsgID]; ok {
			s.metrics.optimistic("reconciled")
			continue
		}
		if _, ok := byID[e.ackID]; ok && e.ackID != "" {
			s.metrics.optimistic("reconciled")
			continue
		}
		if e.status == entryPending && claimLoose(e.msg, loose, claimed) {
			s.metrics.optimistic("reconciled")
			continue
		}
		kept = append(kept, e)
	}
	clear(s.pending[len(kept):])
	s.pending = kept
}

func claimLoose(draft Message, loose []Message, claimed map[string]struct{}) bool {
	for _, m := range loose {
		if _, ok := claimed[m.ID]; ok {
			continue
		}
		if m.Body != draft.Body {
			continue
		}
		d := m.CreatedAt.Sub(draft.CreatedAt)
		if d < -reconcileSkew || d > reconcileSkew {
			continue
		}
		claimed[m.ID] = struct{}{}
		return true
	}
	return false
}

func (s *Session) typingIdle(gen, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A newer keystroke re-armed the timer, or the session is gone.
	if s.closed || gen != s.gen || seq != s.typingSeq {
		return
	}
	s.typingTimer = nil
	if s.typing {
		s.typing = false
		s.publishLocked()
	}
}

func (s *Session) markRead(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := s.store.MarkRead(ctx, id); err != nil && !IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) findLocked(clientMsgID string) *optimistic {
	for _, e := range s.pending {
		if e.msg.ClientMsgID == clientMsgID {
			return e
		}
	}
	return nil
}

func (s *Session) removeLocked(clientMsgID string) {
	s.pending = slices.DeleteFunc(s.pending, func(e *optimistic) bool {
		return e.msg.ClientMsgID == clientMsgID
	})
}

func (s *Session) stateLocked() SessionState {
	st := SessionState{
		Messages:     make([]ChatMessage, 0, len(s.authoritative)+len(s.pending)),
		Typing:       s.typing,
		Subscription: s.sub,
		Stale:        s.stale,
		Err:          s.lastErr,
	}
	if s.closed {
		st.Subscription = BridgeClosed
	}
	for _, m := range s.authoritative {
		st.Messages = append(st.Messages, ChatMessage{Message: m})
	}
	for _, e := range s.pending {
		cm := ChatMessage{Message: e.msg}
		switch e.status {
		case entryPending:
			cm.Pending = true
			st.Pending = true
		case entryFailed:
			cm.Failed = true
			if e.err != nil {
				cm.Error = e.err.Error()
			}
		}
		st.Messages = append(st.Messages, cm)
	}
	return st
}

func (s *Session) publishLocked() {
	if s.closed {
		return
	}
	s.updates.put(s.stateLocked())
}

func unreadFor(viewer string, msgs []Message) []string {
	var ids []string
	for _, m := range msgs {
		if m.ReceiverID == viewer && !m.Read {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func containsID(msgs []Message, id string) bool {
	return slices.ContainsFunc(msgs, func(m Message) bool { return m.ID == id })
}

// latest is a 1-slot channel where a newer value replaces an unread older one.
type latest[T any] struct {
	ch chan T
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ch: make(chan T, 1)}
}

// put must be called under the owner's lock so there is a single writer.
func (l *latest[T]) put(v T) {
	select {
	case <-l.ch:
	default:
	}
	select {
	case l.ch <- v:
	default:
	}
}

func (l *latest[T]) close() { close(l.ch) }
