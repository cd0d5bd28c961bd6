package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	memMaxMessages = 100_000
)

// MemoryCollection is an in-process Collection. It backs dev mode (no DB configured)
// and every unit test that needs a store with live listeners.
type MemoryCollection struct {
	clock *Clock
	hub   *watchHub

	mu     sync.RWMutex
	byID   map[string]Message
	order  []string          // ids in creation order
	dedupe map[string]string // sender + "\x00" + client_msg_id -> id

	// failWrites, when set, fails every mutating call (tests / chaos).
	failWrites error
}

// MemoryOption configures a MemoryCollection.
type MemoryOption func(*MemoryCollection)

// WithMemoryClock overrides the timestamp source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCollection) { c.clock = NewClock(now) }
}

// WithMemoryLogger sets the logger used by the listener hub.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(c *MemoryCollection) { c.hub = newWatchHub(log) }
}

// NewMemoryCollection constructs an empty in-memory collection.
func NewMemoryCollection(opts ...MemoryOption) *MemoryCollection {
	c := &MemoryCollection{
		clock:  NewClock(nil),
		hub:    newWatchHub(nil),
		byID:   make(map[string]Message),
		dedupe: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Close releases every live listener.
func (c *MemoryCollection) Close() error {
	c.hub.closeAll()
	return nil
}

// FailWrites makes every subsequent mutating call fail with err (nil restores normal behavior).
func (c *MemoryCollection) FailWrites(err error) {
	c.mu.Lock()
	c.failWrites = err
	c.mu.Unlock()
}

// Disconnect fails every live listener with err, simulating transport loss.
func (c *MemoryCollection) Disconnect(err error) {
	if err == nil {
		err = errors.New("memory: listener disconnected")
	}
	c.hub.disconnect(err)
}

// Listeners returns the number of live listeners.
func (c *MemoryCollection) Listeners() int { return c.hub.active() }

// Create stores d with a fresh id and timestamp, or returns the earlier copy of a replayed draft.
func (c *MemoryCollection) Create(ctx context.Context, d Draft) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	c.mu.Lock()
	if c.failWrites != nil {
		err := c.failWrites
		c.mu.Unlock()
		return Message{}, false, err
	}

	key := dedupeKey(d.SenderID, d.ClientMsgID)
	if id, ok := c.dedupe[key]; ok && d.ClientMsgID != "" {
		if existing, ok := c.byID[id]; ok {
			c.mu.Unlock()
			return existing, true, nil
		}
	}

	now := c.clock.Next()
	id, err := NewMessageID(now)
	if err != nil {
		c.mu.Unlock()
		return Message{}, false, fmt.Errorf("memory: new id: %w", err)
	}

	msg := Message{
		ID:          id,
		ClientMsgID: d.ClientMsgID,
		SenderID:    d.SenderID,
		ReceiverID:  d.ReceiverID,
		Body:        d.Body,
		CreatedAt:   now,
		ListingRef:  d.ListingRef,
	}
	c.byID[id] = msg
	c.order = append(c.order, id)
	if d.ClientMsgID != "" {
		c.dedupe[key] = id
	}
	c.trimLocked()
	c.mu.Unlock()

	c.hub.notify(msg)
	return msg, false, nil
}

// Get returns a message by id.
func (c *MemoryCollection) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.byID[id]
	if !ok {
		return Message{}, fmt.Errorf("memory: %s: %w", id, ErrNotFound)
	}
	return m, nil
}

// Update applies p to the message with the given id.
func (c *MemoryCollection) Update(ctx context.Context, id string, p Patch) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	c.mu.Lock()
	if c.failWrites != nil {
		err := c.failWrites
		c.mu.Unlock()
		return Message{}, err
	}
	m, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return Message{}, fmt.Errorf("memory: %s: %w", id, ErrNotFound)
	}
	p.apply(&m, c.clock.Next())
	c.byID[id] = m
	c.mu.Unlock()

	c.hub.notify(m)
	return m, nil
}

// Delete removes a message permanently.
func (c *MemoryCollection) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.failWrites != nil {
		err := c.failWrites
		c.mu.Unlock()
		return err
	}
	m, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("memory: %s: %w", id, ErrNotFound)
	}
	delete(c.byID, id)
	if m.ClientMsgID != "" {
		delete(c.dedupe, dedupeKey(m.SenderID, m.ClientMsgID))
	}
	c.mu.Unlock()

	c.hub.notify(m)
	return nil
}

// Query runs q against the current state.
func (c *MemoryCollection) Query(ctx context.Context, q Query) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	snap := make([]Message, 0, len(c.byID))
	for _, id := range c.order {
		if m, ok := c.byID[id]; ok {
			snap = append(snap, m)
		}
	}
	c.mu.RUnlock()

	return q.Apply(snap), nil
}

// Listen opens a live query.
func (c *MemoryCollection) Listen(ctx context.Context, q Query) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.hub.watch(ctx, q, c.Query), nil
}

// trimLocked bounds memory to avoid unbounded growth in dev.
func (c *MemoryCollection) trimLocked() {
	if len(c.order) <= memMaxMessages {
		return
	}
	live := c.order[:0]
	for _, id := range c.order {
		if _, ok := c.byID[id]; ok {
			live = append(live, id)
		}
	}
	c.order = live
	for len(c.order) > memMaxMessages {
		id := c.order[0]
		c.order = c.order[1:]
		if m, ok := c.byID[id]; ok {
			delete(c.dedupe, dedupeKey(m.SenderID, m.ClientMsgID))
			delete(c.byID, id)
		}
	}
}

func dedupeKey(sender, clientMsgID string) string {
	return sender + "\x00" + clientMsgID
}
