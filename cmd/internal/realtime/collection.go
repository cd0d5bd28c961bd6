package realtime

import (
	"context"
	"sync"
	"time"
)

// Collection is the remote message document store the core depends on.
//
// Requirements:
//   - Create assigns ID and CreatedAt (strictly increasing per collection) and sets Read=false.
//   - Create is idempotent per (SenderID, ClientMsgID); a replay returns the stored message with dup=true.
//   - Get/Update/Delete return an error wrapping ErrNotFound for unknown ids.
//   - Query orders matches by CreatedAt DESC and honors Query.Limit.
//   - Listen re-delivers the full matching set after any relevant write.
type Collection interface {
	Create(ctx context.Context, d Draft) (msg Message, dup bool, err error)
	Get(ctx context.Context, id string) (Message, error)
	Update(ctx context.Context, id string, p Patch) (Message, error)
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, q Query) ([]Message, error)
	Listen(ctx context.Context, q Query) (Listener, error)
	Close() error
}

// Listener is one live query against a Collection.
//
// Events delivers complete result sets in store order (CreatedAt DESC).
// After an event carrying Err the channel is closed and the listener is dead.
// Close releases the underlying resource and returns once no further event can be delivered.
type Listener interface {
	Events() <-chan ListenerEvent
	Close() error
}

// ListenerEvent is either a full result set or a terminal error.
//
// Gen is the listener's write generation read before the result set was fetched.
// It stays zero for listeners that do not implement ChangeNotifier.
type ListenerEvent struct {
	Messages []Message
	Err      error
	Gen      uint64
}

// ChangeNotifier is implemented by listeners that hear about writes made through their
// own collection before those writes return.
//
// Gen counts the covering writes seen so far. An event whose Gen is behind Gen() may
// predate a write that already returned; a fresher event is already scheduled.
// OnChange registers fn to run inside every covering write after Gen advanced. fn may
// block the writer until the consumer has taken note, so it must never wait on a write.
type ChangeNotifier interface {
	Gen() uint64
	OnChange(fn func())
}

// Clock hands out store timestamps. Successive calls are strictly increasing
// so every message gets a distinct, totally ordered CreatedAt.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock returns a Clock over now (time.Now when nil).
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns the next store timestamp in UTC.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	// microsecond resolution matches what Postgres can persist
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// Observe pushes the clock forward past t (used when reloading persisted documents).
func (c *Clock) Observe(t time.Time) {
	c.mu.Lock()
	if t.After(c.last) {
		c.last = t
	}
	c.mu.Unlock()
}
