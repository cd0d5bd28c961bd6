package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	m/<id>                          -> message JSON
//	u/<user>\x00<created_us><id>    -> "" (one entry per participant)
//	c/<sender>\x00<client_msg_id>   -> id
//	meta/clock                      -> newest CreatedAt (Unix microseconds)
//
// created_us is the zero-padded CreatedAt in Unix microseconds, so index order is creation order.
const (
	pebbleMsgPrefix    = "m/"
	pebbleUserPrefix   = "u/"
	pebbleClientPrefix = "c/"
	pebbleClockKey     = "meta/clock"

	pebbleTimeWidth = 20
)

// PebbleCollection is an embedded, durable Collection. Live queries are served by an
// in-process watch hub, so listeners only observe writes made through this handle.
type PebbleCollection struct {
	db    *pebble.DB
	clock *Clock
	hub   *watchHub
	log   *slog.Logger

	// wmu serializes read-modify-write sequences.
	wmu sync.Mutex
}

// PebbleOption configures a PebbleCollection.
type PebbleOption func(*PebbleCollection)

// WithPebbleLogger sets the logger.
func WithPebbleLogger(log *slog.Logger) PebbleOption {
	return func(c *PebbleCollection) {
		if log != nil {
			c.log = log
			c.hub = newWatchHub(log)
		}
	}
}

// WithPebbleClock overrides the timestamp source.
func WithPebbleClock(now func() time.Time) PebbleOption {
	return func(c *PebbleCollection) { c.clock = NewClock(now) }
}

// OpenPebbleCollection opens (or creates) the database at path.
func OpenPebbleCollection(path string, opts ...PebbleOption) (*PebbleCollection, error) {
	if path == "" {
		return nil, errors.New("realtime: empty pebble path")
	}
	c := &PebbleCollection{
		clock: NewClock(nil),
		hub:   newWatchHub(nil),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", path, err)
	}
	c.db = db

	if err := c.observeLatest(); err != nil {
		_ = db.Close()
		return nil, err
	}
	c.log.Info("pebble.open", "path", path)
	return c, nil
}

// Close releases listeners, then the database.
func (c *PebbleCollection) Close() error {
	c.hub.closeAll()
	return c.db.Close()
}

// Create stores d, or returns the stored copy of a replayed (sender, client_msg_id).
func (c *PebbleCollection) Create(ctx context.Context, d Draft) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	ckey := clientKey(d.SenderID, d.ClientMsgID)
	if d.ClientMsgID != "" {
		id, err := c.getString(ckey)
		switch {
		case err == nil:
			if existing, err := c.load(id); err == nil {
				return existing, true, nil
			}
		case !errors.Is(err, pebble.ErrNotFound):
			return Message{}, false, err
		}
	}

	now := c.clock.Next()
	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, false, fmt.Errorf("pebble: new id: %w", err)
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
	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, false, err
	}

	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(id), data, nil); err != nil {
		return Message{}, false, err
	}
	if err := b.Set(userKey(msg.SenderID, msg), nil, nil); err != nil {
		return Message{}, false, err
	}
	if err := b.Set(userKey(msg.ReceiverID, msg), nil, nil); err != nil {
		return Message{}, false, err
	}
	if d.ClientMsgID != "" {
		if err := b.Set(ckey, []byte(id), nil); err != nil {
			return Message{}, false, err
		}
	}
	if err := b.Set([]byte(pebbleClockKey), strconv.AppendInt(nil, now.UnixMicro(), 10), nil); err != nil {
		return Message{}, false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Message{}, false, fmt.Errorf("pebble: commit: %w", err)
	}

	c.hub.notify(msg)
	return msg, false, nil
}

// Get returns a message by id.
func (c *PebbleCollection) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	return c.load(id)
}

// Update applies p to a stored message.
func (c *PebbleCollection) Update(ctx context.Context, id string, p Patch) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	c.wmu.Lock()
	m, err := c.load(id)
	if err != nil {
		c.wmu.Unlock()
		return Message{}, err
	}
	p.apply(&m, c.clock.Next())

	data, err := json.Marshal(m)
	if err == nil {
		err = c.db.Set(msgKey(id), data, pebble.Sync)
	}
	c.wmu.Unlock()
	if err != nil {
		return Message{}, fmt.Errorf("pebble: update %s: %w", id, err)
	}

	c.hub.notify(m)
	return m, nil
}

// Delete removes the message and its index entries.
func (c *PebbleCollection) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.wmu.Lock()
	m, err := c.load(id)
	if err != nil {
		c.wmu.Unlock()
		return err
	}

	b := c.db.NewBatch()
	_ = b.Delete(msgKey(id), nil)
	_ = b.Delete(userKey(m.SenderID, m), nil)
	_ = b.Delete(userKey(m.ReceiverID, m), nil)
	if m.ClientMsgID != "" {
		_ = b.Delete(clientKey(m.SenderID, m.ClientMsgID), nil)
	}
	err = b.Commit(pebble.Sync)
	_ = b.Close()
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("pebble: delete %s: %w", id, err)
	}

	c.hub.notify(m)
	return nil
}

// Query walks the viewer's index newest first and stops once the window is full.
func (c *PebbleCollection) Query(ctx context.Context, q Query) ([]Message, error) {
	if !q.Executable() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(pebbleUserPrefix + q.Viewer + "\x00")
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	limit := q.limit()
	var out []Message
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		rest := bytes.TrimPrefix(iter.Key(), prefix)
		if len(rest) <= pebbleTimeWidth {
			continue
		}
		m, err := c.load(string(rest[pebbleTimeWidth:]))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if q.Matches(m) {
			out = append(out, m)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return q.Apply(out), nil
}

// Listen opens a live query.
func (c *PebbleCollection) Listen(ctx context.Context, q Query) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.hub.watch(ctx, q, c.Query), nil
}

func (c *PebbleCollection) load(id string) (Message, error) {
	v, closer, err := c.db.Get(msgKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Message{}, fmt.Errorf("pebble: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Message{}, err
	}
	defer closer.Close()

	var m Message
	if err := json.Unmarshal(v, &m); err != nil {
		return Message{}, fmt.Errorf("pebble: decode %s: %w", id, err)
	}
	return m, nil
}

func (c *PebbleCollection) getString(key []byte) (string, error) {
	v, closer, err := c.db.Get(key)
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// observeLatest moves the clock past the newest persisted message after a restart.
func (c *PebbleCollection) observeLatest() error {
	v, err := c.getString([]byte(pebbleClockKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	us, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("pebble: decode clock: %w", err)
	}
	c.clock.Observe(time.UnixMicro(us).UTC())
	return nil
}

func msgKey(id string) []byte { return []byte(pebbleMsgPrefix + id) }

func userKey(user string, m Message) []byte {
	return fmt.Appendf(nil, "%s%s\x00%0*d%s", pebbleUserPrefix, user, pebbleTimeWidth, m.CreatedAt.UnixMicro(), m.ID)
}

func clientKey(sender, clientMsgID string) []byte {
	return []byte(pebbleClientPrefix + sender + "\x00" + clientMsgID)
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
