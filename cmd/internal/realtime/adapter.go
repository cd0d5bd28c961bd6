package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Store is the message store adapter: create / mark-read / edit / delete against a
// Collection, with validation on the way in and schema checks on the way out.
//
// Mutations never wait for listeners; live queries observe the write asynchronously.
type Store struct {
	coll    Collection
	log     *slog.Logger
	metrics *Metrics
}

// StoreOption configures a Store.
type StoreOption func(*Store) error

// WithStoreLogger sets the logger (slog.Default when unset).
func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(s *Store) error {
		if log == nil {
			return errors.New("realtime: nil logger")
		}
		s.log = log
		return nil
	}
}

// WithStoreMetrics enables Prometheus instrumentation.
func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *Store) error {
		s.metrics = m
		return nil
	}
}

// NewStore wraps an explicitly constructed collection handle.
func NewStore(coll Collection, opts ...StoreOption) (*Store, error) {
	if coll == nil {
		return nil, errors.New("realtime: nil collection")
	}
	s := &Store{coll: coll, log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Collection returns the underlying collection handle.
func (s *Store) Collection() Collection { return s.coll }

// SendInput is a send request. ClientMsgID is generated when empty.
type SendInput struct {
	SenderID    string
	ReceiverID  string
	Body        string
	ListingRef  string
	ClientMsgID string
}

// Send creates a message. The store assigns id and timestamp; Read starts false.
// Replaying the same (SenderID, ClientMsgID) returns the original message.
func (s *Store) Send(ctx context.Context, in SendInput) (msg Message, err error) {
	const op = "store.Send"
	start := time.Now()
	defer func() { s.metrics.observeOp("send", start, err) }()

	d := Draft{
		ClientMsgID: strings.TrimSpace(in.ClientMsgID),
		SenderID:    strings.TrimSpace(in.SenderID),
		ReceiverID:  strings.TrimSpace(in.ReceiverID),
		Body:        normalizeBody(in.Body),
		ListingRef:  strings.TrimSpace(in.ListingRef),
	}
	if d.ClientMsgID == "" {
		d.ClientMsgID = NewClientMsgID()
	}
	if verr := d.Validate(); verr != nil {
		return Message{}, &OpError{Op: op, Kind: ErrValidation, Msg: verr.Error()}
	}

	stored, dup, cerr := s.coll.Create(ctx, d)
	if cerr != nil {
		s.log.Warn("store.send.fail", "sender_id", d.SenderID, "client_msg_id", d.ClientMsgID, "err", cerr)
		return Message{}, wrapStoreErr(op, cerr)
	}
	if verr := stored.Validate(); verr != nil {
		s.metrics.malformedDocument()
		return Message{}, &OpError{Op: op, Kind: ErrStore, Msg: "malformed document", Err: verr}
	}

	s.log.Debug("store.send.ok", "message_id", stored.ID, "client_msg_id", stored.ClientMsgID, "duplicate", dup)
	return stored, nil
}

// MarkRead sets read=true. Marking an already-read message succeeds.
func (s *Store) MarkRead(ctx context.Context, id string) (err error) {
	const op = "store.MarkRead"
	start := time.Now()
	defer func() { s.metrics.observeOp("mark_read", start, err) }()

	id = strings.TrimSpace(id)
	if id == "" {
		return opErr(op, ErrValidation, "missing message id")
	}

	read := true
	if _, uerr := s.coll.Update(ctx, id, Patch{Read: &read}); uerr != nil {
		return wrapStoreErr(op, uerr)
	}
	return nil
}

// EditInput is an edit request. When Editor is set it must be the message author.
type EditInput struct {
	ID     string
	Editor string
	Body   string
}

// Edit replaces the body and sets the edited flag and edit timestamp.
func (s *Store) Edit(ctx context.Context, in EditInput) (err error) {
	const op = "store.Edit"
	start := time.Now()
	defer func() { s.metrics.observeOp("edit", start, err) }()

	id := strings.TrimSpace(in.ID)
	body := normalizeBody(in.Body)
	switch {
	case id == "":
		return opErr(op, ErrValidation, "missing message id")
	case body == "":
		return opErr(op, ErrValidation, "empty body")
	case len([]rune(body)) > maxMessageChars:
		return opErr(op, ErrValidation, "body too long")
	}

	if err := s.checkAuthor(ctx, op, id, in.Editor); err != nil {
		return err
	}
	if _, uerr := s.coll.Update(ctx, id, Patch{Body: &body}); uerr != nil {
		return wrapStoreErr(op, uerr)
	}
	return nil
}

// DeleteInput is a delete request. When Deleter is set it must be the message author.
type DeleteInput struct {
	ID      string
	Deleter string
}

// Delete removes the message permanently.
func (s *Store) Delete(ctx context.Context, in DeleteInput) (err error) {
	const op = "store.Delete"
	start := time.Now()
	defer func() { s.metrics.observeOp("delete", start, err) }()

	id := strings.TrimSpace(in.ID)
	if id == "" {
		return opErr(op, ErrValidation, "missing message id")
	}
	if err := s.checkAuthor(ctx, op, id, in.Deleter); err != nil {
		return err
	}
	if derr := s.coll.Delete(ctx, id); derr != nil {
		return wrapStoreErr(op, derr)
	}
	return nil
}

// Load runs a one-shot query and returns the validated result in store order (CreatedAt DESC).
func (s *Store) Load(ctx context.Context, q Query) ([]Message, error) {
	if !q.Executable() {
		return nil, nil
	}
	msgs, err := s.coll.Query(ctx, q)
	if err != nil {
		return nil, wrapStoreErr("store.Load", err)
	}
	return s.sanitize(msgs), nil
}

func (s *Store) checkAuthor(ctx context.Context, op, id, actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil
	}
	m, err := s.coll.Get(ctx, id)
	if err != nil {
		return wrapStoreErr(op, err)
	}
	if m.SenderID != actor {
		return opErr(op, ErrForbidden, id)
	}
	return nil
}

// sanitize drops documents that fail schema validation.
func (s *Store) sanitize(msgs []Message) []Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			s.metrics.malformedDocument()
			s.log.Warn("store.document.malformed", "message_id", m.ID, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out
}
