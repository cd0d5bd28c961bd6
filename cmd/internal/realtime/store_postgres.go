package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCollection is a Collection backed by PostgreSQL.
//
// Ownership model:
//   - PostgresCollection does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Live queries use LISTEN/NOTIFY: every write sends a notification naming the affected
// participants in the same transaction, and each listener re-runs its query when a
// matching notification arrives. Each listener holds one pooled connection.
// Writes made through this value also invalidate its own listeners before returning,
// so a local reader never waits on the notification round trip to see its own write.
type PostgresCollection struct {
	pool    *pgxpool.Pool
	schema  string
	channel string
	clock   *Clock
	log     *slog.Logger

	mu        sync.Mutex
	listeners map[*pgListener]struct{}
}

// PostgresOption configures PostgresCollection behavior.
type PostgresOption func(*PostgresCollection) error

// WithSchema sets the DB schema used by this collection (default: "carchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresCollection) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithNotifyChannel overrides the LISTEN/NOTIFY channel (default: "<schema>_messages").
func WithNotifyChannel(channel string) PostgresOption {
	return func(s *PostgresCollection) error {
		channel = strings.TrimSpace(channel)
		if !isValidPGIdent(channel) {
			return errors.New("realtime: invalid notify channel identifier")
		}
		s.channel = channel
		return nil
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresCollection) error {
		if log == nil {
			return errors.New("realtime: nil logger")
		}
		s.log = log
		return nil
	}
}

// WithPostgresClock overrides the timestamp source.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresCollection) error {
		s.clock = NewClock(now)
		return nil
	}
}

// NewPostgresCollection constructs a Postgres-backed Collection.
func NewPostgresCollection(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresCollection, error) {
	st := &PostgresCollection{
		pool:   pool,
		schema: "carchat",
		clock:  NewClock(nil),
		log:    slog.Default(),

		listeners: make(map[*pgListener]struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	if st.channel == "" {
		st.channel = st.schema + "_messages"
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresCollection) Close() error { return nil }

// EnsureSchema creates the schema, table and indexes when missing.
func (s *PostgresCollection) EnsureSchema(ctx context.Context) error {
	messages := s.table()

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id            TEXT PRIMARY KEY,
  client_msg_id TEXT NOT NULL DEFAULT '',
  sender_id     TEXT NOT NULL,
  receiver_id   TEXT NOT NULL,
  body          TEXT NOT NULL,
  listing_ref   TEXT NOT NULL DEFAULT '',
  created_at    TIMESTAMPTZ NOT NULL,
  read          BOOLEAN NOT NULL DEFAULT false,
  edited        BOOLEAN NOT NULL DEFAULT false,
  edited_at     TIMESTAMPTZ,

  CONSTRAINT chk_messages_participants CHECK (sender_id <> receiver_id),
  CONSTRAINT chk_messages_body_len CHECK (char_length(body) > 0 AND char_length(body) <= %d)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_sender_client_msg
  ON %s (sender_id, client_msg_id) WHERE client_msg_id <> '';

CREATE INDEX IF NOT EXISTS idx_messages_sender_created
  ON %s (sender_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_messages_receiver_created
  ON %s (receiver_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_messages_created
  ON %s (created_at DESC);
`, pgx.Identifier{s.schema}.Sanitize(), messages, maxMessageChars, messages, messages, messages, messages)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// Create inserts d, or returns the stored copy when (sender, client_msg_id) was seen before.
func (s *PostgresCollection) Create(ctx context.Context, d Draft) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := s.table()

	// Serialize appends per schema so created_at is strictly increasing across
	// every process writing to this table, not only within this one.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s.schema+".messages"); err != nil {
		return Message{}, false, fmt.Errorf("advisory lock: %w", err)
	}

	if d.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+messages+` WHERE sender_id = $1 AND client_msg_id = $2`,
			d.SenderID, d.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return Message{}, false, err
			}
			return existing, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Message{}, false, err
		}
	}

	var latest *time.Time
	if err := tx.QueryRow(ctx, `SELECT max(created_at) FROM `+messages).Scan(&latest); err != nil {
		return Message{}, false, fmt.Errorf("latest timestamp: %w", err)
	}
	if latest != nil {
		s.clock.Observe(latest.UTC())
	}
	now := s.clock.Next()

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, false, fmt.Errorf("new id: %w", err)
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
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, client_msg_id, sender_id, receiver_id, body, listing_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ClientMsgID, msg.SenderID, msg.ReceiverID, msg.Body, msg.ListingRef, msg.CreatedAt,
	); err != nil {
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	if err := s.notify(ctx, tx, msg); err != nil {
		return Message{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, false, err
	}
	s.touch(msg)
	return msg, false, nil
}

// Get returns a message by id.
func (s *PostgresCollection) Get(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.table()+` WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("postgres: %s: %w", id, ErrNotFound)
	}
	return m, err
}

// Update applies p in place. Read is only ever set, never cleared.
func (s *PostgresCollection) Update(ctx context.Context, id string, p Patch) (Message, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	markRead := p.Read != nil && *p.Read
	editedAt := s.clock.Next()

	m, err := scanMessage(tx.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET body      = COALESCE($2::text, body),
		        edited    = edited OR $2::text IS NOT NULL,
		        edited_at = CASE WHEN $2::text IS NOT NULL THEN $3::timestamptz ELSE edited_at END,
		        read      = read OR $4
		  WHERE id = $1
		RETURNING `+messageColumns,
		id, p.Body, editedAt, markRead,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("postgres: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}

	if err := s.notify(ctx, tx, m); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	s.touch(m)
	return m, nil
}

// Delete removes a message permanently.
func (s *PostgresCollection) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMessage(tx.QueryRow(ctx,
		`DELETE FROM `+s.table()+` WHERE id = $1 RETURNING `+messageColumns, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	if err := s.notify(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.touch(m)
	return nil
}

// Query runs q. Results are ordered by created_at DESC and capped by q.Limit.
func (s *PostgresCollection) Query(ctx context.Context, q Query) ([]Message, error) {
	if !q.Executable() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := s.table()

	var (
		rows pgx.Rows
		err  error
	)
	switch q.Kind {
	case QueryPair:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
			    AND ($3 = '' OR listing_ref = $3)
			  ORDER BY created_at DESC, id DESC
			  LIMIT $4`,
			q.Viewer, q.Counterpart, q.ListingRef, q.limit(),
		)
	case QueryInbox:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE sender_id = $1 OR receiver_id = $1
			  ORDER BY created_at DESC, id DESC
			  LIMIT $2`,
			q.Viewer, q.limit(),
		)
	default:
		return nil, fmt.Errorf("postgres: unsupported query kind %d", q.Kind)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, q.limit())
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Listen opens a live query on a dedicated connection.
func (s *PostgresCollection) Listen(ctx context.Context, q Query) (Listener, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l := &pgListener{
		coll:   s,
		conn:   conn,
		q:      q,
		events: make(chan ListenerEvent),
		kick:   make(chan struct{}, 1),
		cancel: cancel,
		exited: make(chan struct{}),
	}
	s.mu.Lock()
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("postgres.listener.open", "kind", q.Kind.String(), "viewer", q.Viewer, "channel", s.channel)

	go l.run(runCtx)
	return l, nil
}

// changeNotice is the NOTIFY payload. It carries only routing fields, never the body.
type changeNotice struct {
	Sender     string `json:"s"`
	Receiver   string `json:"r"`
	ListingRef string `json:"l,omitempty"`
}

func (s *PostgresCollection) notify(ctx context.Context, tx pgx.Tx, m Message) error {
	payload, err := json.Marshal(changeNotice{Sender: m.SenderID, Receiver: m.ReceiverID, ListingRef: m.ListingRef})
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// touch advances every local listener covering m, then runs their change hooks.
func (s *PostgresCollection) touch(m Message) {
	s.mu.Lock()
	touched := make([]*pgListener, 0, len(s.listeners))
	for l := range s.listeners {
		if !l.q.Matches(m) {
			continue
		}
		l.feed.advance()
		l.wake()
		touched = append(touched, l)
	}
	s.mu.Unlock()

	for _, l := range touched {
		l.feed.signal()
	}
}

func (s *PostgresCollection) forget(l *pgListener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *PostgresCollection) table() string {
	return pgIdent(s.schema, "messages")
}

type pgListener struct {
	coll   *PostgresCollection
	conn   *pgxpool.Conn
	q      Query
	feed   changeFeed
	events chan ListenerEvent
	kick   chan struct{}
	cancel context.CancelFunc
	exited chan struct{}

	closeOnce sync.Once
}

func (l *pgListener) Events() <-chan ListenerEvent { return l.events }

func (l *pgListener) Gen() uint64 { return l.feed.gen.Load() }

func (l *pgListener) OnChange(fn func()) { l.feed.set(fn) }

// Close is idempotent and synchronous. The connection goes back to the pool.
func (l *pgListener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		<-l.exited
	})
	return nil
}

func (l *pgListener) wake() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *pgListener) run(ctx context.Context) {
	defer close(l.exited)
	defer close(l.events)
	defer l.release()
	defer l.coll.forget(l)

	waitErr := make(chan error, 1)
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		waitErr <- l.pump(ctx)
	}()
	// the pump owns the connection until it returns
	defer func() {
		l.cancel()
		<-pumped
	}()

	l.wake()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-waitErr:
			if ctx.Err() == nil {
				l.emit(ctx, ListenerEvent{Err: fmt.Errorf("postgres: wait notification: %w", err)})
			}
			return
		case <-l.kick:
		}
		if !l.refresh(ctx) {
			return
		}
	}
}

// pump turns matching notifications on the listen connection into kicks.
func (l *pgListener) pump(ctx context.Context) error {
	for {
		n, err := l.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var notice changeNotice
		if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
			l.coll.log.Warn("postgres.notify.malformed", "payload", n.Payload, "err", err)
			continue
		}
		routed := Message{SenderID: notice.Sender, ReceiverID: notice.Receiver, ListingRef: notice.ListingRef}
		if l.q.Matches(routed) {
			l.wake()
		}
	}
}

// refresh re-runs the query and emits the full result. A kick arriving while the
// consumer has not taken the result yet replaces it with a fresh one.
func (l *pgListener) refresh(ctx context.Context) bool {
	for {
		gen := l.Gen()
		msgs, err := l.coll.Query(ctx, l.q)
		if err != nil {
			if ctx.Err() == nil {
				l.emit(ctx, ListenerEvent{Err: err})
			}
			return false
		}
		select {
		case l.events <- ListenerEvent{Messages: msgs, Gen: gen}:
			return true
		case <-l.kick:
		case <-ctx.Done():
			return false
		}
	}
}

func (l *pgListener) emit(ctx context.Context, ev ListenerEvent) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

func (l *pgListener) release() {
	// A cancelled wait closes the underlying connection; the pool discards it on Release.
	if !l.conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = l.conn.Exec(ctx, `UNLISTEN `+pgx.Identifier{l.coll.channel}.Sanitize())
		cancel()
	}
	l.conn.Release()
	l.coll.log.Debug("postgres.listener.close", "kind", l.q.Kind.String(), "viewer", l.q.Viewer)
}

const messageColumns = `id, client_msg_id, sender_id, receiver_id, body, listing_ref, created_at, read, edited, edited_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m        Message
		editedAt *time.Time
	)
	if err := row.Scan(
		&m.ID,
		&m.ClientMsgID,
		&m.SenderID,
		&m.ReceiverID,
		&m.Body,
		&m.ListingRef,
		&m.CreatedAt,
		&m.Read,
		&m.Edited,
		&editedAt,
	); err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if editedAt != nil {
		t := editedAt.UTC()
		m.EditedAt = &t
	}
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
