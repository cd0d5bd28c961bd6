package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "carchat/shared/contracts/mailbox/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
)

// WSDefaultAllowedOrigins is the default origin allowlist.
var WSDefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// Authenticator resolves the user id carried by a hello token.
type Authenticator interface {
	Verify(bearer string) (string, error)
}

// GatewayConfig tunes the WebSocket gateway. Zero values take the defaults.
type GatewayConfig struct {
	// DevInsecure skips websocket.Accept's origin verification (dev only).
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// Session defaults applied to every session_open.
	TypingIdle time.Duration
	Window     int
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   slices.Clone(WSDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		TypingIdle:       DefaultTypingIdle,
		Window:           DefaultWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = d.TypingIdle
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// WSGateway is the WebSocket entrypoint for the mailbox.
//
// It enforces origin policy, subprotocol selection, authentication, rate limits and heartbeats,
// and maps validated envelopes onto one conversation Session and one Inbox per connection.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	deps    SessionDeps
	auth    Authenticator
	metrics *Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. deps.Store and auth are required.
func NewWSGateway(log *slog.Logger, hub *Hub, deps SessionDeps, auth Authenticator, cfg GatewayConfig) (*WSGateway, error) {
	if deps.Store == nil {
		return nil, errors.New("realtime: nil store")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	if deps.Log == nil {
		deps.Log = log
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{
		log:     log,
		hub:     hub,
		deps:    deps,
		auth:    auth,
		metrics: deps.Metrics,
		cfg:     cfg.withDefaults(),
	}

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	return g, nil
}

// Hub returns the connection registry.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs the mailbox loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.wsReject("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.metrics.wsReject("subprotocol")
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		g:      g,
		conn:   conn,
		client: NewClient(NewEventID(time.Now()), g.cfg.SendQueueSize),
		ctx:    ctx,
	}
	c.log = g.log.With("conn_id", c.client.ConnID)

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	var closeOnce sync.Once

	// shutdown is idempotent and safe from any goroutine. Session teardown happens
	// on the read-loop goroutine once the loop has exited.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.client.Done():
				// Hub drain or shutdown from another goroutine.
				shutdown(websocket.StatusGoingAway, "server closing")
				return
			case env := <-c.client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					c.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					c.log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				c.sendError(v1.CodeBadJSON, "invalid JSON", "")
				continue readLoop
			default:
				c.log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			c.sendErrorNow(v1.CodeRateLimited, "too many events", env.ID)
			g.metrics.wsReject("rate_limited")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			c.sendError(v1.CodeBadEnvelope, err.Error(), env.ID)
			continue readLoop
		}

		if c.userID == "" && env.Type != v1.TypeHello {
			c.sendError(v1.CodeUnauthenticated, "hello first", env.ID)
			continue readLoop
		}

		if err := c.dispatch(env); err != nil {
			if errors.Is(err, errFatal) {
				shutdown(websocket.StatusPolicyViolation, "authentication failed")
				break readLoop
			}
			continue readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	c.closeSession()
	c.closeInbox()
	if c.userID != "" {
		g.hub.Unregister(c.client.ConnID)
	}
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// errFatal marks handler failures that end the connection.
var errFatal = errors.New("fatal")

// wsConn is the per-connection state. session and inbox are only touched by the read loop.
type wsConn struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client
	log    *slog.Logger
	ctx    context.Context

	userID string

	session    *Session
	sessionFwd chan struct{}
	inbox      *Inbox
	inboxFwd   chan struct{}
}

func (c *wsConn) dispatch(env v1.Envelope) error {
	switch env.Type {
	case v1.TypeHello:
		return c.onHello(env)
	case v1.TypeSessionOpen:
		return c.onSessionOpen(env)
	case v1.TypeSessionClose:
		c.closeSession()
		c.ack(env, "session_close")
		return nil
	case v1.TypeInboxOpen:
		return c.onInboxOpen(env)
	case v1.TypeMessageSend:
		return c.onMessageSend(env)
	case v1.TypeMessageRetry:
		return c.onMessageRetry(env)
	case v1.TypeMessageDiscard:
		return c.onMessageDiscard(env)
	case v1.TypeMessageEdit:
		return c.onMessageEdit(env)
	case v1.TypeMessageDelete:
		return c.onMessageDelete(env)
	case v1.TypeMessageRead:
		return c.onMessageRead(env)
	case v1.TypeTyping:
		if c.session != nil {
			c.session.Keystroke()
		}
		return nil
	default:
		c.sendError(v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), env.ID)
		return nil
	}
}

// ---- handlers ----

func (c *wsConn) onHello(env v1.Envelope) error {
	if c.userID != "" {
		c.sendError(v1.CodeBadEnvelope, "already authenticated", env.ID)
		return nil
	}

	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		c.sendErrorNow(v1.CodeBadPayload, err.Error(), env.ID)
		return errFatal
	}

	userID, err := c.g.auth.Verify(p.Token)
	if err != nil {
		c.log.Info("ws.hello.reject", "err", err)
		c.g.metrics.wsReject("unauthenticated")
		c.sendErrorNow(v1.CodeUnauthenticated, "invalid token", env.ID)
		return errFatal
	}

	c.userID = userID
	c.client.UserID = userID
	c.log = c.log.With("user_id", userID)
	c.g.hub.Register(c.client)

	c.send(v1.TypeHelloAck, v1.HelloAckPayload{ConnID: c.client.ConnID, UserID: userID})
	return nil
}

func (c *wsConn) onSessionOpen(env v1.Envelope) error {
	var p v1.SessionOpenPayload
	if err := decodePayload(env, &p); err != nil {
		c.sendError(v1.CodeBadPayload, err.Error(), env.ID)
		return err
	}
	counterpart := strings.TrimSpace(p.Counterpart)
	if counterpart == "" || counterpart == c.userID {
		c.sendError(v1.CodeValidation, "counterpart must be another user", env.ID)
		return ErrValidation
	}

	// One subscription per connection: the previous one is released first.
	c.closeSession()

	s, err := OpenSession(c.ctx, c.g.deps, SessionOptions{
		Viewer:       c.userID,
		Counterpart:  counterpart,
		ListingRef:   p.ListingRef,
		TypingIdle:   c.g.cfg.TypingIdle,
		Window:       c.g.cfg.Window,
		AutoMarkRead: p.AutoMarkRead,
	})
	if err != nil {
		c.sendError(v1.CodeInternal, err.Error(), env.ID)
		return err
	}
	c.session = s
	c.sessionFwd = make(chan struct{})
	go c.forwardSession(s, c.sessionFwd)

	c.ack(env, "session_open")
	return nil
}

func (c *wsConn) onInboxOpen(env v1.Envelope) error {
	c.closeInbox()

	in, err := OpenInbox(c.ctx, c.g.deps, c.userID)
	if err != nil {
		c.sendError(v1.CodeInternal, err.Error(), env.ID)
		return err
	}
	c.inbox = in
	c.inboxFwd = make(chan struct{})
	go c.forwardInbox(in, c.inboxFwd)

	c.ack(env, "inbox_open")
	return nil
}

func (c *wsConn) onMessageSend(env v1.Envelope) error {
	var p v1.MessageSendPayload
	if !c.decodeForSession(env, &p) {
		return ErrClosed
	}
	return c.result(env, "message_send", c.session.Send(c.ctx, p.Body))
}

func (c *wsConn) onMessageRetry(env v1.Envelope) error {
	var p v1.MessageRefPayload
	if !c.decodeForSession(env, &p) {
		return ErrClosed
	}
	return c.result(env, "message_retry", c.session.Retry(c.ctx, p.ClientMsgID))
}

func (c *wsConn) onMessageDiscard(env v1.Envelope) error {
	var p v1.MessageRefPayload
	if !c.decodeForSession(env, &p) {
		return ErrClosed
	}
	var err error
	if !c.session.Discard(p.ClientMsgID) {
		err = opErr("session.Discard", ErrNotFound, p.ClientMsgID)
	}
	return c.result(env, "message_discard", err)
}

func (c *wsConn) onMessageEdit(env v1.Envelope) error {
	var p v1.MessageEditPayload
	if !c.decodeForSession(env, &p) {
		return ErrClosed
	}
	return c.result(env, "message_edit", c.session.EditMessage(c.ctx, p.ID, p.Body))
}

func (c *wsConn) onMessageDelete(env v1.Envelope) error {
	var p v1.MessageDeletePayload
	if !c.decodeForSession(env, &p) {
		return ErrClosed
	}
	return c.result(env, "message_delete", c.session.DeleteMessage(c.ctx, p.ID))
}

func (c *wsConn) onMessageRead(env v1.Envelope) error {
	var p v1.MessageReadPayload
	if !c.decodeForSession(env, &p) {
		return ErrClosed
	}
	var err error
	if p.All {
		err = c.session.MarkAllRead(c.ctx)
	} else {
		err = c.session.MarkRead(c.ctx, p.ID)
	}
	return c.result(env, "message_read", err)
}

// decodeForSession requires an open session and decodes the payload into dst.
func (c *wsConn) decodeForSession(env v1.Envelope, dst any) bool {
	if c.session == nil {
		c.sendError(v1.CodeNoSession, "open a session first", env.ID)
		return false
	}
	if err := decodePayload(env, dst); err != nil {
		c.sendError(v1.CodeBadPayload, err.Error(), env.ID)
		return false
	}
	return true
}

// result acks a successful operation or reports its error.
func (c *wsConn) result(env v1.Envelope, op string, err error) error {
	if err != nil {
		c.log.Info("ws.op.fail", "op", op, "err", err)
		c.sendError(errorCode(err), err.Error(), env.ID)
		return err
	}
	c.ack(env, op)
	return nil
}

// ---- state forwarding ----

func (c *wsConn) forwardSession(s *Session, done chan struct{}) {
	defer close(done)
	for st := range s.Updates() {
		p := sessionStatePayload(s, st)
		if !c.g.enqueueWait(c.ctx, c.client, newEnvelope(v1.TypeSessionState, mustJSON(p), time.Now().UTC())) {
			return
		}
	}
}

func (c *wsConn) forwardInbox(in *Inbox, done chan struct{}) {
	defer close(done)
	for st := range in.Updates() {
		p := inboxStatePayload(st)
		if !c.g.enqueueWait(c.ctx, c.client, newEnvelope(v1.TypeInboxState, mustJSON(p), time.Now().UTC())) {
			return
		}
	}
}

func (c *wsConn) closeSession() {
	if c.session == nil {
		return
	}
	_ = c.session.Close()
	<-c.sessionFwd
	c.session = nil
	c.sessionFwd = nil
}

func (c *wsConn) closeInbox() {
	if c.inbox == nil {
		return
	}
	_ = c.inbox.Close()
	<-c.inboxFwd
	c.inbox = nil
	c.inboxFwd = nil
}

// ---- send helpers ----

func (c *wsConn) send(typ string, payload any) {
	_ = c.g.enqueue(c.ctx, c.client, newEnvelope(typ, mustJSON(payload), time.Now().UTC()))
}

func (c *wsConn) ack(env v1.Envelope, op string) {
	c.send(v1.TypeOpAck, v1.OpAckPayload{RequestID: env.ID, Op: op})
}

func (c *wsConn) sendError(code, msg, requestID string) {
	c.send(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID})
}

// sendErrorNow bypasses the queue so the error frame precedes a policy close.
func (c *wsConn) sendErrorNow(code, msg, requestID string) {
	env := newEnvelope(v1.TypeError, mustJSON(v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID}), time.Now().UTC())
	if err := writeEnvelope(c.ctx, c.conn, env, c.g.cfg.WriteTimeout); err != nil {
		c.log.Info("ws.write.fail", "err", err)
	}
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// enqueueWait applies backpressure instead of dropping; used for state snapshots.
func (g *WSGateway) enqueueWait(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	}
}

func errorCode(err error) string {
	switch {
	case IsValidation(err):
		return v1.CodeValidation
	case IsNotFound(err):
		return v1.CodeNotFound
	case IsForbidden(err):
		return v1.CodeForbidden
	case errors.Is(err, ErrClosed):
		return v1.CodeNoSession
	case IsStore(err):
		return v1.CodeStore
	default:
		return v1.CodeInternal
	}
}

// ---- wire mapping ----

func toWireMessage(m Message) v1.Message {
	return v1.Message{
		ID:          m.ID,
		ClientMsgID: m.ClientMsgID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Body:        m.Body,
		CreatedAt:   m.CreatedAt,
		Read:        m.Read,
		Edited:      m.Edited,
		EditedAt:    m.EditedAt,
		ListingRef:  m.ListingRef,
	}
}

func sessionStatePayload(s *Session, st SessionState) v1.SessionStatePayload {
	p := v1.SessionStatePayload{
		Counterpart:  s.Counterpart(),
		ListingRef:   s.opts.ListingRef,
		Messages:     make([]v1.Message, 0, len(st.Messages)),
		Pending:      st.Pending,
		Typing:       st.Typing,
		Subscription: st.Subscription.String(),
		Stale:        st.Stale,
	}
	if st.Err != nil {
		p.Error = st.Err.Error()
	}
	for _, cm := range st.Messages {
		w := toWireMessage(cm.Message)
		w.Pending = cm.Pending
		w.Failed = cm.Failed
		w.Error = cm.Error
		p.Messages = append(p.Messages, w)
	}
	return p
}

func inboxStatePayload(st InboxState) v1.InboxStatePayload {
	p := v1.InboxStatePayload{
		Entries:      make([]v1.InboxEntry, 0, len(st.Entries)),
		Unread:       st.Unread,
		Subscription: st.Subscription.String(),
		Stale:        st.Stale,
	}
	if st.Err != nil {
		p.Error = st.Err.Error()
	}
	for _, e := range st.Entries {
		p.Entries = append(p.Entries, v1.InboxEntry{
			Counterpart: e.Counterpart,
			Last:        toWireMessage(e.Last),
			Unread:      e.Unread,
		})
	}
	return p
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEventID(ts),
		TS:      ts,
		Payload: payload,
	}
}

// mustJSON encodes a contract payload. Payload types are plain structs and always encode.
func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}

	slices.Sort(out)
	return out
}
