// Package main provides a CI-friendly WebSocket smoke test for the carchat mailbox gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack authentication for two users
//   - session_open streams an active session_state
//   - send -> op_ack -> authoritative message on both sides
//   - mark-all-read propagates to the sender
//   - inbox_open lists the conversation
//   - edit and delete propagate to the counterpart
//
// The server must accept the tokens given by -a and -b (dev: CARCHAT_IDENTITY_INSECURE=true).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "carchat/shared/contracts/mailbox/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn
	seq    int

	inbox chan v1.Envelope
	errCh chan error

	// backlog holds envelopes that arrived while waiting for an op_ack.
	backlog []v1.Envelope
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("a", "smoke-alice", "Bearer token for user A")
		tokenB  = flag.String("b", "smoke-bob", "Bearer token for user B")
		text    = flag.String("text", "is the bike still available? 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	a.mustRequest(root, v1.TypeSessionOpen, v1.SessionOpenPayload{Counterpart: b.userID}, *timeout)
	a.mustState(root, "A active", *timeout, func(p v1.SessionStatePayload) bool {
		return p.Subscription == "active"
	})
	b.mustRequest(root, v1.TypeSessionOpen, v1.SessionOpenPayload{Counterpart: a.userID}, *timeout)
	b.mustState(root, "B active", *timeout, func(p v1.SessionStatePayload) bool {
		return p.Subscription == "active"
	})

	a.mustRequest(root, v1.TypeMessageSend, v1.MessageSendPayload{Body: *text}, *timeout)
	sent := a.mustState(root, "A authoritative", *timeout, func(p v1.SessionStatePayload) bool {
		m, ok := findBody(p, *text)
		return ok && !m.Pending && m.ID != ""
	})
	msg, _ := findBody(sent, *text)
	if msg.ClientMsgID == "" {
		fatalf("stored message lost its client_msg_id")
	}

	b.mustState(root, "B receives", *timeout, func(p v1.SessionStatePayload) bool {
		m, ok := findBody(p, *text)
		return ok && m.ID == msg.ID && m.SenderID == a.userID
	})

	b.mustRequest(root, v1.TypeMessageRead, v1.MessageReadPayload{All: true}, *timeout)
	a.mustState(root, "A sees read", *timeout, func(p v1.SessionStatePayload) bool {
		m, ok := findID(p, msg.ID)
		return ok && m.Read
	})

	b.mustRequest(root, v1.TypeInboxOpen, struct{}{}, *timeout)
	b.mustInbox(root, *timeout, func(p v1.InboxStatePayload) bool {
		for _, e := range p.Entries {
			if e.Counterpart == a.userID && e.Last.ID == msg.ID {
				return true
			}
		}
		return false
	})

	edited := *text + " (edited)"
	a.mustRequest(root, v1.TypeMessageEdit, v1.MessageEditPayload{ID: msg.ID, Body: edited}, *timeout)
	b.mustState(root, "B sees edit", *timeout, func(p v1.SessionStatePayload) bool {
		m, ok := findID(p, msg.ID)
		return ok && m.Edited && m.Body == edited
	})

	a.mustRequest(root, v1.TypeMessageDelete, v1.MessageDeletePayload{ID: msg.ID}, *timeout)
	b.mustState(root, "B sees delete", *timeout, func(p v1.SessionStatePayload) bool {
		_, ok := findID(p, msg.ID)
		return !ok
	})

	fmt.Printf("OK: A=%s B=%s id=%s\n", a.userID, b.userID, msg.ID)
}

func findBody(p v1.SessionStatePayload, body string) (v1.Message, bool) {
	for _, m := range p.Messages {
		if m.Body == body {
			return m, true
		}
	}
	return v1.Message{}, false
}

func findID(p v1.SessionStatePayload, id string) (v1.Message, bool) {
	for _, m := range p.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return v1.Message{}, false
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.write(parent, v1.TypeHello, v1.HelloPayload{Token: token}, stepTimeout)
	ack := c.mustReadUntil(parent, "hello_ack", stepTimeout, func(env v1.Envelope) bool {
		return env.Type == v1.TypeHelloAck
	})

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.ConnID) == "" {
		fatalf("hello_ack missing user_id/conn_id (%s)", name)
	}
	c.userID = p.UserID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// write sends one envelope and returns its id.
func (c *smokeClient) write(parent context.Context, typ string, payload any, stepTimeout time.Duration) string {
	c.seq++
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq)

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
	return id
}

// mustRequest sends a request and waits for its op_ack. session_open and inbox_open are
// acknowledged by their first state envelope instead.
func (c *smokeClient) mustRequest(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	id := c.write(parent, typ, payload, stepTimeout)
	switch typ {
	case v1.TypeSessionOpen, v1.TypeInboxOpen:
		return
	}
	var skipped []v1.Envelope
	c.mustReadUntil(parent, typ+" ack", stepTimeout, func(env v1.Envelope) bool {
		if env.Type == v1.TypeOpAck {
			var p v1.OpAckPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID == id {
				return true
			}
		}
		skipped = append(skipped, env)
		return false
	})
	c.backlog = append(c.backlog, skipped...)
}

func (c *smokeClient) mustState(parent context.Context, what string, stepTimeout time.Duration, pred func(v1.SessionStatePayload) bool) v1.SessionStatePayload {
	var out v1.SessionStatePayload
	c.mustReadUntil(parent, what, stepTimeout, func(env v1.Envelope) bool {
		if env.Type != v1.TypeSessionState {
			return false
		}
		var p v1.SessionStatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal session_state (%s): %v", c.name, err)
		}
		if pred(p) {
			out = p
			return true
		}
		return false
	})
	return out
}

func (c *smokeClient) mustInbox(parent context.Context, stepTimeout time.Duration, pred func(v1.InboxStatePayload) bool) {
	c.mustReadUntil(parent, "inbox_state", stepTimeout, func(env v1.Envelope) bool {
		if env.Type != v1.TypeInboxState {
			return false
		}
		var p v1.InboxStatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal inbox_state (%s): %v", c.name, err)
		}
		return pred(p)
	})
}

// mustReadUntil consumes envelopes until match returns true. Error envelopes are fatal.
func (c *smokeClient) mustReadUntil(parent context.Context, what string, stepTimeout time.Duration, match func(v1.Envelope) bool) v1.Envelope {
	for len(c.backlog) > 0 {
		env := c.backlog[0]
		c.backlog = c.backlog[1:]
		if match(env) {
			return env
		}
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s): %v", what, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %s (%s): %v", what, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", what, c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if match(env) {
				return env
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
