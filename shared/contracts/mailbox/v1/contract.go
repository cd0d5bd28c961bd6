// Package v1 defines the carchat Mailbox Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must request.
const Subprotocol = "carchat.mailbox.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the connection (client -> server). It must be the first envelope.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionOpen opens the conversation with a counterpart (client -> server).
	// An open conversation is closed first.
	TypeSessionOpen = "session_open"
	// TypeSessionClose closes the open conversation (client -> server).
	TypeSessionClose = "session_close"
	// TypeInboxOpen starts streaming the conversation list (client -> server).
	TypeInboxOpen = "inbox_open"

	// TypeMessageSend sends a message in the open conversation (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageRetry re-sends a failed message (client -> server).
	TypeMessageRetry = "message_retry"
	// TypeMessageDiscard drops a failed message (client -> server).
	TypeMessageDiscard = "message_discard"
	// TypeMessageEdit replaces the body of an own message (client -> server).
	TypeMessageEdit = "message_edit"
	// TypeMessageDelete deletes an own message (client -> server).
	TypeMessageDelete = "message_delete"
	// TypeMessageRead marks one or all incoming messages as read (client -> server).
	TypeMessageRead = "message_read"
	// TypeTyping reports a local keystroke (client -> server). It is never relayed.
	TypeTyping = "typing"

	// TypeSessionState carries the full conversation view (server -> client).
	TypeSessionState = "session_state"
	// TypeInboxState carries the full conversation list (server -> client).
	TypeInboxState = "inbox_state"
	// TypeOpAck acknowledges a client request by envelope id (server -> client).
	TypeOpAck = "op_ack"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSessionOpen,
		TypeSessionClose,
		TypeInboxOpen,
		TypeMessageSend,
		TypeMessageRetry,
		TypeMessageDiscard,
		TypeMessageEdit,
		TypeMessageDelete,
		TypeMessageRead,
		TypeTyping,
		TypeSessionState,
		TypeInboxState,
		TypeOpAck,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Error codes carried by ErrorPayload.Code.
const (
	CodeBadJSON         = "bad_json"
	CodeBadEnvelope     = "bad_envelope"
	CodeBadPayload      = "bad_payload"
	CodeUnauthenticated = "unauthenticated"
	CodeNoSession       = "no_session"
	CodeValidation      = "validation"
	CodeNotFound        = "not_found"
	CodeForbidden       = "forbidden"
	CodeStore           = "store"
	CodeRateLimited     = "rate_limited"
	CodeUnsupported     = "unsupported"
	CodeInternal        = "internal"
)
