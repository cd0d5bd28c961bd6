package v1

import "time"

// ---- Client payloads ----

// HelloPayload authenticates the connection with a bearer token.
type HelloPayload struct {
	Token string `json:"token"`
}

// SessionOpenPayload opens a conversation.
type SessionOpenPayload struct {
	Counterpart  string `json:"counterpart"`
	ListingRef   string `json:"listing_ref,omitempty"`
	AutoMarkRead bool   `json:"auto_mark_read,omitempty"`
}

// MessageSendPayload sends a message to the open conversation's counterpart.
type MessageSendPayload struct {
	Body string `json:"message"`
}

// MessageRefPayload targets an optimistic entry by its correlation id (retry / discard).
type MessageRefPayload struct {
	ClientMsgID string `json:"client_msg_id"`
}

// MessageEditPayload replaces the body of a stored message.
type MessageEditPayload struct {
	ID   string `json:"id"`
	Body string `json:"message"`
}

// MessageDeletePayload deletes a stored message.
type MessageDeletePayload struct {
	ID string `json:"id"`
}

// MessageReadPayload marks one message (ID) or every incoming message (All) as read.
type MessageReadPayload struct {
	ID  string `json:"id,omitempty"`
	All bool   `json:"all,omitempty"`
}

// ---- Server payloads ----

// HelloAckPayload confirms the authenticated user.
type HelloAckPayload struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// Message is a message as rendered by clients. Pending/Failed mark optimistic entries.
type Message struct {
	ID          string     `json:"id,omitempty"`
	ClientMsgID string     `json:"client_msg_id,omitempty"`
	SenderID    string     `json:"sender_id"`
	ReceiverID  string     `json:"receiver_id"`
	Body        string     `json:"message"`
	CreatedAt   time.Time  `json:"created_at"`
	Read        bool       `json:"read"`
	Edited      bool       `json:"edited,omitempty"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
	ListingRef  string     `json:"listing_ref,omitempty"`

	Pending bool   `json:"pending,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SessionStatePayload is the full conversation view. Clients replace, never merge.
type SessionStatePayload struct {
	Counterpart  string    `json:"counterpart"`
	ListingRef   string    `json:"listing_ref,omitempty"`
	Messages     []Message `json:"messages"`
	Pending      bool      `json:"pending"`
	Typing       bool      `json:"typing"`
	Subscription string    `json:"subscription"`
	Stale        bool      `json:"stale,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// InboxEntry is one conversation in the list.
type InboxEntry struct {
	Counterpart string  `json:"counterpart"`
	Last        Message `json:"last"`
	Unread      int     `json:"unread"`
}

// InboxStatePayload is the full conversation list, most recent first.
type InboxStatePayload struct {
	Entries      []InboxEntry `json:"entries"`
	Unread       int          `json:"unread"`
	Subscription string       `json:"subscription"`
	Stale        bool         `json:"stale,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// OpAckPayload acknowledges the client envelope RequestID.
type OpAckPayload struct {
	RequestID string `json:"request_id"`
	Op        string `json:"op"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
