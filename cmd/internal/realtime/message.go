package realtime

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Message is the canonical message document.
//
// ID and CreatedAt are assigned by the collection, never by the client.
// Read flips false -> true only.
type Message struct {
	ID          string     `json:"id"`
	ClientMsgID string     `json:"client_msg_id,omitempty"`
	SenderID    string     `json:"sender_id"`
	ReceiverID  string     `json:"receiver_id"`
	Body        string     `json:"message"`
	CreatedAt   time.Time  `json:"created_at"`
	Read        bool       `json:"read"`
	Edited      bool       `json:"edited,omitempty"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
	ListingRef  string     `json:"listing_ref,omitempty"`
}

// Validate checks a document returned by a collection.
// Malformed documents are rejected at the adapter boundary instead of reaching the UI.
func (m Message) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Required),
		validation.Field(&m.SenderID, validation.Required),
		validation.Field(&m.ReceiverID, validation.Required, validation.NotIn(m.SenderID).Error("must differ from sender_id")),
		validation.Field(&m.Body, validation.Required, validation.RuneLength(1, maxMessageChars)),
		validation.Field(&m.CreatedAt, validation.Required),
		validation.Field(&m.EditedAt, validation.When(m.Edited, validation.Required)),
	)
}

// Counterpart returns the other participant from viewer's point of view.
func (m Message) Counterpart(viewer string) string {
	if m.SenderID == viewer {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether user is the sender or the receiver.
func (m Message) Involves(user string) bool {
	return m.SenderID == user || m.ReceiverID == user
}

// Draft is a client-proposed message. The collection turns it into a Message.
type Draft struct {
	ClientMsgID string
	SenderID    string
	ReceiverID  string
	Body        string
	ListingRef  string
}

// Validate rejects drafts that must never reach the store.
func (d Draft) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.ClientMsgID, validation.Required),
		validation.Field(&d.SenderID, validation.Required),
		validation.Field(&d.ReceiverID, validation.Required, validation.NotIn(d.SenderID).Error("must differ from sender")),
		validation.Field(&d.Body, validation.Required, validation.RuneLength(1, maxMessageChars)),
	)
}

func normalizeBody(s string) string {
	return strings.TrimSpace(s)
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Body *string
	Read *bool
}

func (p Patch) apply(m *Message, now time.Time) {
	if p.Body != nil {
		m.Body = *p.Body
		m.Edited = true
		ts := now
		m.EditedAt = &ts
	}
	// read never reverts
	if p.Read != nil && *p.Read {
		m.Read = true
	}
}
