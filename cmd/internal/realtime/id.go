package realtime

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a ULID used as the store-assigned message id.
// ULIDs sort by creation time, which keeps ids and CreatedAt consistent in logs and keys.
func NewMessageID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewClientMsgID returns a client-side correlation id for an optimistic send.
func NewClientMsgID() string {
	return uuid.NewString()
}

// NewEventID returns an id for a gateway connection or envelope.
func NewEventID(now time.Time) string {
	id, err := NewMessageID(now)
	if err != nil {
		return uuid.NewString()
	}
	return id
}
