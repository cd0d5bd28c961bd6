package token

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/auth"
)

const (
	// KeyEnv is the env var name for the token signing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "CARCHAT_IDENTITY_KEY"

	// MinKeyBytes is the minimum accepted secret length.
	MinKeyBytes = 32
)

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("token key missing")
	ErrKeyTooShort = errors.New("token key too short")
)

// Key is a fixed-size MAC key.
type Key = [auth.KeySize]byte

// KeyFromString derives a MAC key from a configured secret, enforcing a minimum byte length.
// If the secret is blank -> ErrKeyMissing. If too short -> ErrKeyTooShort.
func KeyFromString(raw string, minBytes int) (*Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrKeyMissing
	}
	if minBytes > 0 && len(raw) < minBytes {
		return nil, ErrKeyTooShort
	}
	k := Key(sha256.Sum256([]byte(raw)))
	return &k, nil
}

// KeyFromEnv reads KeyEnv with KeyFromString.
func KeyFromEnv(minBytes int) (*Key, error) {
	return KeyFromString(os.Getenv(KeyEnv), minBytes)
}

// Sign returns the base64url MAC of msg.
func Sign(msg []byte, key *Key) string {
	sum := auth.Sum(msg, key)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether mac authenticates msg. Comparison is constant-time.
func Verify(msg []byte, mac string, key *Key) bool {
	digest, err := base64.RawURLEncoding.DecodeString(mac)
	if err != nil || len(digest) != auth.Size {
		return false
	}
	return auth.Verify(digest, msg, key)
}
