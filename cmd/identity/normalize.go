package identity

import (
	"strings"
	"unicode"
)

const maxUserIDLen = 128

// NormalizeUserID trims s and rejects ids that cannot be used as opaque keys.
// User ids are case-sensitive; they come from the identity provider as-is.
func NormalizeUserID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", OpError{Op: "identity.NormalizeUserID", Kind: ErrInvalidInput, Msg: "empty user id"}
	}
	if len(s) > maxUserIDLen {
		return "", OpError{Op: "identity.NormalizeUserID", Kind: ErrInvalidInput, Msg: "user id too long"}
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", OpError{Op: "identity.NormalizeUserID", Kind: ErrInvalidInput, Msg: "user id contains whitespace or control characters"}
		}
	}
	return s, nil
}
