package identity

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
//   - Kind is one of the sentinel kinds (ErrInvalidInput, ErrUnauthenticated, ErrExpired).
//   - Msg may include human-readable context; never the token itself.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// unauthenticated is the single failure returned for every bad-token case,
// so callers cannot tell which check failed.
func unauthenticated(op string) error {
	return OpError{Op: op, Kind: ErrUnauthenticated, Msg: "invalid token"}
}

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsUnauthenticated reports whether err represents ErrUnauthenticated.
func IsUnauthenticated(err error) bool { return errors.Is(err, ErrUnauthenticated) }

// IsExpired reports whether err represents ErrExpired.
func IsExpired(err error) bool { return errors.Is(err, ErrExpired) }
