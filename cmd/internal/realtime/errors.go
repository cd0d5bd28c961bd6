package realtime

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch on these with errors.Is.
var (
	// ErrValidation is returned for locally detectable bad input (empty body, sender == receiver).
	// No store write happens.
	ErrValidation = errors.New("validation failed")

	// ErrStore is returned when the remote collection fails a call.
	ErrStore = errors.New("store failure")

	// ErrNotFound is returned when the target message no longer exists.
	ErrNotFound = errors.New("message not found")

	// ErrSubscription is carried by stale snapshots when a live listener fails.
	ErrSubscription = errors.New("subscription failure")

	// ErrForbidden is returned when a non-author edits or deletes a message.
	ErrForbidden = errors.New("not the message author")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is always one of the sentinel kinds above; Err keeps the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	s := e.Op + ": " + e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

// wrapStoreErr classifies a collection error. Errors already carrying a kind keep it.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return &OpError{Op: op, Kind: ErrNotFound, Err: err}
	}
	return &OpError{Op: op, Kind: ErrStore, Err: err}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsStore reports whether err represents ErrStore.
func IsStore(err error) bool { return errors.Is(err, ErrStore) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }
