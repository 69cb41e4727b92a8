// ABOUTME: Error taxonomy for conversation and message operations
// ABOUTME: Validation errors abort before the store; persistence errors wrap store failures

package chat

import (
	"errors"
	"fmt"

	"github.com/2389/tradepost/internal/store"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is the store's not-found sentinel, re-exported for callers of this package
	ErrNotFound = store.ErrNotFound

	// ErrNotParticipant is returned when a user acts on a conversation they are not part of
	ErrNotParticipant = errors.New("not a participant in this conversation")
)

// ValidationError reports bad input detected before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PersistenceError reports that the store rejected a read or write.
// Operations returning it have not been retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is (or wraps) a *PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
