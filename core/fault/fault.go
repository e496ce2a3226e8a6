// Package fault defines the error taxonomy shared by every command path.
//
// Every failure falls into one of four categories: invalid input, missing
// entity, violated state-transition precondition, or a transient storage
// fault. The first three are terminal for the attempt; transient faults are
// safe to retry because all writes are transactional.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks malformed or incomplete input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound marks a reference to an absent entity.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a violated state-transition precondition.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks lock contention or storage unavailability.
	ErrTransient = errors.New("transient failure")
)

// Invalidf wraps ErrInvalidRequest with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrInvalidRequest, args)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrNotFound, args)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrConflict, args)...)
}

// Transientf wraps ErrTransient with a formatted message.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrTransient, args)...)
}

func prepend(err error, args []any) []any {
	return append([]any{err}, args...)
}

// IsInvalid reports whether err classifies as invalid input.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidRequest) }

// IsNotFound reports whether err classifies as a missing entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err classifies as a precondition violation.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
