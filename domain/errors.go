package domain

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the remote store adapter. Callers branch with
// errors.Is; the concrete cause stays wrapped underneath.
var (
	// ErrNotFound indicates the referenced board, column, task or member no
	// longer exists (or the caller lacks access at the storage layer).
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a mutation target changed concurrently, e.g. a
	// task deleted by another client mid-move.
	ErrConflict = errors.New("conflict")

	// ErrTransient indicates a network or service failure that may succeed
	// on retry. No automatic retry happens below the caller.
	ErrTransient = errors.New("transient storage failure")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf wraps ErrConflict with context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Transientf wraps ErrTransient with context.
func Transientf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransient)...)
}

// ValidationError reports a malformed intent rejected before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
