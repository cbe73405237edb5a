// Package chaterr defines the error taxonomy shared by the chat core.
//
// Validation failures and missing entities are errors; an ACL denial is not
// (see acl.Result). Storage failures are wrapped in StorageError so callers
// can tell them apart from malformed input.
package chaterr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned (wrapped) for unknown users, rooms and channels.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes malformed input with a human-readable reason.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Is reports ErrValidation as a match so callers need not know the type.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StorageError wraps a failure of the authoritative store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorage reports whether err (or anything it wraps) is a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
