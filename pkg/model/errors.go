package model

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed or missing field. Local, returned to
// the caller; never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an absent entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// ConflictError reports an optimistic-concurrency mismatch. The caller
// should refetch and retry.
type ConflictError struct {
	Entity  string
	ID      string
	Version int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: version conflict at %d", e.Entity, e.ID, e.Version)
}

// TransientError wraps an I/O or timeout failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// LMUnavailableError reports persistent language-model failure. Cognitive
// components degrade to defaults; the world keeps running.
type LMUnavailableError struct {
	Op  string
	Err error
}

func (e *LMUnavailableError) Error() string {
	return fmt.Sprintf("language model unavailable during %s: %v", e.Op, e.Err)
}

func (e *LMUnavailableError) Unwrap() error { return e.Err }

// FatalError reports unrecoverable corruption (e.g. an embedding of the
// wrong dimension). The affected agent halts; the world continues.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsLMUnavailable reports whether err is (or wraps) an LMUnavailableError.
func IsLMUnavailable(err error) bool {
	var u *LMUnavailableError
	return errors.As(err, &u)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
