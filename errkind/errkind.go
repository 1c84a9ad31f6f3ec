// Package errkind classifies errors returned by the ledgers, the synchronizer and the engine.
package errkind

import (
	"errors"
	"fmt"
)

type Kind string

const (
	DuplicateClient Kind = "duplicate client"
	NotFound        Kind = "not found"
	InvalidQuota    Kind = "invalid quota"
	InvalidState    Kind = "invalid state"
	SyncFailed      Kind = "sync failed"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, format string, a ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, a...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// SyncError is the detail carried by SyncFailed errors.
type SyncError struct {
	// Step is the interface-control step that failed (e.g. "write", "down", "up").
	Step string
	// ExitCode is the exit status of the interface-control process, or -1 if it did not exit normally.
	ExitCode int
	Output   string
	Err      error
}

func (e *SyncError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s (exit status %d): %s: %s", e.Step, e.ExitCode, e.Err, e.Output)
	}
	return fmt.Sprintf("%s (exit status %d): %s", e.Step, e.ExitCode, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Of returns the kind of the outermost *Error in err's chain, or "" if there is none.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}

// Retryable reports whether the operation that returned err may succeed if retried later without changes.
func Retryable(err error) bool {
	return Is(err, SyncFailed)
}
