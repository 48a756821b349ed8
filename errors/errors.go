// Package errors provides error handling for dazflow.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Sentinel errors for the pipeline error taxonomy
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllDetails = crdb.GetAllDetails
	GetAllHints   = crdb.GetAllHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors for the pipeline error taxonomy.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates state that has not been produced yet. Always
	// recoverable by the caller: treat as "stage not yet produced".
	ErrNotFound = New("not found")

	// ErrInvalidPattern indicates a malformed state pattern (duplicate or
	// malformed placeholder). Fatal at pipeline-definition load time.
	ErrInvalidPattern = New("invalid pattern")

	// ErrInvalidDefinition indicates a structurally broken pipeline
	// definition (missing stage, cyclic input chain). Fatal at load time.
	ErrInvalidDefinition = New("invalid pipeline definition")

	// ErrValidation indicates stage output failed its declared validation
	// rules. Recorded as a stage failure and retried per backoff.
	ErrValidation = New("output validation failed")

	// ErrExecution indicates the node-execution capability returned an
	// error. Recorded as a stage failure identically to ErrValidation.
	ErrExecution = New("node execution failed")

	// ErrStoreIO indicates an underlying filesystem failure in the state
	// store. Aborts the current scan cycle; the orchestrator retries on
	// the next scheduled interval.
	ErrStoreIO = New("state store I/O failure")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsStoreIO checks if an error is or wraps ErrStoreIO. The scanner and
// orchestrator use this to distinguish cycle-aborting failures from
// per-stage failures.
func IsStoreIO(err error) bool {
	return err != nil && Is(err, ErrStoreIO)
}

// WrapNotFound wraps an error as a not-found error with context.
func WrapNotFound(err error, context string) error {
	return Wrap(Wrap(ErrNotFound, err.Error()), context)
}

// NewNotFoundf creates a not-found error with a formatted message.
func NewNotFoundf(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// WrapStoreIO wraps a filesystem error as a store I/O error with context.
func WrapStoreIO(err error, context string) error {
	return Wrap(Wrap(ErrStoreIO, err.Error()), context)
}
