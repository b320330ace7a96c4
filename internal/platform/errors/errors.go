// Package errors provides structured errors with machine-readable codes.
//
// The code taxonomy mirrors the engine's failure classes: validation errors
// are rejected synchronously and never partially applied; consistency errors
// are fatal to the affected entity's local state and must surface to callers
// so they can resynchronize; machine errors propagate to the owning machine's
// error transition only.
package errors

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeInvalidCommand     Code = "INVALID_COMMAND"
	CodeInvalidProperty    Code = "INVALID_PROPERTY"
	CodeSchemaUnknown      Code = "SCHEMA_UNKNOWN"
	CodePropertyUndeclared Code = "PROPERTY_UNDECLARED"

	// Consistency errors
	CodeEntityMissing    Code = "ENTITY_MISSING"
	CodeEntityDuplicate  Code = "ENTITY_DUPLICATE"
	CodePatchUnappliable Code = "PATCH_UNAPPLIABLE"

	// Machine/service errors
	CodeMachineFailed  Code = "MACHINE_FAILED"
	CodeServiceFailed  Code = "SERVICE_FAILED"
	CodeMachineStopped Code = "MACHINE_STOPPED"

	// Auth errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// Error carries a code alongside a wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// E creates a coded error with a formatted message.
func E(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping a cause.
func Wrap(code Code, err error, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
