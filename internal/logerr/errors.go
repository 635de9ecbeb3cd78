// Package logerr defines the failure taxonomy shared by every layer of the
// recovery log.
//
// Each failure carries a Code so callers can tell "disk full" apart from
// "need more log space", "files tampered with" and "version mismatch" without
// string matching:
//   - ALLOCATION: a file or directory could not be created or extended
//   - CORRUPTED: neither physical file yields a usable ACTIVE header
//   - INCOMPATIBLE: the header parses but format or service identity differ
//   - FULL: live data cannot fit even after maximum growth
//   - INTERNAL: unexpected I/O or a broken invariant
//   - WRITE_FAILED: a force failed after data was committed in memory
package logerr

import (
	"errors"
	"fmt"
)

// Code categorizes recovery log failures.
type Code string

const (
	// CodeAllocation indicates a file or directory could not be created or grown.
	CodeAllocation Code = "ALLOCATION"

	// CodeCorrupted indicates no physical file can be selected for recovery.
	CodeCorrupted Code = "CORRUPTED"

	// CodeIncompatible indicates a format or service identity mismatch.
	CodeIncompatible Code = "INCOMPATIBLE"

	// CodeFull indicates the live data exceeds the maximum log size.
	CodeFull Code = "FULL"

	// CodeInternal is the catch-all for unexpected failures.
	CodeInternal Code = "INTERNAL"

	// CodeWriteFailed indicates a force failed after an in-memory commit.
	CodeWriteFailed Code = "WRITE_FAILED"

	// CodeClosed indicates an operation on a log that is not open.
	CodeClosed Code = "CLOSED"

	// CodeInvalidUnit indicates an unknown recoverable unit id.
	CodeInvalidUnit Code = "INVALID_UNIT"

	// CodeSectionExists indicates a duplicate section id within a unit.
	CodeSectionExists Code = "SECTION_EXISTS"
)

// Error is the error type returned by the recovery log packages.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Op names the operation that failed, e.g. "keypoint".
	Op string

	// Log names the affected log, if known.
	Log string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Log != "" {
		msg = fmt.Sprintf("%s (log=%s)", msg, e.Log)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error. The cause may be nil.
func E(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds an Error whose cause is a formatted message.
func Errorf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithLog returns a copy of err annotated with the log name. Non-*Error
// values are wrapped as INTERNAL.
func WithLog(err error, log string) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		c := *le
		if c.Log == "" {
			c.Log = log
		}
		return &c
	}
	return &Error{Code: CodeInternal, Log: log, Err: err}
}

// CodeOf returns the Code carried by err, or CodeInternal when err is not an
// *Error. It returns "" for a nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

// IsAllocation reports whether err is an allocation failure.
func IsAllocation(err error) bool { return Is(err, CodeAllocation) }

// IsCorrupted reports whether err is a corruption failure.
func IsCorrupted(err error) bool { return Is(err, CodeCorrupted) }

// IsIncompatible reports whether err is a compatibility failure.
func IsIncompatible(err error) bool { return Is(err, CodeIncompatible) }

// IsFull reports whether err is a log-full failure.
func IsFull(err error) bool { return Is(err, CodeFull) }

// IsInternal reports whether err is an internal failure.
func IsInternal(err error) bool { return Is(err, CodeInternal) }

// IsWriteFailed reports whether err is a failed force.
func IsWriteFailed(err error) bool { return Is(err, CodeWriteFailed) }

// IsClosed reports whether err was caused by using a log that is not open.
func IsClosed(err error) bool { return Is(err, CodeClosed) }
