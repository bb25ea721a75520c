// Package apierr defines the wire-stable error codes exchanged across the
// trusted boundary, and an Error type that carries one alongside a
// human-readable message and an optional wrapped cause.
package apierr

import "fmt"

// Code is serialized as a 32-bit tag when it crosses the trusted boundary.
type Code uint32

const (
	CodeUnknown Code = iota
	CodePermissionDenied
	CodeMissingValue
	CodeParseError
	CodeNotFound
	CodeAlreadyExists
	CodeLockError
	CodeInvalidInput
	CodeSchemaMismatch
	CodeImpossibleOperation
	CodeDuplicateColumn
	CodeOutOfBound
	CodeKeyNotFound
	CodeFunctionNotSupported
	CodeOutputGeneration
	CodeNoValidWorker
	CodeQuotaExceeded
	CodeCorruption
	CodeIoError
)

func (c Code) String() string {
	switch c {
	case CodePermissionDenied:
		return "PermissionDenied"
	case CodeMissingValue:
		return "MissingValue"
	case CodeParseError:
		return "ParseError"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeLockError:
		return "LockError"
	case CodeInvalidInput:
		return "InvalidInput"
	case CodeSchemaMismatch:
		return "SchemaMismatch"
	case CodeImpossibleOperation:
		return "ImpossibleOperation"
	case CodeDuplicateColumn:
		return "DuplicateColumn"
	case CodeOutOfBound:
		return "OutOfBound"
	case CodeKeyNotFound:
		return "KeyNotFound"
	case CodeFunctionNotSupported:
		return "FunctionNotSupported"
	case CodeOutputGeneration:
		return "OutputGeneration"
	case CodeNoValidWorker:
		return "NoValidWorker"
	case CodeQuotaExceeded:
		return "QuotaExceeded"
	case CodeCorruption:
		return "Corruption"
	case CodeIoError:
		return "IoError"
	default:
		return "Unknown"
	}
}

// Error is the typed error returned by every operation that can surface
// across the trusted boundary.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an existing cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, else
// CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	for err != nil {
		if asErr, ok := err.(*Error); ok {
			e = asErr
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return CodeUnknown
	}
	return e.Code
}
