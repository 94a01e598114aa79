package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes shared by the fetch pipeline. Codes are grouped by how a
// caller is expected to react: construction and lifecycle codes are
// programming errors, protocol codes end a fetch, transient codes may be
// retried, and policy codes ask the caller to pick another sync source.
const (
	EInternal                = "internal error"
	EInvalid                 = "bad value"
	EInvalidReplicaSetConfig = "invalid replica set config"
	EShutdownInProgress      = "shutdown in progress"
	ECanceled                = "callback canceled"

	EOplogStartMissing = "oplog start missing"
	EInvalidBSON       = "invalid bson"
	ENoSuchKey         = "no such key"
	ETypeMismatch      = "type mismatch"
	EOplogOutOfOrder   = "oplog out of order"
	EFailedToParse     = "failed to parse"

	ENetworkTimeout  = "network timeout"
	EHostUnreachable = "host unreachable"
	ECommandFailed   = "command failed"

	EInvalidSyncSource = "invalid sync source"
)

// Error is the error struct of the fetch pipeline.
//
// Errors may have error codes, human-readable messages,
// and a logical stack trace.
//
// The Code targets automated handlers so that recovery can occur.
// Msg is used by the system operator to help diagnose and fix the problem.
// Op and Err chain errors together in a logical stack trace to
// further help operators.
//
// To create a simple error,
//
//	&Error{
//	    Code: ENoSuchKey,
//	}
//
// To show where the error happens, add Op.
//
//	&Error{
//	    Code: ENoSuchKey,
//	    Op:   "metadata.ReadReplSetMetadata",
//	}
//
// To show an error wrapped with another error.
//
//	&Error{
//	    Code: ENetworkTimeout,
//	    Err:  err,
//	}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// NewError returns an instance of an error.
func NewError(options ...func(*Error)) *Error {
	err := &Error{}
	for _, o := range options {
		o(err)
	}

	return err
}

// WithErrorErr sets the err on the error.
func WithErrorErr(err error) func(*Error) {
	return func(e *Error) {
		e.Err = err
	}
}

// WithErrorCode sets the code on the error.
func WithErrorCode(code string) func(*Error) {
	return func(e *Error) {
		e.Code = code
	}
}

// WithErrorMsg sets the message on the error.
func WithErrorMsg(msg string) func(*Error) {
	return func(e *Error) {
		e.Msg = msg
	}
}

// WithErrorOp sets the op on the error.
func WithErrorOp(op string) func(*Error) {
	return func(e *Error) {
		e.Op = op
	}
}

// Errorf is shorthand for an error with a code and a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		var b strings.Builder
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
		return b.String()
	} else if e.Msg != "" {
		return e.Msg
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("<%s>", e.Code)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the root error, if available; otherwise returns EInternal.
// Non-platform errors wrapping a platform error are looked through.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) {
		return EInternal
	}

	if e == nil {
		return ""
	}

	if e.Code != "" {
		return e.Code
	}

	if e.Err != nil {
		return ErrorCode(e.Err)
	}

	return EInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// ErrorOp returns the op of the error, if available; otherwise return empty string.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) || e == nil {
		return ""
	}

	if e.Op != "" {
		return e.Op
	}

	if e.Err != nil {
		return ErrorOp(e.Err)
	}

	return ""
}

// ErrorMessage returns the human-readable message of the error, if available.
// Otherwise returns a generic error message.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) {
		return "An internal error has occurred."
	}

	if e == nil {
		return ""
	}

	if e.Msg != "" {
		return e.Msg
	}

	if e.Err != nil {
		return ErrorMessage(e.Err)
	}

	return "An internal error has occurred."
}
