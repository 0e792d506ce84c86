package rdmafetch

import (
	"errors"
	"fmt"

	"github.com/behrlich/rdmafetch/internal/verbs"
)

// ErrorCode categorizes a structured Error. Most codes are fatal (the
// Connection or client is no longer usable); CodePostCapacity is
// transient (IsTransient reports it). PostRead itself retries a full send
// queue instead of returning an error for it.
type ErrorCode string

const (
	CodeDeviceNotFound         ErrorCode = "device not found"
	CodePDAlloc                ErrorCode = "protection domain allocation failed"
	CodeCQAlloc                ErrorCode = "completion queue allocation failed"
	CodeQPCreate               ErrorCode = "queue pair creation failed"
	CodeTCPConnect             ErrorCode = "bootstrap TCP connect failed"
	CodeHandshakeDecode        ErrorCode = "bootstrap handshake decode failed"
	CodeHandshakeEncode        ErrorCode = "bootstrap handshake encode failed"
	CodeQPTransition           ErrorCode = "queue pair state transition failed"
	CodePostCapacity           ErrorCode = "send queue out of capacity"
	CodeVerb                   ErrorCode = "verbs operation failed"
	CodeSizeMismatch           ErrorCode = "buffer size mismatch"
	CodeInvalidData            ErrorCode = "invalid data"
	CodeReassemblyMissingChunk ErrorCode = "reassembly missing chunk"
)

// Error is a structured error carrying the failed operation and its
// category.
type Error struct {
	Op    string
	Code  ErrorCode
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("rdmafetch: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("rdmafetch: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison by Code, ignoring Op/Msg/Inner.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a structured Error with no wrapped cause.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError wraps inner with op and code. A nil inner returns nil, so
// WrapError(op, code, err) composes safely at the end of a call chain.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is (or wraps) a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsTransient reports whether err represents a condition the caller
// should retry rather than treat as fatal.
func IsTransient(err error) bool {
	return errors.Is(err, verbs.ErrOutOfMemory) || IsCode(err, CodePostCapacity)
}
