// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error classification shared by the reactor,
// backend pool, framing layer and client sessions.

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// Common errors used across the proxy.
var (
	ErrChannelClosed     = fmt.Errorf("channel is closed")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
	ErrResourceExhausted = fmt.Errorf("resource exhausted")
	ErrOperationTimeout  = fmt.Errorf("operation timeout")
	ErrNotSupported      = fmt.Errorf("operation not supported")
)

// ErrorCode represents specific error conditions in the proxy.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeTimeout
	ErrCodeNotSupported
	ErrCodeInternal

	// ErrCodeTransient covers peer resets, broken pipes and read timeouts.
	ErrCodeTransient
	// ErrCodeProtocol covers malformed or oversized message heads.
	ErrCodeProtocol
	// ErrCodeBackendUnreachable covers DNS and connect failures.
	ErrCodeBackendUnreachable
	// ErrCodeMisuse marks a caller contract violation. Never recovered.
	ErrCodeMisuse
)

// String returns a short lowercase name of the code for logs.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeResourceExhausted:
		return "resource_exhausted"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeNotSupported:
		return "not_supported"
	case ErrCodeTransient:
		return "transient"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeBackendUnreachable:
		return "backend_unreachable"
	case ErrCodeMisuse:
		return "misuse"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WrapError creates a structured error around cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	e := NewError(code, message)
	e.Err = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Misuse builds the panic value raised on registration contract violations.
func Misuse(message string) *Error {
	return NewError(ErrCodeMisuse, message)
}

// IsMisuse reports whether v (typically a recovered panic value) is a
// contract violation that must not be swallowed.
func IsMisuse(v any) bool {
	e, ok := v.(*Error)
	return ok && e.Code == ErrCodeMisuse
}

// Classify maps err onto the error taxonomy used for logging and for the
// choice between a synthesized response and a silent close.
func Classify(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return ErrCodeInvalidArgument
	case errors.Is(err, ErrResourceExhausted):
		return ErrCodeResourceExhausted
	case errors.Is(err, ErrNotSupported):
		return ErrCodeNotSupported
	case errors.Is(err, ErrOperationTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return ErrCodeTransient
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ETIMEDOUT):
		return ErrCodeTransient
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return ErrCodeBackendUnreachable
	}
	return ErrCodeInternal
}
