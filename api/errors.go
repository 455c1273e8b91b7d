// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types shared by the frame engine, the HTTP layer and the server.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrTransportClosed   = errors.New("transport is closed")
	ErrTransportDetached = errors.New("transport is detached")
	ErrTicketConsumed    = errors.New("handshake ticket already consumed")
	ErrUnknownTicket     = errors.New("unknown handshake ticket")
	ErrUnknownHandle     = errors.New("unknown connection handle")
	ErrEngineClosed      = errors.New("frame engine is closed")
	ErrEngineUnavailable = errors.New("no frame engine available")
	ErrPreparedFinalized = errors.New("prepared message already finalized")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrLoopStopped       = errors.New("event loop stopped")
	ErrMessageTooBig     = errors.New("message exceeds max payload")
	ErrBadHandshakeKey   = errors.New("invalid Sec-WebSocket-Key")
	ErrNotSupported      = errors.New("operation not supported")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

// The zero value means the error carries no code.
const (
	ErrCodeInvalidArgument ErrorCode = iota + 1
	ErrCodeTransfer
	ErrCodeClosed
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or zero.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
