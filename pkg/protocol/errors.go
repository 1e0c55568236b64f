package protocol

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by a transport when the peer is gone.
var ErrConnectionClosed = errors.New("connection closed")

// Code is a stable error code reported in error frames.
type Code string

const (
	CodeBusy           Code = "busy"
	CodeHandlerFault   Code = "handler-fault"
	CodeRunTimeout     Code = "run-timeout"
	CodeInvalidFrame   Code = "invalid-frame"
	CodeRateLimited    Code = "rate-limited"
	CodeSessionExpired Code = "session-expired"
	CodeAlreadyBound   Code = "already-bound"
	CodeInternal       Code = "internal"
)

// Error is an error carrying a client-facing code.
type Error struct {
	Code    Code
	Message string
}

// NewError creates a coded error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the client code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}
