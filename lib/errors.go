package lib

import (
	"github.com/pkg/errors"
)

// Errors reported by connections. Callers classify with errors.Is; the
// engine may wrap them with context.
var (
	// local state
	ErrInvalidState      = errors.New("operation not valid in current state")
	ErrNotConnected      = errors.New("transport endpoint is not connected")
	ErrAlreadyConnected  = errors.New("transport endpoint is already connected")
	ErrAddrInUse         = errors.New("address already in use")
	ErrBrokenPipe        = errors.New("broken pipe")
	ErrInProgress        = errors.New("operation now in progress")
	ErrNoUrgentData      = errors.New("no urgent data pending")
	ErrProtoNotSupported = errors.New("protocol not supported")
	ErrListenerClosed    = errors.New("listener closed")

	// resources
	ErrWouldBlock    = errors.New("resource temporarily unavailable")
	ErrNoBufferSpace = errors.New("no buffer space available")

	// peer and path
	ErrConnReset   = errors.New("connection reset by peer")
	ErrConnRefused = errors.New("connection refused")
	ErrTimedOut    = errors.New("connection timed out")
	ErrHostUnreach = errors.New("no route to host")
	ErrNetUnreach  = errors.New("network is unreachable")

	// cancellation
	ErrInterrupted = errors.New("interrupted")
)

// TimeoutError is returned when a read or write deadline passes. It
// satisfies net.Error.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return true
}
