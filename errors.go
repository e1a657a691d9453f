package vnet

//
// Errors
//

import (
	"errors"
	"fmt"
)

// ErrContractViolation is the root of the errors returned when the caller
// misuses an object (e.g., mutating headers after they have been sent).
var ErrContractViolation = errors.New("vnet: contract violation")

// contractError is a named contract violation.
type contractError struct {
	message string
}

// Error implements error
func (e *contractError) Error() string {
	return "vnet: " + e.message
}

// Is allows errors.Is(err, ErrContractViolation) to match.
func (e *contractError) Is(target error) bool {
	return target == ErrContractViolation
}

var (
	// ErrSocketClosed indicates an operation on a socket that is not open.
	ErrSocketClosed error = &contractError{"socket is not open"}

	// ErrSocketInUse indicates connecting a socket that is already in use.
	ErrSocketInUse error = &contractError{"socket is already in use"}

	// ErrHeadersSent indicates mutating headers after they have been sent.
	ErrHeadersSent error = &contractError{"cannot modify headers after they are sent"}

	// ErrWriteAfterEnd indicates writing after an exchange has ended.
	ErrWriteAfterEnd error = &contractError{"write after end"}

	// ErrRequestEnded indicates modifying a request after End.
	ErrRequestEnded error = &contractError{"request already ended"}

	// ErrServerListening indicates calling Listen on a listening server.
	ErrServerListening error = &contractError{"server is already listening"}
)

// ErrRequestAborted is the outcome of an aborted [ClientRequest].
var ErrRequestAborted = errors.New("vnet: request aborted")

// TimeoutError indicates that a deadline elapsed.
type TimeoutError struct {
	// Op is the operation that timed out.
	Op string
}

// Error implements error
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("vnet: %s: timeout", e.Op)
}

// Timeout allows to use this error as a [net.Error].
func (e *TimeoutError) Timeout() bool {
	return true
}

// Temporary allows to use this error as a [net.Error].
func (e *TimeoutError) Temporary() bool {
	return true
}

// ErrRequestTimeout is the terminal error of a [ClientRequest] whose timeout expired.
var ErrRequestTimeout error = &TimeoutError{Op: "request"}

// ProtocolError indicates a malformed or unsupported WebSocket frame.
type ProtocolError struct {
	// Reason explains what is wrong with the frame.
	Reason string
}

// Error implements error
func (e *ProtocolError) Error() string {
	return "vnet: websocket: " + e.Reason
}

// ConnectionError indicates that a transport failed to open, send, or receive.
type ConnectionError struct {
	// Op is the failed operation (e.g., "connect", "send").
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements error
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("vnet: %s: %s", e.Op, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
