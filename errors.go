package quickrtc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotJoined is returned when an operation requires an active conference.
	ErrNotJoined = errors.New("not joined to a conference")

	// ErrDisposed is returned for operations attempted, or still in flight,
	// after the client was torn down. Distinct from a server rejection so
	// callers can tell "cancelled by shutdown" apart from "request failed".
	ErrDisposed = errors.New("client is disposed")

	// ErrRequestTimeout is returned when a signaling round-trip exceeds its
	// bounded timeout.
	ErrRequestTimeout = errors.New("signaling request timed out")
)

// NotFoundError is produced when an operation references an unknown stream,
// producer or consumer id. The operation is rejected without side effects.
type NotFoundError struct {
	kind string
	id   string
}

func NewNotFoundError(kind, id string) error {
	return NotFoundError{kind: kind, id: id}
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.kind, e.id)
}

// SignalingError wraps an error status returned by the conference server.
type SignalingError struct {
	method string
	reason string
}

func NewSignalingError(method, reason string) error {
	return SignalingError{method: method, reason: reason}
}

func (e SignalingError) Error() string {
	return fmt.Sprintf("signaling request %q failed: %s", e.method, e.reason)
}

func (e SignalingError) Method() string {
	return e.method
}

// HardwareError wraps a device acquisition or re-acquisition failure. It is
// always surfaced to the caller so the application can show a permission UI.
type HardwareError struct {
	op    string
	cause error
}

func NewHardwareError(op string, cause error) error {
	return HardwareError{op: op, cause: cause}
}

func (e HardwareError) Error() string {
	return fmt.Sprintf("hardware %s failed: %v", e.op, e.cause)
}

func (e HardwareError) Unwrap() error {
	return e.cause
}

// InvalidStateError is produced when calling a method in an invalid state.
type InvalidStateError struct {
	message string
}

func NewInvalidStateError(format string, args ...interface{}) error {
	return InvalidStateError{message: fmt.Sprintf(format, args...)}
}

func (e InvalidStateError) Error() string {
	return "InvalidStateError: " + e.message
}
