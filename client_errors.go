package elbus

import (
	"errors"
)

// Sentinel errors for the client registry - check with errors.Is().
var (
	// ErrNameTaken is returned when a client with the same name is already registered.
	ErrNameTaken = errors.New("elbus: client name already registered")

	// ErrReservedName is returned when an external client asks for a name starting with ".".
	ErrReservedName = errors.New("elbus: client name is reserved")

	// ErrNoSuchClient is returned when the target client is not registered.
	ErrNoSuchClient = errors.New("elbus: no such client")

	// ErrPeerGone is returned when the peer deregistered while an operation was waiting on it.
	ErrPeerGone = errors.New("elbus: peer gone")
)

// Sentinel errors for addressing - check with errors.Is().
var (
	// ErrMalformedPath is returned for empty paths or paths with empty segments.
	ErrMalformedPath = errors.New("elbus: malformed path")

	// ErrMalformedPattern is returned for patterns with misplaced wildcards.
	ErrMalformedPattern = errors.New("elbus: malformed pattern")
)

// Sentinel errors for delivery - check with errors.Is().
var (
	// ErrPermissionDenied is returned when the authorizer rejects an operation.
	ErrPermissionDenied = errors.New("elbus: permission denied")

	// ErrBackpressure is returned when a QoS no frame is dropped because the target queue is full.
	ErrBackpressure = errors.New("elbus: target queue full")

	// ErrTimeout is returned when a processed operation did not complete before its deadline.
	ErrTimeout = errors.New("elbus: timeout")

	// ErrClientClosed is returned when an operation is attempted on a closed client.
	ErrClientClosed = errors.New("elbus: client closed")

	// ErrBrokerClosed is returned by broker operations after Close.
	ErrBrokerClosed = errors.New("elbus: broker closed")
)

// Sentinel errors for the wire protocol - check with errors.Is().
var (
	// ErrProtocol is returned when the peer violates the wire protocol.
	ErrProtocol = errors.New("elbus: protocol error")

	// ErrNotSupported is returned when the peer speaks an unsupported protocol version.
	ErrNotSupported = errors.New("elbus: not supported")

	// ErrAuthFailed is returned when the authenticator rejects a registration.
	ErrAuthFailed = errors.New("elbus: authentication failed")

	// ErrOther is returned for failures reported by the peer without a more specific code.
	ErrOther = errors.New("elbus: operation failed")
)

// ClientError ties a registry error to the client name it refers to.
// Extract with errors.As().
type ClientError struct {
	err  error
	Name string
}

func (e *ClientError) Error() string { return e.err.Error() + ": " + e.Name }
func (e *ClientError) Unwrap() error { return e.err }

// NewClientError creates a new ClientError.
func NewClientError(err error, name string) *ClientError {
	return &ClientError{err: err, Name: name}
}

// PatternError ties an addressing error to the offending path or pattern.
// Extract with errors.As().
type PatternError struct {
	err     error
	Pattern string
}

func (e *PatternError) Error() string { return e.err.Error() + ": " + e.Pattern }
func (e *PatternError) Unwrap() error { return e.err }

// NewPatternError creates a new PatternError.
func NewPatternError(err error, pattern string) *PatternError {
	return &PatternError{err: err, Pattern: pattern}
}

// DeliveryError describes a failed operation that was acknowledged by the broker
// with a non-OK result code.
// Extract with errors.As().
type DeliveryError struct {
	err    error
	Target string
	Code   ResultCode
}

func (e *DeliveryError) Error() string {
	if e.Target == "" {
		return e.err.Error()
	}
	return e.err.Error() + ": " + e.Target
}

func (e *DeliveryError) Unwrap() error { return e.err }

// NewDeliveryError creates a DeliveryError for the given result code.
func NewDeliveryError(target string, code ResultCode) *DeliveryError {
	return &DeliveryError{
		err:    code.Err(),
		Target: target,
		Code:   code,
	}
}
