package rpc

import (
	"errors"
	"fmt"
)

// Error codes carried by error envelopes.
const (
	CodeParse          int16 = -32700
	CodeInvalidRequest int16 = -32600
	CodeMethodNotFound int16 = -32601
	CodeInvalidParams  int16 = -32602
	CodeInternal       int16 = -32603
)

var (
	// ErrMethodNotFound matches errors returned for methods the remote
	// endpoint has no handler for.
	ErrMethodNotFound = errors.New("rpc: method not found")

	// ErrInvalidParams matches errors returned for params the handler could not decode.
	ErrInvalidParams = errors.New("rpc: invalid params")

	// ErrEndpointClosed is returned by calls made on, or pending in, a closed endpoint.
	ErrEndpointClosed = errors.New("rpc: endpoint closed")
)

// Error is an RPC failure reported by the remote handler. Handlers return
// *Error to choose the code and data sent back to the caller.
type Error struct {
	Code int16
	Data []byte
}

// NewError creates an Error with a text message as data.
func NewError(code int16, format string, args ...any) *Error {
	return &Error{Code: code, Data: fmt.Appendf(nil, format, args...)}
}

func (e *Error) Error() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("rpc: error %d", e.Code)
	}
	return fmt.Sprintf("rpc: error %d: %s", e.Code, e.Data)
}

// Is reports whether e carries the code of target.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrMethodNotFound:
		return e.Code == CodeMethodNotFound
	case ErrInvalidParams:
		return e.Code == CodeInvalidParams
	}
	return false
}

// errorFor turns a handler result into the error sent back to the caller.
func errorFor(err error) *Error {
	var re *Error
	switch {
	case errors.As(err, &re):
		return re
	case errors.Is(err, ErrMethodNotFound):
		return &Error{Code: CodeMethodNotFound}
	case errors.Is(err, ErrInvalidParams):
		return &Error{Code: CodeInvalidParams, Data: []byte(err.Error())}
	default:
		return &Error{Code: CodeInternal, Data: []byte(err.Error())}
	}
}
