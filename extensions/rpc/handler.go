package rpc

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vitalvas/elbus"
)

// Request is an inbound call.
type Request struct {
	// ID is zero for calls that expect no reply.
	ID     uint32
	Sender string
	Method string
	Params []byte
}

// Decode unmarshals CBOR params into v. Failures match ErrInvalidParams.
func (r *Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := cbor.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Handler answers calls for one method.
type Handler interface {
	ServeRPC(ctx context.Context, req *Request) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

// ServeRPC calls f(ctx, req).
func (f HandlerFunc) ServeRPC(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// Notification is an inbound notification.
type Notification struct {
	Sender  string
	Payload []byte
}

// NotificationHandler receives notifications.
type NotificationHandler func(ctx context.Context, n *Notification)

// FrameHandler receives frames that are not RPC messages: broadcasts,
// publications and messages that do not parse as envelopes.
type FrameHandler func(ctx context.Context, f *elbus.Frame)

// Marshal encodes v as CBOR params or result.
func Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// Unmarshal decodes a CBOR result.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// TypedHandler wraps fn as a Handler that decodes CBOR params into In and
// encodes the returned Out as the CBOR result.
func TypedHandler[In, Out any](fn func(ctx context.Context, sender string, in In) (Out, error)) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) ([]byte, error) {
		var in In
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		out, err := fn(ctx, req.Sender, in)
		if err != nil {
			return nil, err
		}
		return cbor.Marshal(out)
	})
}
