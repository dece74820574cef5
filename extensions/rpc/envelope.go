package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Kind is the first byte of an RPC envelope.
type Kind byte

const (
	KindNotification Kind = 0x00
	KindRequest      Kind = 0x01
	KindReply        Kind = 0x11
	KindError        Kind = 0x12
)

func (k Kind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrBadEnvelope is returned for message payloads that are not RPC envelopes.
var ErrBadEnvelope = errors.New("rpc: malformed envelope")

// Envelope is a decoded RPC message.
type Envelope struct {
	Kind   Kind
	ID     uint32
	Method string
	Code   int16
	// Data is the notification payload, the request params, the reply
	// result or the error data, depending on Kind.
	Data []byte
}

// AppendEnvelope appends the encoded envelope to dst.
//
//	notification: kind data
//	request:      kind id(u32 LE) method 0x00 params
//	reply:        kind id(u32 LE) result
//	error:        kind id(u32 LE) code(i16 LE) data
func AppendEnvelope(dst []byte, e *Envelope) []byte {
	dst = append(dst, byte(e.Kind))
	switch e.Kind {
	case KindNotification:
	case KindRequest:
		dst = binary.LittleEndian.AppendUint32(dst, e.ID)
		dst = append(dst, e.Method...)
		dst = append(dst, 0)
	case KindReply:
		dst = binary.LittleEndian.AppendUint32(dst, e.ID)
	case KindError:
		dst = binary.LittleEndian.AppendUint32(dst, e.ID)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(e.Code))
	}
	return append(dst, e.Data...)
}

// EncodeEnvelope returns the wire form of e.
func EncodeEnvelope(e *Envelope) []byte {
	return AppendEnvelope(make([]byte, 0, envelopeSize(e)), e)
}

func envelopeSize(e *Envelope) int {
	n := 1 + len(e.Data)
	switch e.Kind {
	case KindRequest:
		n += 4 + len(e.Method) + 1
	case KindReply:
		n += 4
	case KindError:
		n += 6
	}
	return n
}

// DecodeEnvelope parses an RPC envelope. Data aliases buf.
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	if len(buf) == 0 {
		return nil, ErrBadEnvelope
	}
	e := &Envelope{Kind: Kind(buf[0])}
	rest := buf[1:]

	switch e.Kind {
	case KindNotification:
		e.Data = rest
		return e, nil
	case KindRequest, KindReply, KindError:
	default:
		return nil, ErrBadEnvelope
	}

	if len(rest) < 4 {
		return nil, ErrBadEnvelope
	}
	e.ID = binary.LittleEndian.Uint32(rest)
	rest = rest[4:]

	switch e.Kind {
	case KindRequest:
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			return nil, ErrBadEnvelope
		}
		e.Method = string(rest[:i])
		e.Data = rest[i+1:]
	case KindReply:
		e.Data = rest
	case KindError:
		if len(rest) < 2 {
			return nil, ErrBadEnvelope
		}
		e.Code = int16(binary.LittleEndian.Uint16(rest))
		e.Data = rest[2:]
	}
	return e, nil
}
