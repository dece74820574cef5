package elbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
)

// Protocol constants shared with all language bindings.
const (
	Greeting        byte   = 0xEB
	ProtocolVersion uint16 = 1

	opHeaderSize    = 9
	frameHeaderSize = 6
	ackFrameSize    = 6
)

var (
	ErrFrameTooLarge   = errors.New("elbus: frame exceeds maximum size")
	ErrUnknownOp       = errors.New("elbus: unknown operation")
	ErrUnknownFrame    = errors.New("elbus: unknown frame kind")
	ErrBrokenFrame     = errors.New("elbus: broken frame")
	ErrInvalidGreeting = errors.New("elbus: invalid greeting")
)

// writeGreeting writes the server greeting: magic byte and protocol version.
func writeGreeting(w io.Writer) error {
	var buf [3]byte
	buf[0] = Greeting
	binary.LittleEndian.PutUint16(buf[1:], ProtocolVersion)
	_, err := w.Write(buf[:])
	return err
}

// readGreeting reads a greeting and checks the magic byte.
func readGreeting(r io.Reader) (uint16, error) {
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	if buf[0] != Greeting {
		return 0, ErrInvalidGreeting
	}
	return binary.LittleEndian.Uint16(buf[1:]), nil
}

// writeName writes the registration frame: u16 length followed by the name
// and, when present, a NUL byte and the credential.
func writeName(w io.Writer, name string, credential []byte) error {
	size := len(name)
	if len(credential) > 0 {
		size += 1 + len(credential)
	}
	if size > 0xFFFF {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 2, 2+size)
	binary.LittleEndian.PutUint16(buf, uint16(size))
	buf = append(buf, name...)
	if len(credential) > 0 {
		buf = append(buf, 0)
		buf = append(buf, credential...)
	}
	_, err := w.Write(buf)
	return err
}

// readName reads the registration frame written by writeName.
func readName(r io.Reader) (string, []byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", nil, err
	}
	name, credential, _ := bytes.Cut(buf, []byte{0})
	return string(name), credential, nil
}

// ReadOp reads one operation from a client connection.
// If maxSize is greater than 0, bodies larger than maxSize return ErrFrameTooLarge.
func ReadOp(r io.Reader, maxSize uint32) (*OpFrame, error) {
	var header [opHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	flags := header[4]
	if flags == 0 {
		return &OpFrame{Op: OpNop}, nil
	}

	f := &OpFrame{
		ID:  binary.LittleEndian.Uint32(header[0:4]),
		Op:  Op(flags & 0x3F),
		QoS: QoS(flags >> 6),
	}
	if !f.Op.Valid() {
		return nil, ErrUnknownOp
	}
	if !f.QoS.Valid() {
		return nil, ErrInvalidQoS
	}

	size := binary.LittleEndian.Uint32(header[5:9])
	if maxSize > 0 && size > maxSize {
		return nil, ErrFrameTooLarge
	}
	f.Body = make([]byte, size)
	if _, err := io.ReadFull(r, f.Body); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteOp writes one operation to the broker.
func WriteOp(w io.Writer, f *OpFrame) error {
	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	var header [opHeaderSize]byte
	if f.Op != OpNop {
		binary.LittleEndian.PutUint32(header[0:4], f.ID)
		header[4] = f.flags()
		binary.LittleEndian.PutUint32(header[5:9], uint32(len(f.Body)))
	}
	buf.Write(header[:])
	buf.Write(f.Body)

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteFrame writes a broker-to-client frame.
func WriteFrame(w io.Writer, f *Frame) error {
	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	if f.Kind == FrameAck {
		var ack [ackFrameSize]byte
		ack[0] = byte(FrameAck)
		binary.LittleEndian.PutUint32(ack[1:5], f.OpID)
		ack[5] = byte(f.Code)
		_, err := w.Write(ack[:])
		return err
	}

	size := len(f.Sender) + 1 + len(f.Payload)
	if f.Kind == FramePublish {
		size += len(f.Topic) + 1
	}

	var header [frameHeaderSize]byte
	header[0] = byte(f.Kind)
	binary.LittleEndian.PutUint32(header[1:5], uint32(size))
	header[5] = byte(f.QoS)
	buf.Write(header[:])
	buf.WriteString(f.Sender)
	buf.WriteByte(0)
	if f.Kind == FramePublish {
		buf.WriteString(f.Topic)
		buf.WriteByte(0)
	}
	buf.Write(f.Payload)

	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads a broker-to-client frame.
// If maxSize is greater than 0, frames larger than maxSize return ErrFrameTooLarge.
func ReadFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return nil, err
	}

	f := &Frame{Kind: FrameKind(kind[0])}
	switch f.Kind {
	case FrameAck:
		var rest [ackFrameSize - 1]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return nil, err
		}
		f.OpID = binary.LittleEndian.Uint32(rest[0:4])
		f.Code = ResultCode(rest[4])
		return f, nil
	case FrameMessage, FrameBroadcast, FramePublish, FramePeerGone:
	default:
		return nil, ErrUnknownFrame
	}

	var header [frameHeaderSize - 1]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	if maxSize > 0 && size > maxSize {
		return nil, ErrFrameTooLarge
	}
	f.QoS = QoS(header[4])
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	sender, rest, ok := bytes.Cut(body, []byte{0})
	if !ok {
		return nil, ErrBrokenFrame
	}
	f.Sender = string(sender)
	if f.Kind == FramePublish {
		topic, payload, ok := bytes.Cut(rest, []byte{0})
		if !ok {
			return nil, ErrBrokenFrame
		}
		f.Topic = string(topic)
		rest = payload
	}
	f.Payload = rest
	return f, nil
}

// splitTarget splits a "target\0payload" body.
func splitTarget(body []byte) (string, []byte, error) {
	target, payload, ok := bytes.Cut(body, []byte{0})
	if !ok {
		return "", nil, ErrBrokenFrame
	}
	return string(target), payload, nil
}

// joinTarget builds a "target\0payload" body.
func joinTarget(target string, payload []byte) []byte {
	body := make([]byte, 0, len(target)+1+len(payload))
	body = append(body, target...)
	body = append(body, 0)
	return append(body, payload...)
}

// splitList splits a NUL separated list, skipping empty items.
func splitList(body []byte) []string {
	var out []string
	for _, item := range bytes.Split(body, []byte{0}) {
		if len(item) > 0 {
			out = append(out, string(item))
		}
	}
	return out
}

// joinList builds a NUL separated list.
func joinList(items []string) []byte {
	return []byte(strings.Join(items, "\x00"))
}
