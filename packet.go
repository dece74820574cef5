package elbus

import "fmt"

// FrameKind identifies a frame delivered from the broker to a client.
type FrameKind byte

// Frame kinds as written on the wire.
const (
	FramePublish   FrameKind = 0x01
	FrameMessage   FrameKind = 0x12
	FrameBroadcast FrameKind = 0x13
	FramePeerGone  FrameKind = 0x21
	FrameAck       FrameKind = 0xFE
)

var frameKindNames = map[FrameKind]string{
	FramePublish:   "publish",
	FrameMessage:   "message",
	FrameBroadcast: "broadcast",
	FramePeerGone:  "peer_gone",
	FrameAck:       "ack",
}

// String returns the frame kind name.
func (k FrameKind) String() string {
	if s, ok := frameKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("FrameKind(0x%02x)", byte(k))
}

// Frame is one unit placed on a client's inbound queue. A frame is shared by
// every target of a fan-out and must not be modified after it was enqueued.
type Frame struct {
	Kind    FrameKind
	Sender  string
	Topic   string
	Payload []byte
	QoS     QoS

	// OpID and Code are set on FrameAck only.
	OpID uint32
	Code ResultCode
}

// Op identifies an operation sent from a client to the broker.
type Op byte

// Client operations. OpNop is encoded as a zero flags byte and acts as a ping.
const (
	OpNop         Op = 0x00
	OpPublish     Op = 0x01
	OpSubscribe   Op = 0x02
	OpUnsubscribe Op = 0x03
	OpMessage     Op = 0x12
	OpBroadcast   Op = 0x13
	OpWatch       Op = 0x20
	OpUnwatch     Op = 0x21
)

var opNames = map[Op]string{
	OpNop:         "nop",
	OpPublish:     "publish",
	OpSubscribe:   "subscribe",
	OpUnsubscribe: "unsubscribe",
	OpMessage:     "message",
	OpBroadcast:   "broadcast",
	OpWatch:       "watch",
	OpUnwatch:     "unwatch",
}

// String returns the op name.
func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Op(0x%02x)", byte(o))
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// OpFrame is one operation request read from a client connection.
type OpFrame struct {
	ID   uint32
	Op   Op
	QoS  QoS
	Body []byte
}

// flags packs the op and QoS into the header flags byte.
func (f *OpFrame) flags() byte {
	return byte(f.Op)&0x3F | byte(f.QoS)<<6
}
