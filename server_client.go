package elbus

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// serverConn is one registered wire client: the reader turns operations into
// broker calls and acknowledges processed ones, the writer drains the
// client's queue onto the connection.
type serverConn struct {
	server  *Server
	conn    Conn
	handle  *ClientHandle
	logger  Logger
	limiter *rate.Limiter
	reader  *bufio.Reader

	writeMu sync.Mutex
	writer  *bufio.Writer

	closeOnce sync.Once
}

func newServerConn(s *Server, conn Conn, h *ClientHandle, logger Logger) *serverConn {
	sc := &serverConn{
		server: s,
		conn:   conn,
		handle: h,
		logger: logger,
		reader: bufio.NewReaderSize(conn, s.config.bufSize),
		writer: bufio.NewWriterSize(conn, s.config.bufSize),
	}
	if s.config.opRate != rate.Inf {
		sc.limiter = rate.NewLimiter(s.config.opRate, s.config.opBurst)
	}
	return sc
}

// run serves the connection until either side fails, then deregisters the client.
func (sc *serverConn) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sc.writeLoop(ctx)
		sc.close()
	}()

	err := sc.readLoop(ctx)

	sc.handle.Close()
	sc.close()
	cancel()
	<-writerDone

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (sc *serverConn) close() {
	sc.closeOnce.Do(func() {
		sc.conn.Close()
	})
}

func (sc *serverConn) readLoop(ctx context.Context) error {
	cfg := sc.server.config
	metrics := sc.server.broker.Metrics()

	for {
		op, err := sc.readOp(cfg)
		if err != nil {
			return err
		}
		if op.Op == OpNop {
			continue
		}
		metrics.BytesReceived(opHeaderSize + len(op.Body))

		if sc.limiter != nil {
			if err := sc.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if err := sc.handleOp(ctx, op); err != nil {
			return err
		}
	}
}

// readOp waits for the next header without a deadline and reads the body
// under the server timeout.
func (sc *serverConn) readOp(cfg *serverConfig) (*OpFrame, error) {
	header, err := sc.reader.Peek(opHeaderSize)
	if err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[5:9])
	if header[4] != 0 && size > 0 {
		sc.conn.SetReadDeadline(time.Now().Add(cfg.timeout))
		defer sc.conn.SetReadDeadline(noDeadline)
	}
	return ReadOp(sc.reader, cfg.maxFrameSize)
}

// handleOp runs one operation. Malformed bodies end the connection, broker
// errors are reported in the ACK of processed operations.
func (sc *serverConn) handleOp(ctx context.Context, op *OpFrame) error {
	b := sc.server.broker
	name := sc.handle.Name()

	var err error
	switch op.Op {
	case OpMessage, OpBroadcast, OpPublish:
		target, payload, perr := splitTarget(op.Body)
		if perr != nil {
			return perr
		}
		switch op.Op {
		case OpMessage:
			err = b.SendUnicast(ctx, name, target, payload, op.QoS)
		case OpBroadcast:
			_, err = b.SendBroadcast(ctx, name, target, payload, op.QoS)
		default:
			_, err = b.Publish(ctx, name, target, payload, op.QoS)
		}
	case OpSubscribe:
		err = b.SubscribeBulk(ctx, name, splitList(op.Body))
	case OpUnsubscribe:
		err = b.UnsubscribeBulk(ctx, name, splitList(op.Body))
	case OpWatch:
		for _, target := range splitList(op.Body) {
			if werr := b.Watch(name, target); werr != nil && err == nil {
				err = werr
			}
		}
	case OpUnwatch:
		for _, target := range splitList(op.Body) {
			b.Unwatch(name, target)
		}
	}

	if err != nil {
		sc.logger.Debug("operation failed", LogFields{
			LogFieldOp:    op.Op.String(),
			LogFieldQoS:   op.QoS.String(),
			LogFieldError: err.Error(),
		})
	}
	if op.QoS == QoSProcessed {
		return sc.writeAck(op.ID, ResultCodeFromError(err))
	}
	return nil
}

func (sc *serverConn) writeAck(id uint32, code ResultCode) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	sc.conn.SetWriteDeadline(time.Now().Add(sc.server.config.timeout))
	if err := WriteFrame(sc.writer, &Frame{Kind: FrameAck, OpID: id, Code: code}); err != nil {
		return err
	}
	return sc.writer.Flush()
}

// writeLoop writes queued frames, flushing once the queue is drained.
func (sc *serverConn) writeLoop(ctx context.Context) {
	timeout := sc.server.config.timeout
	for {
		f, err := sc.handle.Recv(ctx)
		if err != nil {
			return
		}

		sc.writeMu.Lock()
		sc.conn.SetWriteDeadline(time.Now().Add(timeout))
		err = WriteFrame(sc.writer, f)
		if err == nil && sc.handle.QueueLen() == 0 {
			err = sc.writer.Flush()
		}
		sc.writeMu.Unlock()

		if err != nil {
			sc.logger.Debug("write failed", LogFields{LogFieldError: err.Error()})
			return
		}
	}
}
