package elbus

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a wire connection to a broker, registered under one name.
// Processed operations wait for the broker ACK; received frames are read
// with Recv.
type Client struct {
	name    string
	conn    Conn
	options *clientOptions
	logger  Logger

	reader *bufio.Reader

	writeMu   sync.Mutex
	writer    *bufio.Writer
	lastWrite atomic.Int64

	ops       *opIDManager
	pendingMu sync.Mutex
	pending   map[uint32]chan ResultCode

	inbox chan *Frame

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	wg        sync.WaitGroup
}

// Dial connects to the broker at address and registers as name.
// See ParseAddress for the accepted address forms.
func Dial(ctx context.Context, address, name string, opts ...ClientOption) (*Client, error) {
	options := defaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}

	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	conn, err := dialAddress(ctx, addr, options)
	if err != nil {
		return nil, fmt.Errorf("elbus: dial %s: %w", address, err)
	}
	return connect(ctx, conn, name, options)
}

// NewClient runs the handshake on an established connection and registers
// as name. The client owns conn afterwards.
func NewClient(ctx context.Context, conn Conn, name string, opts ...ClientOption) (*Client, error) {
	options := defaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	return connect(ctx, conn, name, options)
}

func connect(ctx context.Context, conn Conn, name string, options *clientOptions) (*Client, error) {
	c := &Client{
		name:    name,
		conn:    conn,
		options: options,
		logger:  options.logger.WithFields(LogFields{LogFieldClient: name}),
		reader:  bufio.NewReaderSize(conn, options.bufSize),
		writer:  bufio.NewWriterSize(conn, options.bufSize),
		ops:     newOpIDManager(),
		pending: make(map[uint32]chan ResultCode),
		inbox:   make(chan *Frame, options.inboxSize),
		done:    make(chan struct{}),
	}

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	c.lastWrite.Store(time.Now().UnixNano())

	c.wg.Add(1)
	go c.readLoop()
	if options.pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(options.pingInterval)
	}
	return c, nil
}

func dialAddress(ctx context.Context, addr Address, o *clientOptions) (Conn, error) {
	if o.dialer != nil {
		return o.dialer.Dial(ctx, addr.Address)
	}

	switch addr.Scheme {
	case "unix":
		return NewUnixDialer().Dial(ctx, addr.Address)
	case "quic":
		return NewQUICDialer(o.tlsConfig).Dial(ctx, addr.Address)
	case "ws", "wss":
		d := NewWSDialer()
		d.Dialer.TLSClientConfig = o.tlsConfig
		if pd, err := resolveProxy(addr, o); err != nil {
			return nil, err
		} else if pd != nil {
			d.SetProxy(pd.URL())
		}
		return d.Dial(ctx, addr.Address)
	case "tcp", "tls":
	default:
		return nil, fmt.Errorf("elbus: cannot dial %s address", addr.Scheme)
	}

	pd, err := resolveProxy(addr, o)
	if err != nil {
		return nil, err
	}
	if pd == nil {
		if addr.Scheme == "tls" {
			return (&TLSDialer{Config: o.tlsConfig}).Dial(ctx, addr.Address)
		}
		return (&TCPDialer{}).Dial(ctx, addr.Address)
	}

	conn, err := pd.DialContext(ctx, "tcp", addr.Address)
	if err != nil || addr.Scheme == "tcp" {
		return conn, err
	}
	cfg := o.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

func resolveProxy(addr Address, o *clientOptions) (*ProxyDialer, error) {
	if o.proxyConfig != nil {
		return NewProxyDialer(o.proxyConfig.URL, o.proxyConfig.Username, o.proxyConfig.Password)
	}
	if !o.proxyFromEnv {
		return nil, nil
	}
	u, err := ProxyFromEnvironment(addr)
	if err != nil || u == nil {
		return nil, err
	}
	return NewProxyDialer(u.String(), "", "")
}

// handshake checks the broker greeting, echoes it and registers the name.
func (c *Client) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Now().Add(c.options.timeout))
	}
	defer c.conn.SetDeadline(noDeadline)

	version, err := readGreeting(c.reader)
	if err != nil {
		return err
	}
	if version != ProtocolVersion {
		return fmt.Errorf("%w: protocol version %d", ErrNotSupported, version)
	}
	if err := writeGreeting(c.conn); err != nil {
		return err
	}
	if err := c.readCode(); err != nil {
		return err
	}

	if err := writeName(c.conn, c.name, c.options.credential); err != nil {
		return err
	}
	if err := c.readCode(); err != nil {
		return NewClientError(err, c.name)
	}
	return nil
}

// readCode reads a one-byte handshake reply.
func (c *Client) readCode() error {
	b, err := c.reader.ReadByte()
	if err != nil {
		return err
	}
	switch code := ResultCode(b); code {
	case ResultOK:
		return nil
	case ResultAccess:
		return ErrAuthFailed
	case ResultData:
		return ErrMalformedPath
	default:
		return code.Err()
	}
}

// Name returns the registered client name.
func (c *Client) Name() string {
	return c.name
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send delivers payload to one client.
func (c *Client) Send(ctx context.Context, target string, payload []byte, qos QoS) error {
	return c.do(ctx, OpMessage, qos, joinTarget(target, payload), target)
}

// SendBroadcast delivers payload to every client matching mask.
func (c *Client) SendBroadcast(ctx context.Context, mask string, payload []byte, qos QoS) error {
	return c.do(ctx, OpBroadcast, qos, joinTarget(mask, payload), mask)
}

// Publish delivers payload to the subscribers of topic.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos QoS) error {
	return c.do(ctx, OpPublish, qos, joinTarget(topic, payload), topic)
}

// Subscribe adds topic subscriptions and waits for the broker to apply them.
func (c *Client) Subscribe(ctx context.Context, filters ...string) error {
	return c.do(ctx, OpSubscribe, QoSProcessed, joinList(filters), "")
}

// Unsubscribe removes topic subscriptions.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	return c.do(ctx, OpUnsubscribe, QoSProcessed, joinList(filters), "")
}

// Watch requests a FramePeerGone frame when target deregisters.
func (c *Client) Watch(ctx context.Context, target string) error {
	return c.do(ctx, OpWatch, QoSProcessed, []byte(target), target)
}

// Unwatch releases a watch taken with Watch.
func (c *Client) Unwatch(ctx context.Context, target string) error {
	return c.do(ctx, OpUnwatch, QoSNo, []byte(target), target)
}

// Ping sends a NOP frame.
func (c *Client) Ping(context.Context) error {
	return c.write(&OpFrame{Op: OpNop})
}

// Recv returns the next frame received from the broker.
func (c *Client) Recv(ctx context.Context) (*Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}

	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the connection. The broker deregisters the client.
func (c *Client) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// do sends one operation. Processed operations wait for the ACK and turn
// its result code into an error.
func (c *Client) do(ctx context.Context, op Op, qos QoS, body []byte, target string) error {
	if qos != QoSProcessed {
		return c.write(&OpFrame{Op: op, QoS: qos, Body: body})
	}

	id, err := c.ops.Allocate()
	if err != nil {
		return err
	}
	ch := make(chan ResultCode, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		c.ops.Release(id)
	}()

	if err := c.write(&OpFrame{ID: id, Op: op, QoS: qos, Body: body}); err != nil {
		return err
	}

	timer := time.NewTimer(c.options.timeout)
	defer timer.Stop()

	select {
	case code := <-ch:
		if code == ResultOK {
			return nil
		}
		return NewDeliveryError(target, code)
	case <-timer.C:
		return NewDeliveryError(target, ResultTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) write(f *OpFrame) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.options.timeout))
	err := WriteOp(c.writer, f)
	if err == nil {
		err = c.writer.Flush()
	}
	if err != nil {
		c.shutdown(err)
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		f, err := ReadFrame(c.reader, c.options.maxFrameSize)
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					c.logger.Debug("read failed", LogFields{LogFieldError: err.Error()})
				}
			}
			c.shutdown(err)
			return
		}

		if f.Kind == FrameAck {
			c.resolve(f.OpID, f.Code)
			continue
		}

		select {
		case c.inbox <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) resolve(id uint32, code ResultCode) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- code:
		default:
		}
	}
}

// pingLoop keeps idle connections alive through NAT and proxies.
func (c *Client) pingLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, c.lastWrite.Load()))
			if idle < interval {
				continue
			}
			if err := c.write(&OpFrame{Op: OpNop}); err != nil {
				return
			}
		}
	}
}
