package elbus

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN protocol id negotiated on QUIC connections.
const QUICProtocol = "elbus"

// ErrTLSRequired is returned when a transport needs a TLS configuration and none was given.
var ErrTLSRequired = errors.New("elbus: TLS configuration is required")

// QUICConn carries one broker session on a single bidirectional QUIC stream.
type QUICConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

func (c *QUICConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *QUICConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// Close closes the stream and then the connection.
func (c *QUICConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		if err := c.stream.Close(); err != nil {
			c.closeErr = err
		}
		if err := c.conn.CloseWithError(0, ""); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *QUICConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *QUICConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetDeadline sets the read and write deadlines.
func (c *QUICConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *QUICConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *QUICConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// quicTLS returns a copy of cfg with TLS 1.3 and the elbus ALPN protocol set.
func quicTLS(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.MinVersion < tls.VersionTLS13 {
		cfg.MinVersion = tls.VersionTLS13
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{QUICProtocol}
	}
	return cfg
}

// QUICDialer connects to a broker over QUIC.
type QUICDialer struct {
	// TLSConfig is the TLS configuration for the QUIC connection.
	TLSConfig *tls.Config

	// QUICConfig is the QUIC configuration.
	QUICConfig *quic.Config
}

// NewQUICDialer creates a QUIC dialer.
func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	return &QUICDialer{TLSConfig: quicTLS(tlsConfig)}
}

// Dial connects to host:port and accepts the session stream. The broker
// opens the stream since it speaks first.
func (d *QUICDialer) Dial(ctx context.Context, address string) (Conn, error) {
	conn, err := quic.DialAddr(ctx, address, quicTLS(d.TLSConfig), d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream")
		return nil, err
	}
	return &QUICConn{conn: conn, stream: stream}, nil
}

// QUICListener accepts broker sessions over QUIC.
type QUICListener struct {
	listener *quic.Listener
}

// NewQUICListener creates a QUIC listener. QUIC requires TLS 1.3, so
// tlsConfig must carry a server certificate.
func NewQUICListener(addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (*QUICListener, error) {
	if tlsConfig == nil {
		return nil, ErrTLSRequired
	}

	listener, err := quic.ListenAddr(addr, quicTLS(tlsConfig), quicConfig)
	if err != nil {
		return nil, err
	}
	return &QUICListener{listener: listener}, nil
}

// Accept waits for a QUIC connection and opens its session stream.
func (l *QUICListener) Accept(ctx context.Context) (*QUICConn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &QUICConn{conn: conn, stream: stream}, nil
}

// Close closes the QUIC listener.
func (l *QUICListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// NetListener adapts the listener to the Listener interface used by Server.
func (l *QUICListener) NetListener() Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &quicNetListener{quic: l, ctx: ctx, cancel: cancel}
}

type quicNetListener struct {
	quic   *QUICListener
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *quicNetListener) Accept() (net.Conn, error) {
	conn, err := l.quic.Accept(l.ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *quicNetListener) Close() error {
	l.cancel()
	return l.quic.Close()
}

func (l *quicNetListener) Addr() net.Addr {
	return l.quic.Addr()
}
