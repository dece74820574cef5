package elbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Conn is a byte stream between a client and the broker.
type Conn interface {
	net.Conn
}

// Listener accepts incoming broker connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept() (net.Conn, error)

	// Close closes the listener.
	Close() error

	// Addr returns the listener's network address.
	Addr() net.Addr
}

// Dialer establishes connections to a broker.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (Conn, error)
}

// TCPListener wraps net.Listener for TCP connections.
type TCPListener struct {
	listener net.Listener
}

// NewTCPListener creates a new TCP listener on the given address.
func NewTCPListener(address string) (*TCPListener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: l}, nil
}

// Accept waits for and returns the next connection. Nagle's algorithm is
// disabled since frames are small and latency sensitive.
func (l *TCPListener) Accept() (net.Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// Close closes the listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// TCPDialer connects to a broker over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	var dialer net.Dialer
	if d.Timeout > 0 {
		dialer.Timeout = d.Timeout
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSListener wraps net.Listener for TLS connections.
type TLSListener struct {
	listener net.Listener
}

// NewTLSListener creates a new TLS listener on the given address.
func NewTLSListener(address string, config *tls.Config) (*TLSListener, error) {
	l, err := tls.Listen("tcp", address, config)
	if err != nil {
		return nil, err
	}
	return &TLSListener{listener: l}, nil
}

// Accept waits for and returns the next connection.
func (l *TLSListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Close closes the listener.
func (l *TLSListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *TLSListener) Addr() net.Addr {
	return l.listener.Addr()
}

// TLSDialer connects to a broker over TLS.
type TLSDialer struct {
	// Config is the TLS configuration.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TLSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{
			Timeout: d.Timeout,
		},
		Config: d.Config,
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// Address is a parsed broker address.
type Address struct {
	// Scheme is one of unix, tcp, tls, quic, ws, wss or fifo.
	Scheme string

	// Address is the socket path, host:port, or the full URL for WebSocket.
	Address string
}

// Kind returns the client kind of connections accepted on the endpoint.
func (a Address) Kind() ClientKind {
	switch a.Scheme {
	case "unix", "fifo":
		return ClientLocalIPC
	case "quic":
		return ClientQUIC
	case "ws", "wss":
		return ClientWS
	default:
		return ClientTCP
	}
}

// String returns the address in the form accepted by ParseAddress.
func (a Address) String() string {
	switch a.Scheme {
	case "unix", "tcp":
		return a.Address
	case "ws", "wss":
		return a.Address
	case "fifo":
		return "fifo:" + a.Address
	default:
		return a.Scheme + "://" + a.Address
	}
}

// ParseAddress parses a broker address. Paths ending in .sock, .socket or
// .ipc, or starting with "/", are UNIX sockets; "fifo:" prefixes a named
// pipe; tls://, quic://, ws:// and wss:// select those transports; anything
// else is a TCP host:port.
func ParseAddress(addr string) (Address, error) {
	switch {
	case addr == "":
		return Address{}, fmt.Errorf("elbus: empty address")
	case strings.HasPrefix(addr, "fifo:"):
		return Address{Scheme: "fifo", Address: strings.TrimPrefix(addr, "fifo:")}, nil
	case strings.HasPrefix(addr, "unix://"):
		return Address{Scheme: "unix", Address: strings.TrimPrefix(addr, "unix://")}, nil
	case strings.HasPrefix(addr, "/"),
		strings.HasSuffix(addr, ".sock"),
		strings.HasSuffix(addr, ".socket"),
		strings.HasSuffix(addr, ".ipc"):
		return Address{Scheme: "unix", Address: addr}, nil
	case !strings.Contains(addr, "://"):
		return Address{Scheme: "tcp", Address: addr}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return Address{}, fmt.Errorf("elbus: invalid address: %w", err)
	}
	switch u.Scheme {
	case "tcp", "tls", "quic":
		if u.Host == "" {
			return Address{}, fmt.Errorf("elbus: missing host in %s", addr)
		}
		return Address{Scheme: u.Scheme, Address: u.Host}, nil
	case "ws", "wss":
		return Address{Scheme: u.Scheme, Address: addr}, nil
	default:
		return Address{}, fmt.Errorf("elbus: unsupported scheme: %s", u.Scheme)
	}
}

// Listen opens a listener for a stream endpoint. TLS and QUIC endpoints need
// tlsConfig. WebSocket and fifo endpoints are served by WSHandler and the
// fifo extension instead.
func Listen(addr Address, tlsConfig *tls.Config) (Listener, error) {
	switch addr.Scheme {
	case "unix":
		return NewUnixListener(addr.Address)
	case "tcp":
		return NewTCPListener(addr.Address)
	case "tls":
		if tlsConfig == nil {
			return nil, ErrTLSRequired
		}
		return NewTLSListener(addr.Address, tlsConfig)
	case "quic":
		l, err := NewQUICListener(addr.Address, tlsConfig, nil)
		if err != nil {
			return nil, err
		}
		return l.NetListener(), nil
	default:
		return nil, fmt.Errorf("elbus: %s endpoints cannot be listened on directly", addr.Scheme)
	}
}
