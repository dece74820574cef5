package elbus

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
)

// UnixDialer connects to a broker over a UNIX domain socket.
type UnixDialer struct{}

// NewUnixDialer creates a new UNIX socket dialer.
func NewUnixDialer() *UnixDialer {
	return &UnixDialer{}
}

// Dial connects to the socket at the given path.
func (d *UnixDialer) Dial(ctx context.Context, address string) (Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", address)
}

// UnixListener listens for broker connections on a UNIX domain socket.
type UnixListener struct {
	listener *net.UnixListener
	path     string
}

// NewUnixListener creates a UNIX socket listener. A stale socket file left
// behind by a previous broker is removed first.
func NewUnixListener(path string) (*UnixListener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&fs.ModeSocket != 0 {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return nil, &net.OpError{Op: "listen", Net: "unix", Err: errors.New("socket in use")}
		}
		os.Remove(path)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	listener.SetUnlinkOnClose(true)
	return &UnixListener{
		listener: listener,
		path:     path,
	}, nil
}

// Accept waits for and returns the next connection.
func (l *UnixListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Close closes the listener and removes the socket file.
func (l *UnixListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *UnixListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Path returns the socket file path.
func (l *UnixListener) Path() string {
	return l.path
}
