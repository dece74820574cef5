package elbus

import (
	"time"

	"golang.org/x/time/rate"
)

// Server defaults.
const (
	DefaultBufSize      = 16384
	DefaultMaxFrameSize = 64 << 20
)

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	auth           Authenticator
	maxFrameSize   uint32
	maxConnections int
	timeout        time.Duration
	bufSize        int
	queueSize      int
	opRate         rate.Limit
	opBurst        int
	tlsRequired    bool
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		maxFrameSize: DefaultMaxFrameSize,
		timeout:      DefaultTimeout,
		bufSize:      DefaultBufSize,
		opRate:       rate.Inf,
	}
}

// WithServerAuth sets the authenticator consulted at registration.
func WithServerAuth(auth Authenticator) ServerOption {
	return func(c *serverConfig) {
		c.auth = auth
	}
}

// WithMaxFrameSize sets the largest operation body accepted from clients.
func WithMaxFrameSize(size uint32) ServerOption {
	return func(c *serverConfig) {
		c.maxFrameSize = size
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
// 0 means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxConnections = n
	}
}

// WithServerTimeout sets the handshake, body read and write timeout.
func WithServerTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBufSize sets the per-connection read and write buffer size.
func WithBufSize(n int) ServerOption {
	return func(c *serverConfig) {
		if n > 0 {
			c.bufSize = n
		}
	}
}

// WithClientQueueSize overrides the broker queue size for wire clients.
func WithClientQueueSize(n int) ServerOption {
	return func(c *serverConfig) {
		c.queueSize = n
	}
}

// WithOpRate limits the operations each connection may issue per second.
func WithOpRate(limit rate.Limit, burst int) ServerOption {
	return func(c *serverConfig) {
		c.opRate = limit
		c.opBurst = burst
	}
}

// WithTLSRequired rejects registrations from connections without a verified
// client certificate.
func WithTLSRequired(required bool) ServerOption {
	return func(c *serverConfig) {
		c.tlsRequired = required
	}
}
