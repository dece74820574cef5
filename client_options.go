package elbus

import (
	"crypto/tls"
	"time"
)

// DefaultClientTimeout is how long a wire client waits for the broker to
// acknowledge a processed operation.
const DefaultClientTimeout = 5 * time.Second

// ClientOption configures a wire Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	credential   []byte
	tlsConfig    *tls.Config
	dialer       Dialer
	proxyConfig  *ProxyConfig
	proxyFromEnv bool
	timeout      time.Duration
	pingInterval time.Duration
	bufSize      int
	inboxSize    int
	maxFrameSize uint32
	logger       Logger
}

func defaultClientOptions() *clientOptions {
	return &clientOptions{
		timeout:   DefaultClientTimeout,
		bufSize:   DefaultBufSize,
		inboxSize: DefaultQueueSize,
		logger:    NewNoOpLogger(),
	}
}

// WithCredential sends a credential with the registration.
func WithCredential(credential []byte) ClientOption {
	return func(o *clientOptions) {
		o.credential = credential
	}
}

// WithTLS sets the TLS configuration for tls://, quic:// and wss:// addresses.
func WithTLS(config *tls.Config) ClientOption {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithDialer replaces the dialer selected from the address scheme.
func WithDialer(d Dialer) ClientOption {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithProxy dials TCP and TLS addresses through a proxy.
func WithProxy(config ProxyConfig) ClientOption {
	return func(o *clientOptions) {
		o.proxyConfig = &config
	}
}

// WithProxyFromEnvironment picks the proxy from the *_PROXY environment variables.
func WithProxyFromEnvironment() ClientOption {
	return func(o *clientOptions) {
		o.proxyFromEnv = true
	}
}

// WithClientTimeout sets how long processed operations wait for their ACK.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPingInterval sends a NOP frame when the connection was idle for d.
// Zero disables pings.
func WithPingInterval(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.pingInterval = d
	}
}

// WithClientBufSize sets the read and write buffer size.
func WithClientBufSize(n int) ClientOption {
	return func(o *clientOptions) {
		if n > 0 {
			o.bufSize = n
		}
	}
}

// WithInboxSize sets how many received frames are buffered before the
// reader stops reading from the connection.
func WithInboxSize(n int) ClientOption {
	return func(o *clientOptions) {
		if n > 0 {
			o.inboxSize = n
		}
	}
}

// WithClientMaxFrameSize sets the largest frame accepted from the broker.
// Zero means no limit.
func WithClientMaxFrameSize(size uint32) ClientOption {
	return func(o *clientOptions) {
		o.maxFrameSize = size
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger Logger) ClientOption {
	return func(o *clientOptions) {
		if logger == nil {
			logger = NewNoOpLogger()
		}
		o.logger = logger
	}
}
