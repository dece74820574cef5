package elbus

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

var (
	ErrServerClosed   = errors.New("elbus: server closed")
	ErrMaxConnections = errors.New("elbus: maximum connections reached")
)

var noDeadline time.Time

// Server attaches stream connections to a Broker: it runs the handshake,
// registers the client and translates wire operations into broker calls.
type Server struct {
	broker *Broker
	config *serverConfig
	logger Logger

	mu        sync.Mutex
	listeners map[Listener]struct{}
	conns     map[*serverConn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server for broker.
func NewServer(broker *Broker, opts ...ServerOption) *Server {
	config := defaultServerConfig()
	for _, opt := range opts {
		opt(config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		broker:    broker,
		config:    config,
		logger:    broker.Logger(),
		listeners: make(map[Listener]struct{}),
		conns:     make(map[*serverConn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Broker returns the broker the server feeds.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Serve accepts connections on l until the server is closed. Clients
// accepted on l are registered with the given kind.
func (s *Server) Serve(l Listener, kind ClientKind) error {
	if !s.trackListener(l) {
		l.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(l)

	port := l.Addr().String()
	s.logger.Info("listening", LogFields{LogFieldListener: port, LogFieldKind: string(kind)})

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept failed", LogFields{LogFieldListener: port, LogFieldError: err.Error()})
			select {
			case <-s.ctx.Done():
				return ErrServerClosed
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if s.config.maxConnections > 0 && s.ConnCount() >= s.config.maxConnections {
			s.logger.Warn("connection rejected", LogFields{
				LogFieldRemoteAddr: conn.RemoteAddr().String(),
				LogFieldError:      ErrMaxConnections.Error(),
			})
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, kind, port)
		}()
	}
}

// ServeConn runs one already accepted connection and blocks until it ends.
func (s *Server) ServeConn(conn Conn, kind ClientKind, port string) {
	if s.ctx.Err() != nil {
		conn.Close()
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(conn, kind, port)
}

// ConnCount returns the number of connections past the handshake.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops all listeners, disconnects every wire client and waits for
// the connection goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	for l := range s.listeners {
		l.Close()
	}
	for sc := range s.conns {
		sc.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) trackListener(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrackListener(l Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *Server) trackConn(sc *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[sc] = struct{}{}
	return true
}

func (s *Server) untrackConn(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
}

func (s *Server) handleConnection(conn Conn, kind ClientKind, port string) {
	defer conn.Close()

	logger := s.logger.WithFields(LogFields{
		LogFieldRemoteAddr: remoteString(conn),
		LogFieldKind:       string(kind),
	})

	h, err := s.handshake(conn, kind, port)
	if err != nil {
		logger.Debug("handshake failed", LogFields{LogFieldError: err.Error()})
		return
	}

	sc := newServerConn(s, conn, h, logger.WithFields(LogFields{LogFieldClient: h.Name()}))
	if !s.trackConn(sc) {
		h.Close()
		return
	}
	defer s.untrackConn(sc)

	logger.Info("client connected", LogFields{LogFieldClient: h.Name()})
	err = sc.run(s.ctx)
	logger.Info("client disconnected", LogFields{LogFieldClient: h.Name(), LogFieldError: errString(err)})
}

// handshake exchanges greetings, reads the client name and registers it.
func (s *Server) handshake(conn Conn, kind ClientKind, port string) (*ClientHandle, error) {
	conn.SetDeadline(time.Now().Add(s.config.timeout))
	defer conn.SetDeadline(noDeadline)

	reply := func(code ResultCode) error {
		_, err := conn.Write([]byte{byte(code)})
		return err
	}

	if err := writeGreeting(conn); err != nil {
		return nil, err
	}
	version, err := readGreeting(conn)
	if err != nil && !errors.Is(err, ErrInvalidGreeting) {
		return nil, err
	}
	if err != nil || version != ProtocolVersion {
		reply(ResultNotSupported)
		return nil, ErrNotSupported
	}
	if err := reply(ResultOK); err != nil {
		return nil, err
	}

	name, credential, err := readName(conn)
	if err != nil {
		return nil, err
	}
	s.broker.Metrics().BytesReceived(2 + len(name) + len(credential))

	if err := ValidateClientName(name); err != nil {
		reply(ResultData)
		return nil, err
	}
	if IsReservedName(name) {
		reply(ResultData)
		return nil, NewClientError(ErrReservedName, name)
	}

	if code := s.authenticate(conn, kind, name, credential); code != ResultOK {
		reply(code)
		return nil, NewClientError(ErrAuthFailed, name)
	}

	h, err := s.broker.Register(name,
		WithHandleKind(kind),
		WithHandleSource(conn.RemoteAddr(), port),
		WithHandleQueueSize(s.config.queueSize),
	)
	if err != nil {
		reply(ResultCodeFromError(err))
		return nil, err
	}
	if err := reply(ResultOK); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (s *Server) authenticate(conn Conn, kind ClientKind, name string, credential []byte) ResultCode {
	cn, verified := tlsIdentity(conn)
	if s.config.tlsRequired && !verified {
		return ResultAccess
	}
	if s.config.auth == nil {
		return ResultOK
	}

	res, err := s.config.auth.Authenticate(s.ctx, &AuthContext{
		Name:          name,
		Credential:    credential,
		Kind:          kind,
		RemoteAddr:    conn.RemoteAddr(),
		LocalAddr:     conn.LocalAddr(),
		TLSCommonName: cn,
		TLSVerified:   verified,
	})
	switch {
	case err != nil || res == nil:
		return ResultAccess
	case res.Success:
		return ResultOK
	case res.Code == 0 || res.Code == ResultOK:
		return ResultAccess
	default:
		return res.Code
	}
}

func remoteString(conn Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
