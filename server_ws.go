package elbus

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"
)

// WSHandler returns an HTTP handler that serves WebSocket clients. port is
// reported as the listener of every client it accepts.
func (s *Server) WSHandler(port string) *WSHandler {
	return NewWSHandler(func(conn Conn) {
		s.ServeConn(conn, ClientWS, port)
	})
}

// ServeWS serves WebSocket clients for a ws:// or wss:// address on an HTTP
// server until the broker server is closed. The URL path selects the
// handler route, "/" when empty. wss:// addresses need tlsConfig.
func (s *Server) ServeWS(addr Address, tlsConfig *tls.Config) error {
	if addr.Scheme == "wss" && tlsConfig == nil {
		return ErrTLSRequired
	}
	u, err := url.Parse(addr.Address)
	if err != nil {
		return err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	l, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	if addr.Scheme == "wss" {
		l = tls.NewListener(l, tlsConfig)
	}

	mux := http.NewServeMux()
	mux.Handle(path, s.WSHandler(addr.String()))
	hs := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.timeout)
		defer cancel()
		hs.Shutdown(ctx)
	}()

	s.logger.Info("listening", LogFields{LogFieldListener: addr.String(), LogFieldKind: string(ClientWS)})
	err = hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}
