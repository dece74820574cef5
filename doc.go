// Package elbus implements an IPC broker for named clients exchanging
// one-to-one messages, broadcasts and topic publications.
//
// # Features
//
//   - Client registry with unique names, internal (in-process) and wire clients
//   - Broadcast masks ("group.*", "sensor.?.temp") and topic filters ("plant/+/temp", "plant/#")
//   - Per-client bounded queues with backpressure or drop on overflow
//   - QoS no (fire and forget) and QoS processed (acknowledged once delivered)
//   - Peer watching: watchers are told when a watched client goes away
//   - Transport: UNIX sockets, TCP, TLS, QUIC, WebSocket, WSS
//   - Pluggable interfaces for authentication, authorization, logging and metrics
//
// # Broker
//
// The broker is usable on its own, without any network transport. Internal
// clients register directly and exchange frames through their handles:
//
//	broker := elbus.NewBroker(elbus.WithQueueSize(1024))
//	defer broker.Close()
//
//	h, err := broker.Register("plant1.pump")
//	defer h.Close()
//
//	h.Subscribe(ctx, "plant1/#")
//	n, err := h.Publish(ctx, "plant1/pump/state", []byte("on"), elbus.QoSNo)
//	err = h.Send(ctx, "plant1.valve", []byte("open"), elbus.QoSProcessed)
//
//	f, err := h.Recv(ctx)
//
// Names starting with "." are reserved for the broker. The broker's own
// client is ".broker"; its warnings are published to ".broker/warn".
//
// # Server
//
// Server exposes a broker to wire clients on any number of listeners:
//
//	srv := elbus.NewServer(broker, elbus.WithServerAuth(auth))
//	defer srv.Close()
//
//	l, _ := elbus.NewUnixListener("/run/elbus.sock")
//	go srv.Serve(l, elbus.ClientLocalIPC)
//
// ParseAddress and Listen map address strings ("/run/elbus.sock",
// "127.0.0.1:7777", "tls://host:7778", "quic://host:7779", "ws://host:8080/elbus")
// to listeners. WebSocket endpoints are served with ServeWS or mounted on an
// existing HTTP server with WSHandler.
//
// # Client
//
// Dial connects to a broker and registers under a name:
//
//	c, err := elbus.Dial(ctx, "/run/elbus.sock", "plant1.hmi")
//	defer c.Close()
//
//	err = c.Subscribe(ctx, "plant1/#")
//	err = c.Publish(ctx, "plant1/hmi/alive", nil, elbus.QoSProcessed)
//	f, err := c.Recv(ctx)
//
// Client and ClientHandle share the operations used by the RPC layer in
// extensions/rpc, so the same RPC code runs in process and over the wire.
//
// # Authentication
//
// Implement the Authenticator interface, or use CredentialAuthenticator for
// PBKDF2 credentials keyed by name mask and TLSAuthenticator for client
// certificates:
//
//	auth := elbus.NewCredentialAuthenticator()
//	auth.Set("plant1.*", elbus.ComputeCredential("secret", salt, 0))
//
// # Authorization
//
// Implement the Authorizer interface, or use ACLAuthorizer:
//
//	authz := elbus.NewACLAuthorizer(false,
//	    elbus.ACLRule{Clients: "plant1.*", Targets: "plant1/#", Allow: true},
//	)
//	broker := elbus.NewBroker(elbus.WithAuthorizer(authz))
//
// Internal clients are never restricted by ACLAuthorizer.
//
// # Metrics
//
// Pass a Metrics implementation with WithMetrics. MemoryMetrics keeps values
// in memory; PrometheusMetrics exports them through a Prometheus registry.
package elbus
