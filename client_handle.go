package elbus

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ClientKind tells how a client is attached to the broker.
type ClientKind string

// Client kinds reported by list_clients and used by authorizers.
const (
	ClientInternal ClientKind = "internal"
	ClientLocalIPC ClientKind = "local_ipc"
	ClientTCP      ClientKind = "tcp"
	ClientQUIC     ClientKind = "quic"
	ClientWS       ClientKind = "ws"
)

// HandleOption configures a ClientHandle at registration.
type HandleOption func(*ClientHandle)

// WithHandleKind sets the client kind.
func WithHandleKind(kind ClientKind) HandleOption {
	return func(h *ClientHandle) {
		h.kind = kind
	}
}

// WithHandleSource records where the client connected from and the listener it used.
func WithHandleSource(remote net.Addr, port string) HandleOption {
	return func(h *ClientHandle) {
		h.remoteAddr = remote
		if remote != nil {
			h.source = remote.String()
		}
		h.port = port
	}
}

// WithHandleQueueSize overrides the broker default queue capacity for this client.
func WithHandleQueueSize(n int) HandleOption {
	return func(h *ClientHandle) {
		if n > 0 {
			h.queue = make(chan *Frame, n)
		}
	}
}

// ClientHandle is the runtime state of one registered client. It also serves
// as the registration token: Close deregisters exactly this registration.
type ClientHandle struct {
	name       string
	kind       ClientKind
	source     string
	port       string
	remoteAddr net.Addr
	broker     *Broker
	registered time.Time

	queue     chan *Frame
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	goneMu sync.Mutex
	gone   []string
	ctrl   chan struct{}

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

func newClientHandle(b *Broker, name string, queueSize int, opts ...HandleOption) *ClientHandle {
	h := &ClientHandle{
		name:       name,
		kind:       ClientInternal,
		broker:     b,
		registered: time.Now(),
		queue:      make(chan *Frame, queueSize),
		done:       make(chan struct{}),
		ctrl:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.connected.Store(true)
	return h
}

// Name returns the client identity.
func (h *ClientHandle) Name() string {
	return h.name
}

// Kind returns how the client is attached.
func (h *ClientHandle) Kind() ClientKind {
	return h.kind
}

// Source returns the remote address the client connected from, if any.
func (h *ClientHandle) Source() string {
	return h.source
}

// Port returns the listener the client connected through, if any.
func (h *ClientHandle) Port() string {
	return h.port
}

// RemoteAddr returns the remote address of a wire client, nil for in-process clients.
func (h *ClientHandle) RemoteAddr() net.Addr {
	return h.remoteAddr
}

// Connected reports whether the handle is still registered.
func (h *ClientHandle) Connected() bool {
	return h.connected.Load()
}

// Done is closed when the handle is deregistered.
func (h *ClientHandle) Done() <-chan struct{} {
	return h.done
}

// QueueLen returns the number of frames waiting in the inbound queue.
func (h *ClientHandle) QueueLen() int {
	return len(h.queue)
}

// QueueCap returns the capacity of the inbound queue.
func (h *ClientHandle) QueueCap() int {
	return cap(h.queue)
}

// Stats returns the number of frames enqueued to and dropped for this client.
func (h *ClientHandle) Stats() (enqueued, dropped uint64) {
	return h.enqueued.Load(), h.dropped.Load()
}

// Close deregisters this handle. Closing a handle that was already
// deregistered, or whose name was since taken by another registration, is a no-op.
func (h *ClientHandle) Close() error {
	if h.broker != nil {
		h.broker.deregisterHandle(h)
	} else {
		h.shutdown()
	}
	return nil
}

// shutdown marks the handle dead and wakes up readers and blocked writers.
func (h *ClientHandle) shutdown() bool {
	if !h.connected.CompareAndSwap(true, false) {
		return false
	}
	h.closeOnce.Do(func() {
		close(h.done)
	})
	return true
}

// enqueue places f on the inbound queue. With QoSNo a full queue drops the
// frame with ErrBackpressure; with QoSProcessed it waits for space until the
// timeout or ctx ends, then fails with ErrTimeout.
func (h *ClientHandle) enqueue(ctx context.Context, f *Frame, qos QoS, timeout time.Duration) error {
	if ok, err := h.tryEnqueue(f); ok || err != nil {
		return err
	}

	if qos == QoSNo {
		h.dropped.Add(1)
		return NewClientError(ErrBackpressure, h.name)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h.queue <- f:
		h.enqueued.Add(1)
		return nil
	case <-h.done:
		return NewClientError(ErrNoSuchClient, h.name)
	case <-ctx.Done():
		h.dropped.Add(1)
		return NewClientError(ErrTimeout, h.name)
	case <-timer.C:
		h.dropped.Add(1)
		return NewClientError(ErrTimeout, h.name)
	}
}

// tryEnqueue places f on the queue without waiting. It reports false with a
// nil error when the queue is full.
func (h *ClientHandle) tryEnqueue(f *Frame) (bool, error) {
	if !h.connected.Load() {
		return false, NewClientError(ErrNoSuchClient, h.name)
	}

	select {
	case <-h.done:
		return false, NewClientError(ErrNoSuchClient, h.name)
	default:
	}

	select {
	case h.queue <- f:
		h.enqueued.Add(1)
		return true, nil
	default:
		return false, nil
	}
}

// dropGone discards queued peer-gone notices for peer.
func (h *ClientHandle) dropGone(peer string) {
	h.goneMu.Lock()
	defer h.goneMu.Unlock()

	kept := h.gone[:0]
	for _, p := range h.gone {
		if p != peer {
			kept = append(kept, p)
		}
	}
	h.gone = kept
}

// notifyGone records that a watched peer deregistered. Notices bypass the
// queue capacity and are never dropped.
func (h *ClientHandle) notifyGone(peer string) {
	h.goneMu.Lock()
	h.gone = append(h.gone, peer)
	h.goneMu.Unlock()

	select {
	case h.ctrl <- struct{}{}:
	default:
	}
}

func (h *ClientHandle) popGone() *Frame {
	h.goneMu.Lock()
	defer h.goneMu.Unlock()

	if len(h.gone) == 0 {
		return nil
	}
	peer := h.gone[0]
	h.gone = h.gone[1:]
	return &Frame{Kind: FramePeerGone, Sender: peer}
}

// Recv returns the next inbound frame. Queued frames are returned before
// peer-gone notices, so a reply enqueued before its sender left is not lost.
func (h *ClientHandle) Recv(ctx context.Context) (*Frame, error) {
	for {
		select {
		case f := <-h.queue:
			return f, nil
		default:
		}

		if f := h.popGone(); f != nil {
			return f, nil
		}

		select {
		case f := <-h.queue:
			return f, nil
		case <-h.ctrl:
		case <-h.done:
			return nil, ErrClientClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
