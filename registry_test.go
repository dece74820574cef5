package elbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, opts ...BrokerOption) *Broker {
	t.Helper()
	b := NewBroker(opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func mustRegister(t *testing.T, b *Broker, name string, opts ...HandleOption) *ClientHandle {
	t.Helper()
	h, err := b.Register(name, opts...)
	require.NoError(t, err)
	return h
}

func recvFrame(t *testing.T, h *ClientHandle) *Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := h.Recv(ctx)
	require.NoError(t, err)
	return f
}

func TestRegister(t *testing.T) {
	b := newTestBroker(t)

	h := mustRegister(t, b, "plant1.pump")
	assert.Equal(t, "plant1.pump", h.Name())
	assert.Equal(t, ClientLocalIPC, h.Kind())
	assert.True(t, h.Connected())
	assert.Equal(t, DefaultQueueSize, h.QueueCap())

	got, ok := b.Lookup("plant1.pump")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, b.ClientCount())

	tests := []struct {
		name    string
		client  string
		wantErr error
	}{
		{"taken", "plant1.pump", ErrNameTaken},
		{"reserved", ".broker", ErrReservedName},
		{"reserved grouped", ".broker.fifo", ErrReservedName},
		{"malformed", "a..b", ErrMalformedPath},
		{"wildcard", "plant1.*", ErrMalformedPath},
		{"empty", "", ErrMalformedPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Register(tt.client)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 1, b.ClientCount())
}

func TestRegisterConcurrent(t *testing.T) {
	defer leaktest.Check(t)()

	b := NewBroker()
	defer b.Close()

	const n = 16
	var (
		wg         sync.WaitGroup
		ok, taken  atomic.Int32
		first      atomic.Pointer[ClientHandle]
		unexpected = make(chan error, n)
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := b.Register("g.c")
			switch {
			case err == nil:
				ok.Add(1)
				first.Store(h)
			case errors.Is(err, ErrNameTaken):
				taken.Add(1)
			default:
				unexpected <- err
			}
		}()
	}
	wg.Wait()
	close(unexpected)

	for err := range unexpected {
		t.Errorf("Register: %v", err)
	}
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), taken.Load())
	assert.Equal(t, 1, b.ClientCount())

	got, found := b.Lookup("g.c")
	require.True(t, found)
	assert.Same(t, first.Load(), got)
	assert.True(t, got.Connected())
}

func TestRegisterInternal(t *testing.T) {
	b := newTestBroker(t)

	h, err := b.RegisterInternal(BrokerClientName)
	require.NoError(t, err)
	assert.Equal(t, ClientInternal, h.Kind())

	_, err = b.RegisterInternal(BrokerClientName)
	assert.ErrorIs(t, err, ErrNameTaken)

	// External registrations cannot claim the internal kind.
	ext := mustRegister(t, b, "ext", WithHandleKind(ClientInternal))
	assert.Equal(t, ClientLocalIPC, ext.Kind())
}

func TestHandleOptions(t *testing.T) {
	b := newTestBroker(t)
	addr := &fakeAddr{"10.0.0.1:5000"}

	h := mustRegister(t, b, "remote",
		WithHandleKind(ClientTCP),
		WithHandleSource(addr, "tcp://0.0.0.0:7777"),
		WithHandleQueueSize(4),
	)
	assert.Equal(t, ClientTCP, h.Kind())
	assert.Equal(t, "10.0.0.1:5000", h.Source())
	assert.Equal(t, "tcp://0.0.0.0:7777", h.Port())
	assert.Equal(t, addr, h.RemoteAddr())
	assert.Equal(t, 4, h.QueueCap())
}

type fakeAddr struct{ s string }

func (a *fakeAddr) Network() string { return "tcp" }
func (a *fakeAddr) String() string  { return a.s }

func TestDeregister(t *testing.T) {
	var registered, deregistered []string
	b := newTestBroker(t,
		OnRegister(func(h *ClientHandle) { registered = append(registered, h.Name()) }),
		OnDeregister(func(h *ClientHandle) { deregistered = append(deregistered, h.Name()) }),
	)
	ctx := context.Background()

	h := mustRegister(t, b, "c1")
	require.NoError(t, h.Subscribe(ctx, "a/#"))

	require.NoError(t, h.Close())
	assert.False(t, h.Connected())
	assert.Zero(t, b.ClientCount())
	_, ok := b.Lookup("c1")
	assert.False(t, ok)

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Close")
	}

	// Subscriptions and the broadcast entry went with the client.
	assert.Empty(t, b.Subscriptions("c1"))
	assert.Empty(t, b.broadcasts.Patterns("c1"))

	// The name is free again; closing the stale handle leaves the new one alone.
	h2 := mustRegister(t, b, "c1")
	require.NoError(t, h.Close())
	assert.True(t, h2.Connected())
	assert.Equal(t, 1, b.ClientCount())

	b.Deregister("c1")
	b.Deregister("unknown")
	assert.False(t, h2.Connected())

	assert.Equal(t, []string{"c1", "c1"}, registered)
	assert.Equal(t, []string{"c1", "c1"}, deregistered)
}

func TestClients(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	mustRegister(t, b, "zeta")
	a := mustRegister(t, b, "alpha", WithHandleKind(ClientWS))
	_, err := b.RegisterInternal(BrokerClientName)
	require.NoError(t, err)
	require.NoError(t, a.Subscribe(ctx, "x/#", "y/+"))

	clients := b.Clients()
	require.Len(t, clients, 3)
	assert.Equal(t, BrokerClientName, clients[0].Name)
	assert.Equal(t, ClientInternal, clients[0].Kind)
	assert.Equal(t, "alpha", clients[1].Name)
	assert.Equal(t, ClientWS, clients[1].Kind)
	// Every client holds the implicit warning subscription.
	assert.Equal(t, 3, clients[1].Subscriptions)
	assert.Equal(t, "zeta", clients[2].Name)
	assert.Equal(t, 1, clients[2].Subscriptions)
}

func TestBrokerInfo(t *testing.T) {
	b := newTestBroker(t)
	mustRegister(t, b, "c1")

	info := b.Info()
	assert.Equal(t, b.ID().String(), info.ID)
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, 1, info.Clients)
	assert.GreaterOrEqual(t, info.Uptime, time.Duration(0))
	assert.False(t, info.Started.IsZero())
	assert.Equal(t, DefaultTimeout, b.Timeout())
}

func TestBrokerClose(t *testing.T) {
	defer leaktest.Check(t)()

	b := NewBroker(WithWorkers(2))
	h1 := mustRegister(t, b, "c1")
	h2 := mustRegister(t, b, "c2")

	require.NoError(t, b.Close())
	assert.True(t, b.Closed())
	assert.False(t, h1.Connected())
	assert.False(t, h2.Connected())
	assert.Zero(t, b.ClientCount())

	_, err := b.Register("c3")
	assert.ErrorIs(t, err, ErrBrokerClosed)

	err = h1.Send(context.Background(), "c2", nil, QoSNo)
	assert.ErrorIs(t, err, ErrBrokerClosed)

	require.NoError(t, b.Close())
}

func TestWatch(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	watcher := mustRegister(t, b, "watcher")
	target := mustRegister(t, b, "target")

	require.NoError(t, watcher.Watch(ctx, "target"))
	require.NoError(t, target.Close())

	f := recvFrame(t, watcher)
	assert.Equal(t, FramePeerGone, f.Kind)
	assert.Equal(t, "target", f.Sender)
	assert.Zero(t, b.watchCount("watcher", "target"))
}

func TestWatchErrors(t *testing.T) {
	b := newTestBroker(t)

	mustRegister(t, b, "watcher")
	assert.ErrorIs(t, b.Watch("watcher", "missing"), ErrNoSuchClient)
	assert.ErrorIs(t, b.Watch("ghost", "watcher"), ErrClientClosed)

	// Unwatching something never watched is a no-op.
	b.Unwatch("watcher", "missing")
}

func TestWatchRefcount(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	watcher := mustRegister(t, b, "watcher")
	target := mustRegister(t, b, "target")

	require.NoError(t, watcher.Watch(ctx, "target"))
	require.NoError(t, watcher.Watch(ctx, "target"))
	assert.Equal(t, 2, b.watchCount("watcher", "target"))

	require.NoError(t, watcher.Unwatch(ctx, "target"))
	assert.Equal(t, 1, b.watchCount("watcher", "target"))

	require.NoError(t, watcher.Unwatch(ctx, "target"))
	assert.Zero(t, b.watchCount("watcher", "target"))

	// No notice after the last reference is released.
	require.NoError(t, target.Close())
	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := watcher.Recv(rctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatchAfterReregister(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	watcher := mustRegister(t, b, "watcher")
	old := mustRegister(t, b, "target")
	require.NoError(t, watcher.Watch(ctx, "target"))
	require.NoError(t, old.Close())

	// The notice for the old registration is still queued when the name
	// comes back and is watched again.
	mustRegister(t, b, "target")
	require.NoError(t, watcher.Watch(ctx, "target"))

	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := watcher.Recv(rctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b.Deregister("target")
	f := recvFrame(t, watcher)
	assert.Equal(t, FramePeerGone, f.Kind)
	assert.Equal(t, "target", f.Sender)
}

func TestWatcherLeaves(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	watcher := mustRegister(t, b, "watcher")
	mustRegister(t, b, "target")

	require.NoError(t, watcher.Watch(ctx, "target"))
	require.NoError(t, watcher.Close())

	assert.Zero(t, b.watchCount("watcher", "target"))
	assert.Empty(t, b.watchers)
	assert.Empty(t, b.watching)

	// A new client under the old name does not inherit the watch.
	again := mustRegister(t, b, "watcher")
	b.Deregister("target")
	assert.Zero(t, again.QueueLen())
	assert.Nil(t, again.popGone())
}
