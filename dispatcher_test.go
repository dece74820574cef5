package elbus

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestSendUnicast(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	src := mustRegister(t, b, "src")
	dst := mustRegister(t, b, "dst")

	for _, qos := range []QoS{QoSNo, QoSProcessed} {
		t.Run(qos.String(), func(t *testing.T) {
			require.NoError(t, src.Send(ctx, "dst", []byte("hello"), qos))

			f := recvFrame(t, dst)
			want := &Frame{Kind: FrameMessage, Sender: "src", Payload: []byte("hello"), QoS: qos}
			if diff := cmp.Diff(want, f); diff != "" {
				t.Errorf("frame (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("to self", func(t *testing.T) {
		require.NoError(t, src.Send(ctx, "src", []byte("me"), QoSNo))
		assert.Equal(t, "src", recvFrame(t, src).Sender)
	})

	t.Run("unknown target", func(t *testing.T) {
		err := src.Send(ctx, "nobody", nil, QoSNo)
		assert.ErrorIs(t, err, ErrNoSuchClient)
		assert.Equal(t, ResultNotRegistered, ResultCodeFromError(err))
	})

	t.Run("unregistered sender", func(t *testing.T) {
		err := b.SendUnicast(ctx, "ghost", "dst", nil, QoSNo)
		assert.ErrorIs(t, err, ErrClientClosed)
	})
}

func TestSendOrdering(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	src := mustRegister(t, b, "src")
	dst := mustRegister(t, b, "dst")

	for i := range 100 {
		require.NoError(t, src.Send(ctx, "dst", []byte{byte(i)}, QoSNo))
	}
	for i := range 100 {
		assert.Equal(t, []byte{byte(i)}, recvFrame(t, dst).Payload)
	}
}

func TestBackpressure(t *testing.T) {
	metrics := NewMemoryMetrics()
	b := newTestBroker(t, WithQueueSize(1), WithMetrics(metrics))
	ctx := context.Background()

	src := mustRegister(t, b, "src")
	dst := mustRegister(t, b, "dst")

	require.NoError(t, src.Send(ctx, "dst", []byte("1"), QoSNo))
	err := src.Send(ctx, "dst", []byte("2"), QoSNo)
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, ResultNotDelivered, ResultCodeFromError(err))

	enqueued, dropped := dst.Stats()
	assert.EqualValues(t, 1, enqueued)
	assert.GreaterOrEqual(t, dropped, uint64(1))
	assert.Equal(t, 1, dst.QueueLen())

	// The drop is announced on the warning topic, which every client holds.
	f := recvFrame(t, src)
	assert.Equal(t, FramePublish, f.Kind)
	assert.Equal(t, BrokerClientName, f.Sender)
	assert.Equal(t, BrokerWarnTopic, f.Topic)
	assert.Contains(t, string(f.Payload), "dst")

	assert.Equal(t, []byte("1"), recvFrame(t, dst).Payload)
	assert.Equal(t, 1.0, metrics.CounterValue(MetricFramesDropped, MetricLabels{LabelKind: "message"}))
	assert.Equal(t, 1.0, metrics.CounterValue(MetricOperations, MetricLabels{
		LabelOp:     "message",
		LabelQoS:    "no",
		LabelResult: ResultNotDelivered.String(),
	}))
}

func TestWarnRateLimit(t *testing.T) {
	b := newTestBroker(t, WithQueueSize(1), WithWarnRate(rate.Every(time.Hour), 1))
	ctx := context.Background()

	src := mustRegister(t, b, "src", WithHandleQueueSize(16))
	mustRegister(t, b, "dst")

	require.NoError(t, src.Send(ctx, "dst", nil, QoSNo))
	for range 5 {
		assert.ErrorIs(t, src.Send(ctx, "dst", nil, QoSNo), ErrBackpressure)
	}
	assert.Equal(t, 1, src.QueueLen())
}

func TestProcessedTimeout(t *testing.T) {
	b := newTestBroker(t, WithQueueSize(1), WithTimeout(50*time.Millisecond))
	ctx := context.Background()

	src := mustRegister(t, b, "src")
	mustRegister(t, b, "dst")

	require.NoError(t, src.Send(ctx, "dst", nil, QoSProcessed))

	start := time.Now()
	err := src.Send(ctx, "dst", nil, QoSProcessed)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ResultTimeout, ResultCodeFromError(err))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestProcessedWaitsForSpace(t *testing.T) {
	b := newTestBroker(t, WithQueueSize(1), WithTimeout(5*time.Second))
	ctx := context.Background()

	src := mustRegister(t, b, "src")
	dst := mustRegister(t, b, "dst")

	require.NoError(t, src.Send(ctx, "dst", []byte("1"), QoSProcessed))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = dst.Recv(context.Background())
	}()

	require.NoError(t, src.Send(ctx, "dst", []byte("2"), QoSProcessed))
	assert.Equal(t, []byte("2"), recvFrame(t, dst).Payload)
}

func TestProcessedTargetLeaves(t *testing.T) {
	b := newTestBroker(t, WithQueueSize(1), WithTimeout(5*time.Second))
	ctx := context.Background()

	src := mustRegister(t, b, "src")
	dst := mustRegister(t, b, "dst")
	require.NoError(t, src.Send(ctx, "dst", nil, QoSProcessed))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = dst.Close()
	}()

	err := src.Send(ctx, "dst", nil, QoSProcessed)
	assert.ErrorIs(t, err, ErrNoSuchClient)
}

func TestSendBroadcast(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	ctl := mustRegister(t, b, "ctl")
	handles := make(map[string]*ClientHandle)
	for _, name := range []string{"plant1.pump", "plant1.valve", "plant1.pump.motor", "plant2.pump"} {
		handles[name] = mustRegister(t, b, name)
	}

	tests := []struct {
		mask string
		want []string
	}{
		{"plant1.pump", []string{"plant1.pump"}},
		{"plant1.?", []string{"plant1.pump", "plant1.valve"}},
		{"plant1.*", []string{"plant1.pump", "plant1.pump.motor", "plant1.valve"}},
		{"?.pump", []string{"plant1.pump", "plant2.pump"}},
		{"nobody.*", nil},
	}
	for _, tt := range tests {
		t.Run(tt.mask, func(t *testing.T) {
			n, err := ctl.SendBroadcast(ctx, tt.mask, []byte(tt.mask), QoSNo)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)

			var got []string
			for name, h := range handles {
				if h.QueueLen() == 0 {
					continue
				}
				f := recvFrame(t, h)
				assert.Equal(t, FrameBroadcast, f.Kind)
				assert.Equal(t, "ctl", f.Sender)
				assert.Equal(t, []byte(tt.mask), f.Payload)
				got = append(got, name)
			}
			sort.Strings(got)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("receivers (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("includes sender", func(t *testing.T) {
		n, err := ctl.SendBroadcast(ctx, "ctl", nil, QoSNo)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, FrameBroadcast, recvFrame(t, ctl).Kind)
	})

	t.Run("malformed mask", func(t *testing.T) {
		_, err := ctl.SendBroadcast(ctx, "plant1.*.pump", nil, QoSNo)
		assert.ErrorIs(t, err, ErrMalformedPattern)
	})
}

func TestPublish(t *testing.T) {
	metrics := NewMemoryMetrics()
	b := newTestBroker(t, WithMetrics(metrics))
	ctx := context.Background()

	pub := mustRegister(t, b, "pub")
	s1 := mustRegister(t, b, "s1")
	s2 := mustRegister(t, b, "s2")

	require.NoError(t, s1.Subscribe(ctx, "plant/+/temp"))
	require.NoError(t, s2.Subscribe(ctx, "plant/#", "plant/1/#"))
	assert.Equal(t, []string{BrokerWarnTopic, "plant/#", "plant/1/#"}, s2.Subscriptions())

	n, err := pub.Publish(ctx, "plant/1/temp", []byte("21.5"), QoSNo)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, h := range []*ClientHandle{s1, s2} {
		f := recvFrame(t, h)
		want := &Frame{Kind: FramePublish, Sender: "pub", Topic: "plant/1/temp", Payload: []byte("21.5")}
		if diff := cmp.Diff(want, f); diff != "" {
			t.Errorf("%s frame (-want +got):\n%s", h.Name(), diff)
		}
		// Overlapping filters deliver once.
		assert.Zero(t, h.QueueLen())
	}

	n, err = pub.Publish(ctx, "plant/1/pressure", nil, QoSNo)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	recvFrame(t, s2)

	require.NoError(t, s2.Unsubscribe(ctx, "plant/#", "plant/1/#", "never/subscribed"))
	n, err = pub.Publish(ctx, "plant/1/pressure", nil, QoSNo)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Three implicit warning subscriptions plus s1's remaining filter.
	assert.Equal(t, 4.0, metrics.GaugeValue(MetricSubscriptions, nil))
	assert.Equal(t, uint64(3), metrics.HistogramCount(MetricDeliveryFanout, MetricLabels{LabelOp: "publish"}))
}

func TestPublishErrors(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	h := mustRegister(t, b, "c")

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"publish wildcard", func() error { _, err := h.Publish(ctx, "a/+", nil, QoSNo); return err }, ErrMalformedPath},
		{"publish empty", func() error { _, err := h.Publish(ctx, "", nil, QoSNo); return err }, ErrMalformedPath},
		{"subscribe malformed", func() error { return h.Subscribe(ctx, "a/#/b") }, ErrMalformedPattern},
		{"unsubscribe malformed", func() error { return h.Unsubscribe(ctx, "a//b") }, ErrMalformedPath},
		{"subscribe unregistered", func() error { return b.Subscribe(ctx, "ghost", "a") }, ErrClientClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.wantErr)
		})
	}

	// A bulk subscribe with one bad filter applies none of them.
	assert.Error(t, h.Subscribe(ctx, "ok/1", "bad/#/x"))
	assert.Equal(t, []string{BrokerWarnTopic}, h.Subscriptions())
}

func TestProcessedFanoutSlowTarget(t *testing.T) {
	b := newTestBroker(t, WithQueueSize(1), WithTimeout(50*time.Millisecond))
	ctx := context.Background()

	pub := mustRegister(t, b, "pub")
	fast := mustRegister(t, b, "fast")
	slow := mustRegister(t, b, "slow")
	require.NoError(t, fast.Subscribe(ctx, "t"))
	require.NoError(t, slow.Subscribe(ctx, "t"))

	require.NoError(t, pub.Send(ctx, "slow", nil, QoSNo))

	n, err := pub.Publish(ctx, "t", []byte("x"), QoSProcessed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("x"), recvFrame(t, fast).Payload)
}

func TestProcessedFanoutSkipsDeadTarget(t *testing.T) {
	metrics := NewMemoryMetrics()
	b := newTestBroker(t, WithMetrics(metrics))
	ctx := context.Background()

	live := mustRegister(t, b, "live")
	gone := mustRegister(t, b, "gone")
	// Resolved before the target left, as a concurrent publish would see it.
	targets := []*ClientHandle{live, gone}
	require.NoError(t, gone.Close())

	f := &Frame{Kind: FramePublish, Sender: "pub", Topic: "t", Payload: []byte("x")}
	assert.Equal(t, 1, b.fanout(ctx, targets, f, QoSProcessed))
	assert.Zero(t, gone.QueueLen())
	assert.Equal(t, []byte("x"), recvFrame(t, live).Payload)

	assert.Equal(t, 1.0, metrics.CounterValue(MetricFramesSent, MetricLabels{LabelKind: FramePublish.String()}))
	assert.Equal(t, uint64(1), metrics.HistogramCount(MetricProcessedWait, nil))
}

func TestAuthorization(t *testing.T) {
	acl := NewACLAuthorizer(true,
		ACLRule{Clients: "guest.*", Actions: []AuthzAction{AuthzActionSend}, Targets: "plant1.*", Allow: false},
		ACLRule{Clients: "guest.*", Actions: []AuthzAction{AuthzActionPublish}, Targets: "plant/#", Allow: false},
		ACLRule{Clients: "guest.*", Actions: []AuthzAction{AuthzActionSubscribe}, Targets: "secret/#", Allow: false},
	)
	b := newTestBroker(t, WithAuthorizer(acl))
	ctx := context.Background()

	guest := mustRegister(t, b, "guest.1")
	mustRegister(t, b, "plant1.pump")
	other := mustRegister(t, b, "plant2.pump")

	t.Run("send denied", func(t *testing.T) {
		err := guest.Send(ctx, "plant1.pump", nil, QoSNo)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, ResultAccess, ResultCodeFromError(err))
	})

	t.Run("send allowed", func(t *testing.T) {
		require.NoError(t, guest.Send(ctx, "plant2.pump", nil, QoSNo))
		recvFrame(t, other)
	})

	t.Run("broadcast skips denied targets", func(t *testing.T) {
		n, err := guest.SendBroadcast(ctx, "?.pump", nil, QoSNo)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		recvFrame(t, other)
	})

	t.Run("publish denied", func(t *testing.T) {
		_, err := guest.Publish(ctx, "plant/1/temp", nil, QoSNo)
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("subscribe denied", func(t *testing.T) {
		assert.ErrorIs(t, guest.Subscribe(ctx, "secret/keys"), ErrPermissionDenied)
		assert.NoError(t, guest.Subscribe(ctx, "public/#"))
	})

	t.Run("internal clients bypass", func(t *testing.T) {
		svc, err := b.RegisterInternal(".broker.svc")
		require.NoError(t, err)
		n, err := svc.Publish(ctx, "plant/1/temp", nil, QoSNo)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestAuthorizerError(t *testing.T) {
	authz := AuthorizerFunc(func(context.Context, *AuthzContext) (*AuthzResult, error) {
		return nil, assert.AnError
	})
	b := newTestBroker(t, WithAuthorizer(authz))
	h := mustRegister(t, b, "c")

	err := h.Send(context.Background(), "c", nil, QoSNo)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestRecvOrdering(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	client := mustRegister(t, b, "client")
	svc := mustRegister(t, b, "svc")

	require.NoError(t, client.Watch(ctx, "svc"))
	require.NoError(t, svc.Send(ctx, "client", []byte("reply"), QoSNo))
	require.NoError(t, svc.Close())

	// The reply was queued before svc left and must come first.
	f := recvFrame(t, client)
	assert.Equal(t, FrameMessage, f.Kind)
	assert.Equal(t, []byte("reply"), f.Payload)

	f = recvFrame(t, client)
	assert.Equal(t, FramePeerGone, f.Kind)
	assert.Equal(t, "svc", f.Sender)
}

func TestRecvClosed(t *testing.T) {
	b := newTestBroker(t)
	h := mustRegister(t, b, "c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, h.Close())
	_, err = h.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)

	err = h.enqueue(context.Background(), &Frame{Kind: FrameMessage}, QoSNo, 0)
	assert.ErrorIs(t, err, ErrNoSuchClient)
}

func TestConcurrentDelivery(t *testing.T) {
	b := newTestBroker(t, WithQueueSize(1024))
	ctx := context.Background()

	sink := mustRegister(t, b, "sink")
	require.NoError(t, sink.Subscribe(ctx, "load/#"))

	senders := make([]*ClientHandle, 8)
	for i := range senders {
		senders[i] = mustRegister(t, b, "sender"+string(rune('a'+i)))
	}

	done := make(chan struct{})
	for _, s := range senders {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 50 {
				_, _ = s.Publish(ctx, "load/x", nil, QoSProcessed)
				_ = s.Send(ctx, "sink", nil, QoSProcessed)
			}
		}()
	}
	for range senders {
		<-done
	}

	enqueued, dropped := sink.Stats()
	assert.EqualValues(t, 800, enqueued)
	assert.Zero(t, dropped)
}

func BenchmarkPublishFanout(b *testing.B) {
	br := NewBroker()
	defer br.Close()
	ctx := context.Background()

	pub, _ := br.Register("pub")
	for i := range 16 {
		h, _ := br.Register("sub" + string(rune('a'+i)))
		_ = h.Subscribe(ctx, "bench/#")
		go func() {
			for {
				if _, err := h.Recv(ctx); err != nil {
					return
				}
			}
		}()
	}

	payload := make([]byte, 128)
	for b.Loop() {
		_, _ = pub.Publish(ctx, "bench/x", payload, QoSProcessed)
	}
}
