package elbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SendUnicast delivers payload from sender to the client registered as
// target. Under QoSNo a full target queue drops the frame and returns
// ErrBackpressure; under QoSProcessed the call waits for space up to the
// broker timeout and then fails with ErrTimeout.
func (b *Broker) SendUnicast(ctx context.Context, sender, target string, payload []byte, qos QoS) error {
	err := b.sendUnicast(ctx, sender, target, payload, qos)
	b.metrics.Operation(OpMessage, qos, err)
	return err
}

func (b *Broker) sendUnicast(ctx context.Context, sender, target string, payload []byte, qos QoS) error {
	src, err := b.source(sender)
	if err != nil {
		return err
	}
	if err := b.authorize(ctx, src, AuthzActionSend, target, qos); err != nil {
		return err
	}

	dst, ok := b.Lookup(target)
	if !ok {
		return NewClientError(ErrNoSuchClient, target)
	}

	f := &Frame{
		Kind:    FrameMessage,
		Sender:  sender,
		Payload: payload,
		QoS:     qos,
	}
	return b.deliver(ctx, dst, f, qos)
}

// SendBroadcast delivers payload to every client whose name matches mask and
// returns the number of clients the frame was enqueued to. A mask that
// matches nobody is not an error.
func (b *Broker) SendBroadcast(ctx context.Context, sender, mask string, payload []byte, qos QoS) (int, error) {
	n, err := b.sendBroadcast(ctx, sender, mask, payload, qos)
	b.metrics.Operation(OpBroadcast, qos, err)
	if err == nil {
		b.metrics.Fanout(OpBroadcast, n)
	}
	return n, err
}

func (b *Broker) sendBroadcast(ctx context.Context, sender, mask string, payload []byte, qos QoS) (int, error) {
	if err := ValidateMask(mask); err != nil {
		return 0, err
	}
	src, err := b.source(sender)
	if err != nil {
		return 0, err
	}
	if err := b.authorize(ctx, src, AuthzActionBroadcast, mask, qos); err != nil {
		return 0, err
	}

	owners := Owners(b.broadcasts.MatchMask(mask))
	targets := make([]*ClientHandle, 0, len(owners))
	for _, owner := range owners {
		if b.authorize(ctx, src, AuthzActionSend, owner, qos) != nil {
			continue
		}
		if h, ok := b.Lookup(owner); ok {
			targets = append(targets, h)
		}
	}

	f := &Frame{
		Kind:    FrameBroadcast,
		Sender:  sender,
		Payload: payload,
		QoS:     qos,
	}
	return b.fanout(ctx, targets, f, qos), nil
}

// Publish delivers payload to every client holding a subscription that
// matches topic. The publisher does not need to be subscribed itself.
func (b *Broker) Publish(ctx context.Context, sender, topic string, payload []byte, qos QoS) (int, error) {
	n, err := b.publish(ctx, sender, topic, payload, qos)
	b.metrics.Operation(OpPublish, qos, err)
	if err == nil {
		b.metrics.Fanout(OpPublish, n)
	}
	return n, err
}

func (b *Broker) publish(ctx context.Context, sender, topic string, payload []byte, qos QoS) (int, error) {
	if err := ValidateTopic(topic); err != nil {
		return 0, err
	}
	src, err := b.source(sender)
	if err != nil {
		return 0, err
	}
	if err := b.authorize(ctx, src, AuthzActionPublish, topic, qos); err != nil {
		return 0, err
	}

	owners := Owners(b.topics.Match(topic))
	targets := make([]*ClientHandle, 0, len(owners))
	for _, owner := range owners {
		if h, ok := b.Lookup(owner); ok {
			targets = append(targets, h)
		}
	}

	f := &Frame{
		Kind:    FramePublish,
		Sender:  sender,
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
	}
	return b.fanout(ctx, targets, f, qos), nil
}

// Subscribe adds a topic subscription for client. Subscribing to a filter
// the client already holds is a no-op.
func (b *Broker) Subscribe(ctx context.Context, client, filter string) error {
	return b.SubscribeBulk(ctx, client, []string{filter})
}

// SubscribeBulk adds several subscriptions. All filters are validated and
// authorized before any of them is applied.
func (b *Broker) SubscribeBulk(ctx context.Context, client string, filters []string) error {
	err := b.subscribe(ctx, client, filters)
	b.metrics.Operation(OpSubscribe, QoSNo, err)
	return err
}

func (b *Broker) subscribe(ctx context.Context, client string, filters []string) error {
	for _, filter := range filters {
		if err := ValidateTopicFilter(filter); err != nil {
			return err
		}
	}
	src, err := b.source(client)
	if err != nil {
		return err
	}
	for _, filter := range filters {
		if err := b.authorize(ctx, src, AuthzActionSubscribe, filter, QoSNo); err != nil {
			return err
		}
	}

	// Holding the registry read lock keeps a concurrent deregistration from
	// leaving subscriptions behind for a client that is already gone.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if cur, ok := b.clients[client]; !ok || cur != src {
		return NewClientError(ErrClientClosed, client)
	}

	added := 0
	for _, filter := range filters {
		ok, err := b.topics.Insert(client, filter)
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}
	b.metrics.SubscriptionsChanged(added)
	return nil
}

// Unsubscribe removes a topic subscription. Removing a filter the client
// does not hold is a no-op.
func (b *Broker) Unsubscribe(ctx context.Context, client, filter string) error {
	return b.UnsubscribeBulk(ctx, client, []string{filter})
}

// UnsubscribeBulk removes several subscriptions.
func (b *Broker) UnsubscribeBulk(_ context.Context, client string, filters []string) error {
	err := b.unsubscribe(client, filters)
	b.metrics.Operation(OpUnsubscribe, QoSNo, err)
	return err
}

func (b *Broker) unsubscribe(client string, filters []string) error {
	for _, filter := range filters {
		if err := ValidateTopicFilter(filter); err != nil {
			return err
		}
	}
	if _, err := b.source(client); err != nil {
		return err
	}

	removed := 0
	for _, filter := range filters {
		ok, err := b.topics.Remove(client, filter)
		if err != nil {
			return err
		}
		if ok {
			removed++
		}
	}
	b.metrics.SubscriptionsChanged(-removed)
	return nil
}

// Subscriptions returns the topic filters held by client, sorted.
func (b *Broker) Subscriptions(client string) []string {
	return b.topics.Patterns(client)
}

// source resolves the registered handle of the sending client.
func (b *Broker) source(name string) (*ClientHandle, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	h, ok := b.Lookup(name)
	if !ok {
		return nil, NewClientError(ErrClientClosed, name)
	}
	return h, nil
}

// authorize consults the authorizer. An authorizer error counts as a denial.
func (b *Broker) authorize(ctx context.Context, src *ClientHandle, action AuthzAction, target string, qos QoS) error {
	authz := b.config.authz
	if authz == nil {
		return nil
	}

	res, err := authz.Authorize(ctx, &AuthzContext{
		Client:     src.name,
		Kind:       src.kind,
		Action:     action,
		Target:     target,
		QoS:        qos,
		RemoteAddr: src.remoteAddr,
	})
	if err == nil && res != nil && res.Allowed {
		return nil
	}

	fields := LogFields{
		LogFieldClient: src.name,
		LogFieldOp:     action.String(),
		LogFieldTarget: target,
	}
	if err != nil {
		fields[LogFieldError] = err.Error()
	} else if res != nil && res.Reason != "" {
		fields[LogFieldError] = res.Reason
	}
	b.logger.Debug("operation denied", fields)
	return fmt.Errorf("%w: %s %s", ErrPermissionDenied, action, target)
}

// deliver enqueues f on one target queue and records the outcome.
func (b *Broker) deliver(ctx context.Context, dst *ClientHandle, f *Frame, qos QoS) error {
	start := time.Now()
	err := dst.enqueue(ctx, f, qos, b.config.timeout)
	if qos == QoSProcessed {
		b.metrics.ProcessedWait(time.Since(start))
	}

	switch {
	case err == nil:
		b.metrics.FrameSent(f.Kind)
	case errors.Is(err, ErrBackpressure), errors.Is(err, ErrTimeout):
		b.metrics.FrameDropped(f.Kind)
		if f.Sender != BrokerClientName {
			b.warn(fmt.Sprintf("client %s queue full, frame from %s dropped", dst.name, f.Sender), LogFields{
				LogFieldClient: dst.name,
				LogFieldTarget: f.Sender,
				LogFieldKind:   f.Kind.String(),
			})
		}
	}
	return err
}

// fanout delivers one shared frame to every target and returns how many
// targets accepted it. Under QoSProcessed it returns once every target has
// either accepted the frame or timed out; waits on different targets run
// concurrently so one slow client does not delay the others.
func (b *Broker) fanout(ctx context.Context, targets []*ClientHandle, f *Frame, qos QoS) int {
	if qos != QoSProcessed || len(targets) < 2 {
		n := 0
		for _, dst := range targets {
			if b.deliver(ctx, dst, f, qos) == nil {
				n++
			}
		}
		return n
	}

	var (
		n       atomic.Int64
		wg      sync.WaitGroup
		pending []*ClientHandle
	)
	for _, dst := range targets {
		ok, err := dst.tryEnqueue(f)
		switch {
		case err != nil:
			// Deregistered after the targets were resolved.
		case ok:
			b.metrics.ProcessedWait(0)
			b.metrics.FrameSent(f.Kind)
			n.Add(1)
		default:
			pending = append(pending, dst)
		}
	}
	for _, dst := range pending {
		wg.Add(1)
		go func(dst *ClientHandle) {
			defer wg.Done()
			if b.deliver(ctx, dst, f, qos) == nil {
				n.Add(1)
			}
		}(dst)
	}
	wg.Wait()
	return int(n.Load())
}
