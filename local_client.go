package elbus

import "context"

// Send delivers payload to one client. See Broker.SendUnicast.
func (h *ClientHandle) Send(ctx context.Context, target string, payload []byte, qos QoS) error {
	return h.broker.SendUnicast(ctx, h.name, target, payload, qos)
}

// SendBroadcast delivers payload to every client matching mask. See Broker.SendBroadcast.
func (h *ClientHandle) SendBroadcast(ctx context.Context, mask string, payload []byte, qos QoS) (int, error) {
	return h.broker.SendBroadcast(ctx, h.name, mask, payload, qos)
}

// Publish delivers payload to the subscribers of topic. See Broker.Publish.
func (h *ClientHandle) Publish(ctx context.Context, topic string, payload []byte, qos QoS) (int, error) {
	return h.broker.Publish(ctx, h.name, topic, payload, qos)
}

// Subscribe adds topic subscriptions for this client.
func (h *ClientHandle) Subscribe(ctx context.Context, filters ...string) error {
	return h.broker.SubscribeBulk(ctx, h.name, filters)
}

// Unsubscribe removes topic subscriptions of this client.
func (h *ClientHandle) Unsubscribe(ctx context.Context, filters ...string) error {
	return h.broker.UnsubscribeBulk(ctx, h.name, filters)
}

// Subscriptions returns the topic filters held by this client.
func (h *ClientHandle) Subscriptions() []string {
	return h.broker.Subscriptions(h.name)
}

// Watch requests a FramePeerGone frame when target deregisters.
func (h *ClientHandle) Watch(_ context.Context, target string) error {
	return h.broker.Watch(h.name, target)
}

// Unwatch releases a watch taken with Watch.
func (h *ClientHandle) Unwatch(_ context.Context, target string) error {
	h.broker.Unwatch(h.name, target)
	return nil
}
