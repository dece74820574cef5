// Package router dispatches received elbus frames to handlers by topic
// filter, sender mask, frame kind and QoS.
package router

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/vitalvas/elbus"
)

// Handler processes a frame.
type Handler func(f *elbus.Frame)

// Condition defines filtering criteria for frame routing.
type Condition struct {
	topicFilter   *string
	senderMask    *string
	kind          *elbus.FrameKind
	qos           *elbus.QoS
	payloadRegexp *regexp.Regexp
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic matches publications whose topic matches filter.
// Supports + (single segment) and trailing # (any remaining segments).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithSender matches frames whose sender matches mask.
// Supports ? (single segment) and trailing * (one or more segments).
func WithSender(mask string) ConditionOption {
	return func(c *Condition) {
		c.senderMask = &mask
	}
}

// WithKind matches frames of one kind.
func WithKind(kind elbus.FrameKind) ConditionOption {
	return func(c *Condition) {
		c.kind = &kind
	}
}

// WithQoS matches frames sent with qos.
func WithQoS(qos elbus.QoS) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithPayload matches frames whose payload matches pattern.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.payloadRegexp = pattern
	}
}

type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches frames to every handler whose conditions match.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions.
//
//	r.Handle(h, WithTopic("sensors/#"))
//	r.Handle(h, WithSender("plc.?"), WithKind(elbus.FrameBroadcast))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

func (c *Condition) matches(f *elbus.Frame) bool {
	if c.topicFilter != nil && (f.Kind != elbus.FramePublish || !elbus.TopicMatch(*c.topicFilter, f.Topic)) {
		return false
	}
	if c.senderMask != nil && !elbus.MaskMatch(*c.senderMask, f.Sender) {
		return false
	}
	if c.kind != nil && *c.kind != f.Kind {
		return false
	}
	if c.qos != nil && *c.qos != f.QoS {
		return false
	}
	if c.payloadRegexp != nil && !c.payloadRegexp.Match(f.Payload) {
		return false
	}
	return true
}

// Route dispatches a frame to all matching handlers and reports how many ran.
func (r *Router) Route(f *elbus.Frame) int {
	if f == nil {
		return 0
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(f) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(f)
	}
	return len(matched)
}

// Filters returns the registered topic filters, sorted.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.handlers {
		if reg.condition.topicFilter != nil {
			seen[*reg.condition.topicFilter] = struct{}{}
		}
	}

	filters := make([]string, 0, len(seen))
	for filter := range seen {
		filters = append(filters, filter)
	}
	sort.Strings(filters)
	return filters
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.mu.Unlock()
}

// FrameHandler adapts the router to rpc.WithFrameHandler.
func (r *Router) FrameHandler() func(context.Context, *elbus.Frame) {
	return func(_ context.Context, f *elbus.Frame) {
		r.Route(f)
	}
}

// Receiver is a client frames can be read from.
type Receiver interface {
	Recv(ctx context.Context) (*elbus.Frame, error)
}

// Subscriber is a client that can subscribe to topics.
type Subscriber interface {
	Subscribe(ctx context.Context, filters ...string) error
}

// Subscribe subscribes c to every registered topic filter.
func (r *Router) Subscribe(ctx context.Context, c Subscriber) error {
	filters := r.Filters()
	if len(filters) == 0 {
		return nil
	}
	return c.Subscribe(ctx, filters...)
}

// Serve routes frames read from c until ctx ends or c is closed.
func (r *Router) Serve(ctx context.Context, c Receiver) error {
	for {
		f, err := c.Recv(ctx)
		if err != nil {
			return err
		}
		r.Route(f)
	}
}
