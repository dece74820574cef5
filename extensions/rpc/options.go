package rpc

import (
	"time"

	"github.com/vitalvas/elbus"
)

// Option configures an Endpoint.
type Option func(*config)

type config struct {
	timeout  time.Duration
	pool     *elbus.WorkerPool
	workers  int
	logger   elbus.Logger
	metrics  *elbus.BrokerMetrics
	handlers map[string]Handler
	onNotify NotificationHandler
	onFrame  FrameHandler
}

func defaultConfig() *config {
	return &config{
		timeout:  elbus.DefaultTimeout,
		workers:  elbus.DefaultWorkers,
		logger:   elbus.NewNoOpLogger(),
		metrics:  elbus.NewBrokerMetrics(nil),
		handlers: make(map[string]Handler),
	}
}

// WithTimeout sets the call timeout applied when the call context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPool runs handlers on a shared pool. The endpoint does not close it.
func WithPool(p *elbus.WorkerPool) Option {
	return func(c *config) {
		c.pool = p
	}
}

// WithWorkers sets the size of the endpoint's own handler pool.
// Ignored when WithPool is given.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger sets the endpoint logger.
func WithLogger(l elbus.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records call results and durations.
func WithMetrics(m *elbus.BrokerMetrics) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHandler installs a method handler before the endpoint starts receiving.
func WithHandler(method string, h Handler) Option {
	return func(c *config) {
		c.handlers[method] = h
	}
}

// WithNotificationHandler sets the function that receives notifications.
func WithNotificationHandler(fn NotificationHandler) Option {
	return func(c *config) {
		c.onNotify = fn
	}
}

// WithFrameHandler sets the function that receives non-RPC frames.
func WithFrameHandler(fn FrameHandler) Option {
	return func(c *config) {
		c.onFrame = fn
	}
}
