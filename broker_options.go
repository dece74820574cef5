package elbus

import (
	"time"

	"golang.org/x/time/rate"
)

// Broker defaults.
const (
	DefaultQueueSize = 8192
	DefaultTimeout   = time.Second
)

// BrokerOption configures a Broker.
type BrokerOption func(*brokerConfig)

type brokerConfig struct {
	queueSize    int
	timeout      time.Duration
	workers      int
	authz        Authorizer
	logger       Logger
	metrics      Metrics
	warnLimit    rate.Limit
	warnBurst    int
	onRegister   func(*ClientHandle)
	onDeregister func(*ClientHandle)
}

func defaultBrokerConfig() *brokerConfig {
	return &brokerConfig{
		queueSize: DefaultQueueSize,
		timeout:   DefaultTimeout,
		workers:   DefaultWorkers,
		logger:    NewNoOpLogger(),
		metrics:   &NoOpMetrics{},
		warnLimit: rate.Every(time.Second),
		warnBurst: 10,
	}
}

// WithQueueSize sets the inbound queue capacity of each client.
func WithQueueSize(n int) BrokerOption {
	return func(c *brokerConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithTimeout sets how long a processed operation waits for queue space.
func WithTimeout(d time.Duration) BrokerOption {
	return func(c *brokerConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithWorkers sets the size of the broker worker pool.
func WithWorkers(n int) BrokerOption {
	return func(c *brokerConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithAuthorizer sets the authorizer consulted before every delivery.
// A nil authorizer allows everything.
func WithAuthorizer(authz Authorizer) BrokerOption {
	return func(c *brokerConfig) {
		c.authz = authz
	}
}

// WithLogger sets the broker logger.
func WithLogger(logger Logger) BrokerOption {
	return func(c *brokerConfig) {
		if logger == nil {
			logger = NewNoOpLogger()
		}
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) BrokerOption {
	return func(c *brokerConfig) {
		if m == nil {
			m = &NoOpMetrics{}
		}
		c.metrics = m
	}
}

// WithWarnRate limits how often the broker publishes to the warning topic.
func WithWarnRate(limit rate.Limit, burst int) BrokerOption {
	return func(c *brokerConfig) {
		c.warnLimit = limit
		c.warnBurst = burst
	}
}

// OnRegister sets the callback for client registrations.
func OnRegister(fn func(*ClientHandle)) BrokerOption {
	return func(c *brokerConfig) {
		c.onRegister = fn
	}
}

// OnDeregister sets the callback for client removals.
func OnDeregister(fn func(*ClientHandle)) BrokerOption {
	return func(c *brokerConfig) {
		c.onDeregister = fn
	}
}
