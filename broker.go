package elbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Version is the broker version reported by the .broker service.
const Version = "0.1.0"

// Broker-owned names and topics.
const (
	BrokerClientName = ".broker"
	BrokerInfoTopic  = ".broker/info"
	BrokerWarnTopic  = ".broker/warn"
)

// Broker is the in-process message broker: client registry, broadcast and
// topic indices, and the dispatcher. Transports attach clients to it through
// Server; in-process clients register directly.
type Broker struct {
	config  *brokerConfig
	logger  Logger
	metrics *BrokerMetrics
	pool    *WorkerPool
	warns   *rate.Limiter

	id      uuid.UUID
	started time.Time

	mu      sync.RWMutex
	clients map[string]*ClientHandle

	broadcasts *PatternIndex
	topics     *PatternIndex

	// watchers maps target -> watcher -> reference count, watching is the
	// reverse index used to drop the watches of a departing client.
	watchMu  sync.Mutex
	watchers map[string]map[string]int
	watching map[string]map[string]struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// BrokerInfo describes a running broker.
type BrokerInfo struct {
	ID      string
	Version string
	Started time.Time
	Uptime  time.Duration
	Clients int
}

// NewBroker creates a broker.
func NewBroker(opts ...BrokerOption) *Broker {
	cfg := defaultBrokerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	b := &Broker{
		config:     cfg,
		logger:     cfg.logger,
		metrics:    NewBrokerMetrics(cfg.metrics),
		pool:       NewWorkerPool(cfg.workers),
		warns:      rate.NewLimiter(cfg.warnLimit, cfg.warnBurst),
		id:         uuid.New(),
		started:    time.Now(),
		clients:    make(map[string]*ClientHandle),
		broadcasts: NewPatternIndex(DialectBroadcast),
		topics:     NewPatternIndex(DialectTopic),
		watchers:   make(map[string]map[string]int),
		watching:   make(map[string]map[string]struct{}),
	}
	b.pool.OnPanic(func(r any) {
		b.logger.Error("worker task panicked", LogFields{LogFieldError: fmt.Sprint(r)})
	})
	return b
}

// ID returns the broker instance id.
func (b *Broker) ID() uuid.UUID {
	return b.id
}

// Logger returns the broker logger.
func (b *Broker) Logger() Logger {
	return b.logger
}

// Metrics returns the broker metrics helper.
func (b *Broker) Metrics() *BrokerMetrics {
	return b.metrics
}

// Pool returns the broker worker pool.
func (b *Broker) Pool() *WorkerPool {
	return b.pool
}

// Timeout returns the processed-QoS wait timeout.
func (b *Broker) Timeout() time.Duration {
	return b.config.timeout
}

// Info returns a snapshot of the broker state.
func (b *Broker) Info() BrokerInfo {
	b.mu.RLock()
	n := len(b.clients)
	b.mu.RUnlock()

	return BrokerInfo{
		ID:      b.id.String(),
		Version: Version,
		Started: b.started,
		Uptime:  time.Since(b.started),
		Clients: n,
	}
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	return b.closed.Load()
}

// Close deregisters every client and stops the worker pool.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.mu.RLock()
		names := make([]string, 0, len(b.clients))
		for name := range b.clients {
			names = append(names, name)
		}
		b.mu.RUnlock()

		for _, name := range names {
			b.Deregister(name)
		}

		err = b.pool.Close()
		b.logger.Info("broker closed", LogFields{LogFieldCount: len(names)})
	})
	return err
}

// warn publishes a notice on the broker warning topic. Warnings are rate
// limited and never block.
func (b *Broker) warn(msg string, fields LogFields) {
	b.logger.Warn(msg, fields)

	if !b.warns.Allow() {
		return
	}

	subs := b.topics.Match(BrokerWarnTopic)
	if len(subs) == 0 {
		return
	}
	f := &Frame{
		Kind:    FramePublish,
		Sender:  BrokerClientName,
		Topic:   BrokerWarnTopic,
		Payload: []byte(msg),
	}
	for _, owner := range Owners(subs) {
		h, ok := b.Lookup(owner)
		if !ok {
			continue
		}
		if err := h.enqueue(context.Background(), f, QoSNo, 0); err == nil {
			b.metrics.FrameSent(f.Kind)
		}
	}
}
