package elbus

import (
	"time"
)

// MetricType identifies the kind of a metric series.
type MetricType int

const (
	MetricTypeCounter MetricType = iota
	MetricTypeGauge
	MetricTypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	}
	return "unknown"
}

// MetricLabels are the label values of one series.
type MetricLabels map[string]string

// Metrics is the sink the broker, server and RPC layer report into.
// Implementations return the same series for the same name and labels.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter only goes up.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge tracks a level such as connected clients or live subscriptions.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram records observations such as fan-out sizes or wait times.
type Histogram interface {
	Observe(value float64)
	// ObserveDuration records d in seconds.
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards everything. It is the default sink.
type NoOpMetrics struct{}

func (*NoOpMetrics) Counter(string, MetricLabels) Counter     { return noOpSeries{} }
func (*NoOpMetrics) Gauge(string, MetricLabels) Gauge         { return noOpSeries{} }
func (*NoOpMetrics) Histogram(string, MetricLabels) Histogram { return noOpSeries{} }

// noOpSeries satisfies Counter, Gauge and Histogram.
type noOpSeries struct{}

func (noOpSeries) Set(float64)                   {}
func (noOpSeries) Inc()                          {}
func (noOpSeries) Dec()                          {}
func (noOpSeries) Add(float64)                   {}
func (noOpSeries) Sub(float64)                   {}
func (noOpSeries) Value() float64                { return 0 }
func (noOpSeries) Observe(float64)               {}
func (noOpSeries) ObserveDuration(time.Duration) {}
func (noOpSeries) Count() uint64                 { return 0 }
func (noOpSeries) Sum() float64                  { return 0 }

// Standard metric names for the broker.
const (
	// MetricClients is the current number of registered clients.
	MetricClients = "elbus_clients"

	// MetricRegistrationsTotal is the total number of registrations by outcome.
	MetricRegistrationsTotal = "elbus_registrations_total"

	// MetricFramesSent is the total number of frames enqueued to clients.
	MetricFramesSent = "elbus_frames_sent_total"

	// MetricFramesDropped is the total number of frames dropped on a full queue.
	MetricFramesDropped = "elbus_frames_dropped_total"

	// MetricOperations is the total number of client operations by kind and result.
	MetricOperations = "elbus_operations_total"

	// MetricDeliveryFanout is the number of clients one broadcast or publish reached.
	MetricDeliveryFanout = "elbus_delivery_fanout"

	// MetricSubscriptions is the current number of topic subscriptions.
	MetricSubscriptions = "elbus_subscriptions"

	// MetricProcessedWait is the time processed operations spent waiting for queue space.
	MetricProcessedWait = "elbus_processed_wait_seconds"

	// MetricBytesReceived is the total bytes received from wire clients.
	MetricBytesReceived = "elbus_bytes_received_total"

	// MetricRPCCalls is the total number of RPC calls by outcome.
	MetricRPCCalls = "elbus_rpc_calls_total"

	// MetricRPCCallDuration is the RPC call latency.
	MetricRPCCallDuration = "elbus_rpc_call_duration_seconds"
)

// Standard metric labels.
const (
	// LabelOp is the operation label.
	LabelOp = "op"

	// LabelResult is the operation result label.
	LabelResult = "result"

	// LabelKind is the frame or client kind label.
	LabelKind = "kind"

	// LabelQoS is the QoS level label.
	LabelQoS = "qos"
)

// BrokerMetrics provides convenience methods for common broker metrics.
type BrokerMetrics struct {
	metrics Metrics
}

// NewBrokerMetrics creates a new BrokerMetrics instance.
func NewBrokerMetrics(m Metrics) *BrokerMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &BrokerMetrics{metrics: m}
}

// ClientRegistered records a registration attempt.
func (b *BrokerMetrics) ClientRegistered(kind ClientKind, err error) {
	b.metrics.Counter(MetricRegistrationsTotal, MetricLabels{
		LabelKind:   string(kind),
		LabelResult: ResultCodeFromError(err).String(),
	}).Inc()
	if err == nil {
		b.metrics.Gauge(MetricClients, nil).Inc()
	}
}

// ClientDeregistered records a removed client.
func (b *BrokerMetrics) ClientDeregistered() {
	b.metrics.Gauge(MetricClients, nil).Dec()
}

// FrameSent records a frame placed on a client queue.
func (b *BrokerMetrics) FrameSent(kind FrameKind) {
	b.metrics.Counter(MetricFramesSent, MetricLabels{LabelKind: kind.String()}).Inc()
}

// FrameDropped records a frame dropped because of backpressure.
func (b *BrokerMetrics) FrameDropped(kind FrameKind) {
	b.metrics.Counter(MetricFramesDropped, MetricLabels{LabelKind: kind.String()}).Inc()
}

// Operation records the outcome of a client operation.
func (b *BrokerMetrics) Operation(op Op, qos QoS, err error) {
	b.metrics.Counter(MetricOperations, MetricLabels{
		LabelOp:     op.String(),
		LabelQoS:    qos.String(),
		LabelResult: ResultCodeFromError(err).String(),
	}).Inc()
}

// Fanout records how many clients one broadcast or publish reached.
func (b *BrokerMetrics) Fanout(op Op, n int) {
	b.metrics.Histogram(MetricDeliveryFanout, MetricLabels{LabelOp: op.String()}).Observe(float64(n))
}

// SubscriptionsChanged adjusts the subscription gauge.
func (b *BrokerMetrics) SubscriptionsChanged(delta int) {
	if delta != 0 {
		b.metrics.Gauge(MetricSubscriptions, nil).Add(float64(delta))
	}
}

// ProcessedWait records time spent waiting for queue space.
func (b *BrokerMetrics) ProcessedWait(d time.Duration) {
	b.metrics.Histogram(MetricProcessedWait, nil).ObserveDuration(d)
}

// BytesReceived records received bytes.
func (b *BrokerMetrics) BytesReceived(n int) {
	b.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

// RPCCall records the outcome and latency of an RPC call.
func (b *BrokerMetrics) RPCCall(result string, d time.Duration) {
	b.metrics.Counter(MetricRPCCalls, MetricLabels{LabelResult: result}).Inc()
	b.metrics.Histogram(MetricRPCCallDuration, nil).ObserveDuration(d)
}
