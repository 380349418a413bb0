package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

// DeliveryMetrics is a delivery.StatsCollector that mirrors every event into
// Prometheus before handing it to the wrapped collector, which still answers
// Snapshot and Reset.
type DeliveryMetrics struct {
	next delivery.StatsCollector
	reg  prometheus.Registerer

	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	timeouts *prometheus.CounterVec
	failures *prometheus.CounterVec
}

var _ delivery.StatsCollector = (*DeliveryMetrics)(nil)

// NewDeliveryMetrics registers the delivery metrics on reg. A nil next
// falls back to delivery.NewMemoryStats.
func NewDeliveryMetrics(reg prometheus.Registerer, next delivery.StatsCollector) (*DeliveryMetrics, error) {
	if next == nil {
		next = delivery.NewMemoryStats()
	}
	m := &DeliveryMetrics{
		next: next,
		reg:  reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "messages_total",
			Help:      "Messages published or accepted, by direction and message type.",
		}, []string{"direction", "type"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "bytes_total",
			Help:      "Encoded envelope bytes, by direction.",
		}, []string{"direction"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "ack_latency_seconds",
			Help:      "Time from first send to acknowledgment.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Resends of unacknowledged messages.",
		}, []string{"type"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "timeouts_total",
			Help:      "Messages that ran out of time before an ack.",
		}, []string{"type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "failures_total",
			Help:      "Messages that ended Failed.",
		}, []string{"type"}),
	}
	for _, c := range []prometheus.Collector{m.messages, m.bytes, m.latency, m.retries, m.timeouts, m.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// TrackPending exports the size of the pending table, read on every scrape.
func (m *DeliveryMetrics) TrackPending(pending func() int) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "pending_messages",
		Help:      "Acknowledged sends awaiting a terminal result.",
	}, func() float64 { return float64(pending()) }))
}

func (m *DeliveryMetrics) RecordSent(t wire.MessageType, context string, n int) {
	m.messages.WithLabelValues("sent", string(t)).Inc()
	m.bytes.WithLabelValues("sent").Add(float64(n))
	m.next.RecordSent(t, context, n)
}

func (m *DeliveryMetrics) RecordReceived(t wire.MessageType, context string, n int) {
	m.messages.WithLabelValues("received", string(t)).Inc()
	m.bytes.WithLabelValues("received").Add(float64(n))
	m.next.RecordReceived(t, context, n)
}

func (m *DeliveryMetrics) RecordDelivered(t wire.MessageType, latency time.Duration) {
	m.latency.WithLabelValues(string(t)).Observe(latency.Seconds())
	m.next.RecordDelivered(t, latency)
}

func (m *DeliveryMetrics) RecordRetry(t wire.MessageType) {
	m.retries.WithLabelValues(string(t)).Inc()
	m.next.RecordRetry(t)
}

func (m *DeliveryMetrics) RecordTimeout(t wire.MessageType) {
	m.timeouts.WithLabelValues(string(t)).Inc()
	m.next.RecordTimeout(t)
}

// RecordFailure keeps reason out of the labels; it is free-form.
func (m *DeliveryMetrics) RecordFailure(t wire.MessageType, reason string) {
	m.failures.WithLabelValues(string(t)).Inc()
	m.next.RecordFailure(t, reason)
}

func (m *DeliveryMetrics) Snapshot() delivery.Stats { return m.next.Snapshot() }

// Reset clears the wrapped counters. Prometheus counters are monotonic and
// keep counting.
func (m *DeliveryMetrics) Reset() { m.next.Reset() }
