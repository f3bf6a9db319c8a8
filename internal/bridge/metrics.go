package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report bridge channel activity.
type Metrics struct {
	inbound    *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	acks       prometheus.Counter
	replies    prometheus.Counter
	queueDepth prometheus.Gauge
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors panic, mirroring promauto semantics; a duplicate
// registration reuses the existing collector so repeated gateway construction
// (multiple tests against the default registry) stays safe.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	inbound := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "bridge",
			Name:      "inbound_events_total",
			Help:      "Inbound channel events by routing outcome.",
		},
		[]string{"route"},
	)
	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "bridge",
			Name:      "dropped_events_total",
			Help:      "Inbound events dropped before routing.",
		},
		[]string{"reason"},
	)
	acks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "bridge",
			Name:      "acks_sent_total",
			Help:      "Fast acknowledgments sent to the bound contact.",
		},
	)
	replies := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perch",
			Subsystem: "bridge",
			Name:      "replies_sent_total",
			Help:      "Completed replies flushed through the sequencer.",
		},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "perch",
			Subsystem: "bridge",
			Name:      "worker_queue_depth",
			Help:      "Messages waiting in the gateway worker queue.",
		},
	)

	collectors := []prometheus.Collector{inbound, dropped, acks, replies, queueDepth}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case inbound:
					inbound = already.ExistingCollector.(*prometheus.CounterVec)
				case dropped:
					dropped = already.ExistingCollector.(*prometheus.CounterVec)
				case acks:
					acks = already.ExistingCollector.(prometheus.Counter)
				case replies:
					replies = already.ExistingCollector.(prometheus.Counter)
				case queueDepth:
					queueDepth = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		inbound:    inbound,
		dropped:    dropped,
		acks:       acks,
		replies:    replies,
		queueDepth: queueDepth,
	}
}

// IncInbound counts a routed inbound event. route is one of
// answer/command/prompt.
func (m *Metrics) IncInbound(route string) {
	if m == nil || m.inbound == nil {
		return
	}
	m.inbound.WithLabelValues(route).Inc()
}

// IncDropped counts an event dropped before routing. reason is one of
// duplicate/self/unauthorized/overflow/malformed.
func (m *Metrics) IncDropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// IncAck counts one fast acknowledgment.
func (m *Metrics) IncAck() {
	if m == nil || m.acks == nil {
		return
	}
	m.acks.Inc()
}

// IncReply counts one flushed reply.
func (m *Metrics) IncReply() {
	if m == nil || m.replies == nil {
		return
	}
	m.replies.Inc()
}

// SetQueueDepth records the current worker queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
