package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// everywhere and records nothing, so tests can omit it.
type Metrics struct {
	ConnectionsLive    prometheus.Gauge
	Reconnects         prometheus.Counter
	HeartbeatTimeouts  prometheus.Counter
	GapRequests        prometheus.Counter
	GapMessagesSkipped prometheus.Counter
	QueueDrops         prometheus.Counter
	MessagesDelivered  prometheus.Counter
	MessagesQueued     prometheus.Counter
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabrelay_connections_live",
			Help: "Number of currently live backend connections.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_reconnects_total",
			Help: "Reconnection attempts scheduled after a connection loss.",
		}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_heartbeat_timeouts_total",
			Help: "Connections declared dead for missing heartbeat acks.",
		}),
		GapRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_gap_requests_total",
			Help: "Gap-recovery requests sent to backends.",
		}),
		GapMessagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_gap_messages_skipped_total",
			Help: "Messages abandoned by the gap-too-large skip-ahead policy.",
		}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_queue_drops_total",
			Help: "Outbound messages dropped by the bounded queue.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_messages_delivered_total",
			Help: "Outbound messages written directly to a live socket.",
		}),
		MessagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabrelay_messages_queued_total",
			Help: "Outbound messages buffered for a later flush.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsLive,
		m.Reconnects,
		m.HeartbeatTimeouts,
		m.GapRequests,
		m.GapMessagesSkipped,
		m.QueueDrops,
		m.MessagesDelivered,
		m.MessagesQueued,
	)
	return m
}

// Nil-safe helpers. Connection code calls these unconditionally.

func (m *Metrics) IncLive() {
	if m != nil {
		m.ConnectionsLive.Inc()
	}
}

func (m *Metrics) DecLive() {
	if m != nil {
		m.ConnectionsLive.Dec()
	}
}

func (m *Metrics) IncReconnects() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) IncHeartbeatTimeouts() {
	if m != nil {
		m.HeartbeatTimeouts.Inc()
	}
}

func (m *Metrics) IncGapRequests() {
	if m != nil {
		m.GapRequests.Inc()
	}
}

func (m *Metrics) AddGapSkipped(n int64) {
	if m != nil && n > 0 {
		m.GapMessagesSkipped.Add(float64(n))
	}
}

func (m *Metrics) AddQueueDrops(n int64) {
	if m != nil && n > 0 {
		m.QueueDrops.Add(float64(n))
	}
}

func (m *Metrics) IncDelivered() {
	if m != nil {
		m.MessagesDelivered.Inc()
	}
}

func (m *Metrics) IncQueued() {
	if m != nil {
		m.MessagesQueued.Inc()
	}
}
