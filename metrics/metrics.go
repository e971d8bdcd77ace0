package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	connections       prometheus.Gauge
	joins             prometheus.Counter
	messagesIn        prometheus.Counter
	messagesFannedOut prometheus.Counter
	oversizeRejected  prometheus.Counter
	merges            prometheus.Counter
	notifications     prometheus.Counter
	roomsDeleted      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaultroom_connections",
			Help: "Currently open websocket connections.",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultroom_joins_total",
			Help: "Successful room joins.",
		}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultroom_messages_in_total",
			Help: "Messages accepted from local connections.",
		}),
		messagesFannedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultroom_messages_fanout_total",
			Help: "Message events delivered to local connections.",
		}),
		oversizeRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultroom_oversize_rejected_total",
			Help: "Messages rejected for exceeding the size ceiling.",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultroom_merges_total",
			Help: "Snapshot merges performed.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultroom_storage_notifications_total",
			Help: "Storage change notifications processed.",
		}),
		roomsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultroom_rooms_deleted_total",
			Help: "Room deletions observed (local or remote).",
		}),
	}

	reg.MustRegister(
		m.connections,
		m.joins,
		m.messagesIn,
		m.messagesFannedOut,
		m.oversizeRejected,
		m.merges,
		m.notifications,
		m.roomsDeleted,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) RecordJoin() {
	if m == nil {
		return
	}
	m.joins.Inc()
}

func (m *Metrics) RecordMessageIn() {
	if m == nil {
		return
	}
	m.messagesIn.Inc()
}

func (m *Metrics) RecordFanOut(n int) {
	if m == nil {
		return
	}
	m.messagesFannedOut.Add(float64(n))
}

func (m *Metrics) RecordOversize() {
	if m == nil {
		return
	}
	m.oversizeRejected.Inc()
}

func (m *Metrics) RecordMerge() {
	if m == nil {
		return
	}
	m.merges.Inc()
}

func (m *Metrics) RecordNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) RecordRoomDeleted() {
	if m == nil {
		return
	}
	m.roomsDeleted.Inc()
}
