// Package metrics exposes the daemon's Prometheus counters and the JSON
// snapshot returned over the bus for the notify_query "metrics" request.
package metrics

import (
	"encoding/json"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifypush/server/internal/model"
	"github.com/notifypush/server/internal/wire"
)

const namespace = "notify_push"

// Metrics holds every counter named in §6, registered against a private
// registry so tests can construct one without colliding with the default
// global registry.
type Metrics struct {
	registry *prometheus.Registry

	activeConnectionCount prometheus.Gauge
	activeUserCount       prometheus.Gauge
	totalConnectionCount  prometheus.Counter
	mappingQueryCount     prometheus.Counter
	eventsReceived        prometheus.Counter
	messagesSent          prometheus.Counter
	messagesSentFile      prometheus.Counter
	messagesSentActivity  prometheus.Counter
	messagesSentNotif     prometheus.Counter
	messagesSentCustom    prometheus.Counter
	messagesDropped       prometheus.Counter
}

// New constructs Metrics and registers its collectors with registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		activeConnectionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connection_count",
			Help: "Number of currently open, authenticated WebSocket connections.",
		}),
		activeUserCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_user_count",
			Help: "Number of distinct users with at least one open connection.",
		}),
		totalConnectionCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "total_connection_count",
			Help: "Total connections accepted since startup.",
		}),
		mappingQueryCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mapping_query_count",
			Help: "Total mapping store queries issued against the database.",
		}),
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_received",
			Help: "Total bus events received.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent",
			Help: "Total outbound frames sent to clients.",
		}),
		messagesSentFile: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_file",
			Help: "Outbound notify_file / notify_file_id frames sent.",
		}),
		messagesSentActivity: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_activity",
			Help: "Outbound notify_activity frames sent.",
		}),
		messagesSentNotif: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_notification",
			Help: "Outbound notify_notification frames sent.",
		}),
		messagesSentCustom: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_custom",
			Help: "Outbound custom-type frames sent.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dropped",
			Help: "Outbound frames dropped due to a full per-connection channel.",
		}),
	}

	registry.MustRegister(
		m.activeConnectionCount, m.activeUserCount, m.totalConnectionCount,
		m.mappingQueryCount, m.eventsReceived, m.messagesSent,
		m.messagesSentFile, m.messagesSentActivity, m.messagesSentNotif,
		m.messagesSentCustom, m.messagesDropped,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) AddConnection() {
	m.totalConnectionCount.Inc()
	m.activeConnectionCount.Inc()
}

func (m *Metrics) RemoveConnection() { m.activeConnectionCount.Dec() }

func (m *Metrics) AddUser(model.UserId) { m.activeUserCount.Inc() }

func (m *Metrics) RemoveUser(model.UserId) { m.activeUserCount.Dec() }

func (m *Metrics) AddMappingQuery() { m.mappingQueryCount.Inc() }

func (m *Metrics) AddEvent() { m.eventsReceived.Inc() }

func (m *Metrics) AddDropped() { m.messagesDropped.Inc() }

// AddMessage records one outbound frame, incrementing both the aggregate
// and the per-type counter.
func (m *Metrics) AddMessage(t wire.MessageType) {
	m.messagesSent.Inc()
	switch t {
	case wire.TypeFile, wire.TypeFileId:
		m.messagesSentFile.Inc()
	case wire.TypeActivity:
		m.messagesSentActivity.Inc()
	case wire.TypeNotification:
		m.messagesSentNotif.Inc()
	case wire.TypeCustom:
		m.messagesSentCustom.Inc()
	}
}

// Snapshot is the JSON shape published to the well-known bus key in
// response to a notify_query "metrics" request, matching the counter
// names in §6.
type Snapshot struct {
	ActiveConnectionCount    int `json:"active_connection_count"`
	ActiveUserCount          int `json:"active_user_count"`
	TotalConnectionCount     int `json:"total_connection_count"`
	MappingQueryCount        int `json:"mapping_query_count"`
	EventsReceived           int `json:"events_received"`
	MessagesSent             int `json:"messages_sent"`
	MessagesSentFile         int `json:"messages_sent_file"`
	MessagesSentActivity     int `json:"messages_sent_activity"`
	MessagesSentNotification int `json:"messages_sent_notification"`
	MessagesSentCustom       int `json:"messages_sent_custom"`
}

// Snapshot gathers the current counter values via the Prometheus registry
// so the bus response and the /metrics endpoint never disagree.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnectionCount:    int(gaugeValue(m.activeConnectionCount)),
		ActiveUserCount:          int(gaugeValue(m.activeUserCount)),
		TotalConnectionCount:     int(counterValue(m.totalConnectionCount)),
		MappingQueryCount:        int(counterValue(m.mappingQueryCount)),
		EventsReceived:           int(counterValue(m.eventsReceived)),
		MessagesSent:             int(counterValue(m.messagesSent)),
		MessagesSentFile:         int(counterValue(m.messagesSentFile)),
		MessagesSentActivity:     int(counterValue(m.messagesSentActivity)),
		MessagesSentNotification: int(counterValue(m.messagesSentNotif)),
		MessagesSentCustom:       int(counterValue(m.messagesSentCustom)),
	}
}

// MarshalJSON round-trips through Snapshot so the bus response matches the
// field names in §6 exactly.
func (m *Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

func gaugeValue(g prometheus.Gauge) float64 {
	var pb dto.Metric
	g.Write(&pb)
	return pb.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	c.Write(&pb)
	return pb.GetCounter().GetValue()
}
