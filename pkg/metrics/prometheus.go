// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type prometheusMetrics struct {
	sessionsActive       prometheus.Gauge
	sessionsTotal        prometheus.Counter
	connectionsOpen      prometheus.Gauge
	connectionsActive    prometheus.Gauge
	connectionsTotal     prometheus.Counter
	pdusSent             *prometheus.CounterVec
	pdusReceived         *prometheus.CounterVec
	bytesSent            prometheus.Counter
	bytesReceived        prometheus.Counter
	transportErrors      *prometheus.CounterVec
	throughput           *prometheus.GaugeVec
	notificationsDropped *prometheus.CounterVec
}

// NewPrometheusMetrics registers the initiator collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) InitiatorMetrics {
	factory := promauto.With(reg)
	return &prometheusMetrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iscsi_initiator_sessions",
			Help: "Number of allocated sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_initiator_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iscsi_initiator_connections",
			Help: "Number of allocated connections",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iscsi_initiator_connections_active",
			Help: "Number of activated connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_initiator_connections_created_total",
			Help: "Total number of connections created",
		}),
		pdusSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iscsi_initiator_pdus_sent_total",
			Help: "PDUs sent by opcode",
		}, []string{"opcode"}),
		pdusReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iscsi_initiator_pdus_received_total",
			Help: "PDUs received by opcode",
		}, []string{"opcode"}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_initiator_sent_bytes_total",
			Help: "Bytes written to sockets including headers, padding and digests",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_initiator_received_bytes_total",
			Help: "Bytes read from sockets including headers, padding and digests",
		}),
		transportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iscsi_initiator_transport_errors_total",
			Help: "Socket failures by direction",
		}, []string{"direction"}),
		throughput: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iscsi_initiator_connection_throughput_bytes_per_second",
			Help: "Moving average of completed transfer rate per connection",
		}, []string{"session", "connection"}),
		notificationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iscsi_initiator_notifications_dropped_total",
			Help: "Notifications dropped because nobody was listening",
		}, []string{"kind"}),
	}
}

func (m *prometheusMetrics) SessionCreated() {
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *prometheusMetrics) SessionReleased() {
	m.sessionsActive.Dec()
}

func (m *prometheusMetrics) ConnectionCreated() {
	m.connectionsOpen.Inc()
	m.connectionsTotal.Inc()
}

func (m *prometheusMetrics) ConnectionReleased() {
	m.connectionsOpen.Dec()
}

func (m *prometheusMetrics) ConnectionActivated() {
	m.connectionsActive.Inc()
}

func (m *prometheusMetrics) ConnectionDeactivated() {
	m.connectionsActive.Dec()
}

func (m *prometheusMetrics) PDUSent(opCode string, wireBytes int) {
	m.pdusSent.WithLabelValues(opCode).Inc()
	m.bytesSent.Add(float64(wireBytes))
}

func (m *prometheusMetrics) PDUReceived(opCode string, wireBytes int) {
	m.pdusReceived.WithLabelValues(opCode).Inc()
	m.bytesReceived.Add(float64(wireBytes))
}

func (m *prometheusMetrics) TransportError(direction string) {
	m.transportErrors.WithLabelValues(direction).Inc()
}

func (m *prometheusMetrics) ObserveThroughput(sessionId, connectionId string, bytesPerSecond float64) {
	m.throughput.WithLabelValues(sessionId, connectionId).Set(bytesPerSecond)
}

func (m *prometheusMetrics) ForgetConnection(sessionId, connectionId string) {
	m.throughput.DeleteLabelValues(sessionId, connectionId)
}

func (m *prometheusMetrics) NotificationDropped(kind string) {
	m.notificationsDropped.WithLabelValues(kind).Inc()
}
