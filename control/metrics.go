// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the connection lifecycle. All methods are safe
// on a nil *Metrics so callers need not guard optional instrumentation.

package control

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Handshake outcomes recorded by the server.
const (
	HandshakeAccepted       = "accepted"
	HandshakeRejected       = "rejected"
	HandshakeInvalidKey     = "invalid_key"
	HandshakePathMismatch   = "path_mismatch"
	HandshakeTransferFailed = "transfer_failed"
	HandshakeAborted        = "aborted"
)

// Metrics groups the bridge collectors under one namespace.
type Metrics struct {
	reg prometheus.Registerer

	connections prometheus.Gauge
	handshakes  *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	messagesIn  *prometheus.CounterVec
	bytesIn     prometheus.Counter
	messagesOut *prometheus.CounterVec
	broadcasts  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reg: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "handshakes_total",
			Help:      "Upgrade requests by outcome.",
		}, []string{"result"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "disconnects_total",
			Help:      "Closed connections by close code.",
		}, []string{"code"}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_received_total",
			Help:      "Messages received from clients.",
		}, []string{"type"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "received_bytes_total",
			Help:      "Payload bytes received from clients.",
		}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Messages queued to clients.",
		}, []string{"type"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "broadcasts_total",
			Help:      "Broadcast operations.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.connections, m.handshakes, m.disconnects,
		m.messagesIn, m.bytesIn, m.messagesOut, m.broadcasts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handshake counts one upgrade outcome.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// ConnectionOpened tracks a connection that reached the application.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed tracks a disconnect with its close code.
func (m *Metrics) ConnectionClosed(code int) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.disconnects.WithLabelValues(strconv.Itoa(code)).Inc()
}

// MessageReceived counts an inbound message.
func (m *Metrics) MessageReceived(binary bool, size int) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(kind(binary)).Inc()
	m.bytesIn.Add(float64(size))
}

// MessageSent counts an outbound message.
func (m *Metrics) MessageSent(binary bool) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(kind(binary)).Inc()
}

// Broadcast counts one broadcast call.
func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func kind(binary bool) string {
	if binary {
		return "binary"
	}
	return "text"
}
