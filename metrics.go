package tcpshm

import "github.com/prometheus/client_golang/prometheus"

// metrics is the optional Prometheus instrumentation described in
// SPEC_FULL.md section 6, grounded on runZeroInc-sockstats/runZeroInc-
// conniver's use of client_golang for per-socket counters. Every field is
// nil (and every method a no-op) when Config.Registerer is nil, so a caller
// that doesn't want metrics pays nothing beyond the nil checks.
type metrics struct {
	connectionsEstablished prometheus.Counter
	connectionsClosed      *prometheus.CounterVec
	bytesSent              prometheus.Counter
	bytesReceived          prometheus.Counter
	queueFull              *prometheus.CounterVec
	heartbeatTimeouts      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, subsystem string) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		connectionsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpshm", Subsystem: subsystem, Name: "connections_established_total",
			Help: "Number of connections that completed the login handshake.",
		}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcpshm", Subsystem: subsystem, Name: "connections_closed_total",
			Help: "Number of connections closed, by reason.",
		}, []string{"reason"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpshm", Subsystem: subsystem, Name: "bytes_sent_total",
			Help: "Bytes of PTCP data frames written to sockets; heartbeats are not counted.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpshm", Subsystem: subsystem, Name: "bytes_received_total",
			Help: "Bytes of data frames read from PTCP sockets; heartbeats are not counted.",
		}),
		queueFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcpshm", Subsystem: subsystem, Name: "queue_full_total",
			Help: "Number of Alloc calls that returned false for lack of space, by queue kind.",
		}, []string{"queue"}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpshm", Subsystem: subsystem, Name: "heartbeat_timeouts_total",
			Help: "Number of connections dropped for exceeding ConnectionTimeout.",
		}),
	}
	reg.MustRegister(
		m.connectionsEstablished,
		m.connectionsClosed,
		m.bytesSent,
		m.bytesReceived,
		m.queueFull,
		m.heartbeatTimeouts,
	)
	return m
}

func (m *metrics) connEstablished() {
	if m != nil {
		m.connectionsEstablished.Inc()
	}
}

func (m *metrics) connClosed(reason string) {
	if m != nil {
		m.connectionsClosed.WithLabelValues(reason).Inc()
	}
}

func (m *metrics) sent(n int) {
	if m != nil {
		m.bytesSent.Add(float64(n))
	}
}

func (m *metrics) received(n int) {
	if m != nil {
		m.bytesReceived.Add(float64(n))
	}
}

func (m *metrics) queueFullEvent(queue string) {
	if m != nil {
		m.queueFull.WithLabelValues(queue).Inc()
	}
}

func (m *metrics) heartbeatTimeout() {
	if m != nil {
		m.heartbeatTimeouts.Inc()
	}
}
