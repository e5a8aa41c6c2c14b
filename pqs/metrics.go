package pqs

import (
	"errors"

	"github.com/TheusHen/pqs/pqs/session"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the Peer's Prometheus instruments.
type metrics struct {
	packets       *prometheus.CounterVec
	drops         *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	active        prometheus.Gauge
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pqs_received_packets_total",
				Help: "Number of datagrams accepted by the session layer",
			},
			[]string{"result"},
		),
		drops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pqs_dropped_packets_total",
				Help: "Number of datagrams dropped by the session layer",
			},
			[]string{"reason"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pqs_sessions_established_total",
				Help: "Number of sessions established",
			},
			[]string{"direction"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pqs_active_sessions",
				Help: "Number of sessions in the session table",
			},
		),
		bytesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pqs_sent_bytes_total",
				Help: "Application bytes sent",
			},
		),
		bytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pqs_received_bytes_total",
				Help: "Application bytes received",
			},
		),
	}
	for _, c := range []prometheus.Collector{m.packets, m.drops, m.sessions, m.active, m.bytesSent, m.bytesReceived} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) dropped(err error) {
	m.drops.WithLabelValues(dropReason(err)).Inc()
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, session.ErrFailedAuthentication):
		return "failed_authentication"
	case errors.Is(err, session.ErrUnknownLocalSessionID):
		return "unknown_session"
	case errors.Is(err, session.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, session.ErrNewSessionRejected):
		return "rejected"
	case errors.Is(err, session.ErrSessionNotEstablished):
		return "not_established"
	case errors.Is(err, session.ErrUnknownProtocolVersion):
		return "unknown_version"
	case errors.Is(err, session.ErrDataTooLarge):
		return "too_large"
	case errors.Is(err, session.ErrInvalidPacket):
		return "invalid_packet"
	default:
		return "other"
	}
}
