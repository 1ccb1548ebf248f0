// Package metrics defines the proxy's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns = "connect_proxy"

	LabelResult    = "result"
	LabelDirection = "direction"

	ResultRelayed     = "relayed"
	ResultTLSFailed   = "tls_failed"
	ResultBadRequest  = "bad_request"
	ResultDenied      = "denied"
	ResultDialFailed  = "dial_failed"
	ResultRelayFailed = "relay_failed"

	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	Connections         *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	BytesRelayed        *prometheus.CounterVec
	AdmissionWaits      prometheus.Counter
}

// New registers the collectors on reg. A nil reg gives working collectors
// that are not exported anywhere.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "connections_accepted_total",
			Help: "The number of client connections accepted.",
		}),
		Connections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "connections_total",
			Help: "The number of finished client connections, by how they ended.",
		}, []string{LabelResult}),
		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_sessions",
			Help: "The number of client connections currently being handled.",
		}),
		BytesRelayed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "relayed_bytes_total",
			Help: "Bytes copied through established tunnels.",
		}, []string{LabelDirection}),
		AdmissionWaits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "admission_waits_total",
			Help: "Times the accept loop waited for a free slot under max_connections.",
		}),
	}

	// Pre-create label values so they export as zero.
	for _, r := range []string{ResultRelayed, ResultTLSFailed, ResultBadRequest, ResultDenied, ResultDialFailed, ResultRelayFailed} {
		m.Connections.WithLabelValues(r)
	}
	for _, d := range []string{DirectionClientToUpstream, DirectionUpstreamToClient} {
		m.BytesRelayed.WithLabelValues(d)
	}

	return m
}
