// Package metrics exposes the engine's connection/interceptor/byte
// counters as promauto-registered, namespace-scoped Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamrelay"

var (
	// ConnectionsAccepted counts every connection a listener has accepted,
	// labeled by which entry binary accepted it.
	ConnectionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted, by entry point",
		},
		[]string{"entry"},
	)

	// ConnectionsActive tracks connections whose interception engine
	// (intercept.Conn.Run) is currently running; a connection stops being
	// counted once Run returns, so raw-spliced connections are not included.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently being proxied",
		},
	)

	// InterceptorMatches counts how often each named interceptor won the
	// race (called Identified), the metrics-level view of "identified()".
	InterceptorMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interceptor_matches_total",
			Help:      "Times an interceptor claimed a connection via Identified",
		},
		[]string{"interceptor"},
	)

	// ProtocolHandovers counts ProtocolChanged calls (CONNECT tunnels and
	// Upgrade transitions), labeled by the new interceptor set name ("" for
	// "every registered parser races again").
	ProtocolHandovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_handovers_total",
			Help:      "Protocol handovers (CONNECT tunnel / Upgrade) by target interceptor name",
		},
		[]string{"target"},
	)

	// BytesRelayed counts bytes the interception engine wrote to a
	// destination socket while Run was active; bytes copied by the final
	// raw-splice handoff are not counted.
	BytesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes forwarded to a destination socket",
		},
		[]string{"direction"},
	)

	// ProtocolViolations counts interceptors cancelled for a protocol
	// violation after having already matched.
	ProtocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Matched interceptors cancelled due to a protocol violation",
		},
		[]string{"interceptor"},
	)
)

// Handler returns the HTTP handler serving the process's registered
// collectors, for a binary that wants to expose a /metrics endpoint
// alongside its proxy listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
