// Package metrics exposes rdnat's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions is the number of relay sessions currently copying bytes.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rdnat_active_sessions",
		Help: "Relay sessions in progress",
	}, []string{"mode"})

	// SessionsTotal counts finished relay sessions by how they ended.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdnat_sessions_total",
		Help: "Relay sessions finished",
	}, []string{"mode", "result"})

	// RelayedBytes counts bytes copied, split by direction ("a_to_b", "b_to_a").
	RelayedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdnat_relayed_bytes_total",
		Help: "Bytes relayed between endpoints",
	}, []string{"mode", "direction"})

	// PendingArrivals is the listen-mode queue depth per port side.
	PendingArrivals = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rdnat_pending_arrivals",
		Help: "Listen-mode connections waiting for a counterpart",
	}, []string{"side"})

	// DiscardedArrivals counts listen-mode connections that closed before pairing.
	DiscardedArrivals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdnat_discarded_arrivals_total",
		Help: "Listen-mode connections closed before a counterpart arrived",
	}, []string{"side"})

	// Handshakes counts proxy handshakes by protocol and outcome.
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdnat_handshakes_total",
		Help: "Proxy handshakes by protocol and result",
	}, []string{"proto", "result"})

	// DialFailures counts failed outbound dials by mode.
	DialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdnat_dial_failures_total",
		Help: "Failed outbound dials",
	}, []string{"mode"})
)

// Register adds the /metrics endpoint to mux.
func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
