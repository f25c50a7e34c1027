// Package metrics exposes the node's Prometheus counters and gauges:
// path build outcomes, transit table occupancy, NodeDB catalog size,
// and transport frame throughput. Of these, only the transport
// counters and gauge are updated by another package (transport); the
// path-build, transit and NodeDB series are registered but never set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PathBuildAttemptsTotal counts every path build attempt, labeled by
	// outcome ("success", "timeout", "fail").
	PathBuildAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lokinet",
		Subsystem: "pathplane",
		Name:      "path_build_attempts_total",
		Help:      "Path build attempts by outcome.",
	}, []string{"outcome"})

	// TransitHopsActive is the current count of installed transit hop
	// splices.
	TransitHopsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lokinet",
		Subsystem: "transit",
		Name:      "hops_active",
		Help:      "Currently installed transit hop splices.",
	})

	// NodeDBKnownRouters is the current size of the in-memory RC catalog.
	NodeDBKnownRouters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lokinet",
		Subsystem: "nodedb",
		Name:      "known_routers",
		Help:      "Number of router contacts currently known.",
	})

	// TransportFramesTotal counts frames crossing the QUIC transport,
	// labeled by direction ("sent", "received") and outcome ("ok",
	// "error").
	TransportFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lokinet",
		Subsystem: "transport",
		Name:      "frames_total",
		Help:      "Frames crossing the QUIC transport by direction and outcome.",
	}, []string{"direction", "outcome"})

	// TransportPeerConnsActive is the number of cached outbound QUIC
	// connections currently held open to next hops.
	TransportPeerConnsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lokinet",
		Subsystem: "transport",
		Name:      "peer_conns_active",
		Help:      "Currently cached outbound QUIC connections to next hops.",
	})
)

// NewRegistry builds the node's metrics registry. Metrics register into it
// explicitly rather than relying on the global default registry, so
// tests can construct isolated registries.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(PathBuildAttemptsTotal, TransitHopsActive, NodeDBKnownRouters,
		TransportFramesTotal, TransportPeerConnsActive)
	return r
}

// Serve exposes reg on addr at /metrics in the background. It returns
// immediately; errors from the listener are not recoverable by the
// caller, matching a metrics endpoint's best-effort role.
func Serve(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go http.ListenAndServe(addr, mux)
}
