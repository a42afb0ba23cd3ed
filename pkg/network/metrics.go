package network

import "github.com/prometheus/client_golang/prometheus"

var (
	envelopesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "network_envelopes_dispatched_total",
			Help: "Total number of inbound envelopes dispatched, by kind",
		},
		[]string{"kind"},
	)
	routingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "network_routing_failures_total",
			Help: "Total number of routing failures, by reason",
		},
		[]string{"reason"},
	)
	connectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "network_connected_peers",
			Help: "Number of currently connected peers",
		},
	)
	registeredAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "network_registered_agents",
			Help: "Number of currently registered agents",
		},
	)
	heartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "network_heartbeat_timeouts_total",
			Help: "Total number of peers reaped for missing heartbeats",
		},
	)
	modHandleLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "network_mod_handle_latency_ms",
			Help:    "Mod envelope handling latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"mod"},
	)
)

func init() {
	prometheus.MustRegister(envelopesDispatched)
	prometheus.MustRegister(routingFailures)
	prometheus.MustRegister(connectedPeers)
	prometheus.MustRegister(registeredAgents)
	prometheus.MustRegister(heartbeatTimeouts)
	prometheus.MustRegister(modHandleLatency)
}
