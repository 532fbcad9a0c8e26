// Package metrics exposes the daemon's Prometheus instrumentation:
// reactor iteration latency, router drop counts, SPITFP ack-timeout
// counts, and mesh session counts (SPEC_FULL.md DOMAIN STACK).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReactorIterationSeconds observes one pass through the reactor's
	// ready-dispatch loop (internal/reactor).
	ReactorIterationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "brickd",
		Subsystem: "reactor",
		Name:      "iteration_seconds",
		Help:      "Time spent dispatching one batch of ready sources and due timers.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	// RouterDirectedDropped counts directed requests for which no stack
	// claimed the target UID (internal/router).
	RouterDirectedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "brickd",
		Subsystem: "router",
		Name:      "directed_requests_dropped_total",
		Help:      "Directed requests dropped because no stack's recipient table claimed the UID.",
	})

	// RouterCallbacksDropped counts callback deliveries skipped for
	// slow clients (internal/router).
	RouterCallbacksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "brickd",
		Subsystem: "router",
		Name:      "callbacks_dropped_total",
		Help:      "Callbacks dropped for clients flagged slow (send buffer at high-water mark).",
	})

	// SPITFPAckTimeouts counts retransmissions triggered by an ACK
	// timeout (internal/spitfp).
	SPITFPAckTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brickd",
		Subsystem: "spitfp",
		Name:      "ack_timeouts_total",
		Help:      "Frames retransmitted after the ACK timeout elapsed, by bricklet port.",
	}, []string{"port"})

	// SPITFPChecksumErrors counts frames dropped for a bad checksum
	// (internal/spitfp).
	SPITFPChecksumErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brickd",
		Subsystem: "spitfp",
		Name:      "checksum_errors_total",
		Help:      "Frames discarded for a Pearson checksum mismatch, by bricklet port.",
	}, []string{"port"})

	// MeshActiveSessions is a gauge for operational mesh gateway
	// sessions. It is registered here, but no package in this module
	// sets it, so it always reads 0.
	MeshActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "brickd",
		Subsystem: "mesh",
		Name:      "active_sessions",
		Help:      "Mesh gateway connections currently in the operational state.",
	})

	// ClientsConnected is a gauge for connected plain/WebSocket clients.
	// It is registered here, but no package in this module sets it, so
	// it always reads 0.
	ClientsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brickd",
		Subsystem: "client",
		Name:      "connected",
		Help:      "Connected clients by transport.",
	}, []string{"transport"})
)
