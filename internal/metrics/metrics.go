// Package metrics provides Prometheus metrics for Denobo agents.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "denobo"
)

// Metrics contains all Prometheus metrics for a process.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// Agent runtime metrics
	AgentsActive    prometheus.Gauge
	MessagesSent    prometheus.Counter
	MessagesHandled prometheus.Counter
	MessagesDropped *prometheus.CounterVec
	HandlerPanics   prometheus.Counter
	MessagesRelayed prometheus.Counter

	// Connection metrics
	PeersConnected  prometheus.Gauge
	PeersTotal      prometheus.Counter
	PeerConnections *prometheus.CounterVec
	PeerDisconnects *prometheus.CounterVec
	PeersRejected   prometheus.Counter
	PermitsInUse    prometheus.Gauge

	// Packet metrics
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec

	// Routing metrics
	RouteSearches       *prometheus.CounterVec
	RouteSearchLatency  prometheus.Histogram
	RemoteRouteSearches prometheus.Counter
	RouteInvalidations  prometheus.Counter
	RoutesInvalidated   prometheus.Counter

	// Protocol metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	PokesSent        prometheus.Counter
	PokesRecv        prometheus.Counter
	PokeRTT          prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	m := &Metrics{
		// Agent runtime metrics
		AgentsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_active",
			Help:      "Number of running agents",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages originated by local agents",
		}),
		MessagesHandled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Total messages delivered to agent handlers",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped by reason",
		}, []string{"reason"}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total panics recovered from message handlers",
		}),
		MessagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Total messages relayed to remote peers",
		}),

		// Connection metrics
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected peers",
		}),
		PeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total number of peer connections established",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer connections by transport type",
		}, []string{"transport", "direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer disconnections by reason",
		}, []string{"reason"}),
		PeersRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_rejected_total",
			Help:      "Total inbound peers refused for lack of a connection permit",
		}),
		PermitsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "permits_in_use",
			Help:      "Connection permits currently held",
		}),

		// Packet metrics
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to peers",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from peers",
		}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets sent by code",
		}, []string{"code"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets received by code",
		}, []string{"code"}),

		// Routing metrics
		RouteSearches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_searches_total",
			Help:      "Total route searches by result",
		}, []string{"result"}),
		RouteSearchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_search_latency_seconds",
			Help:      "Histogram of route search latency in seconds",
			Buckets:   latencyBuckets,
		}),
		RemoteRouteSearches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_route_searches_total",
			Help:      "Total route searches handed off to remote peers",
		}),
		RouteInvalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_invalidations_total",
			Help:      "Total invalidation crawls run",
		}),
		RoutesInvalidated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_invalidated_total",
			Help:      "Total routing table entries removed by invalidation",
		}),

		// Protocol metrics
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of handshake latency in seconds",
			Buckets:   latencyBuckets,
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"type"}),
		PokesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pokes_sent_total",
			Help:      "Total liveness probes sent",
		}),
		PokesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pokes_received_total",
			Help:      "Total liveness probe replies received",
		}),
		PokeRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poke_rtt_seconds",
			Help:      "Histogram of liveness probe round trip time in seconds",
			Buckets:   latencyBuckets,
		}),
	}

	return m
}

// Agent runtime helpers

// RecordAgentStarted records a new running agent.
func (m *Metrics) RecordAgentStarted() {
	if m == nil {
		return
	}
	m.AgentsActive.Inc()
}

// RecordAgentStopped records an agent shutdown.
func (m *Metrics) RecordAgentStopped() {
	if m == nil {
		return
	}
	m.AgentsActive.Dec()
}

// RecordMessageSent records a locally originated message.
func (m *Metrics) RecordMessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

// RecordMessageHandled records a delivery to handlers.
func (m *Metrics) RecordMessageHandled() {
	if m == nil {
		return
	}
	m.MessagesHandled.Inc()
}

// RecordMessageDropped records a dropped message.
func (m *Metrics) RecordMessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordHandlerPanic records a recovered handler panic.
func (m *Metrics) RecordHandlerPanic() {
	if m == nil {
		return
	}
	m.HandlerPanics.Inc()
}

// RecordMessageRelayed records a message written to a remote peer.
func (m *Metrics) RecordMessageRelayed() {
	if m == nil {
		return
	}
	m.MessagesRelayed.Inc()
}

// Connection helpers

// RecordPeerConnect records a new peer connection.
func (m *Metrics) RecordPeerConnect(transport, direction string) {
	if m == nil {
		return
	}
	m.PeersConnected.Inc()
	m.PeersTotal.Inc()
	m.PeerConnections.WithLabelValues(transport, direction).Inc()
}

// RecordPeerDisconnect records a peer disconnection.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	if m == nil {
		return
	}
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordPeerRejected records an inbound peer refused with TOO_MANY_PEERS.
func (m *Metrics) RecordPeerRejected() {
	if m == nil {
		return
	}
	m.PeersRejected.Inc()
}

// SetPermitsInUse sets the number of held connection permits.
func (m *Metrics) SetPermitsInUse(n int) {
	if m == nil {
		return
	}
	m.PermitsInUse.Set(float64(n))
}

// Packet helpers

// RecordPacketSent records an outgoing packet.
func (m *Metrics) RecordPacketSent(code string, bytes int) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(code).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordPacketReceived records an incoming packet.
func (m *Metrics) RecordPacketReceived(code string, bytes int) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(code).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// Routing helpers

// RecordRouteSearch records a finished route search.
func (m *Metrics) RecordRouteSearch(found bool, latencySeconds float64) {
	if m == nil {
		return
	}
	result := "failed"
	if found {
		result = "found"
	}
	m.RouteSearches.WithLabelValues(result).Inc()
	m.RouteSearchLatency.Observe(latencySeconds)
}

// RecordRemoteRouteSearch records a search handed to a remote peer.
func (m *Metrics) RecordRemoteRouteSearch() {
	if m == nil {
		return
	}
	m.RemoteRouteSearches.Inc()
}

// RecordInvalidation records an invalidation crawl and the entries it removed.
func (m *Metrics) RecordInvalidation(removed int) {
	if m == nil {
		return
	}
	m.RouteInvalidations.Inc()
	m.RoutesInvalidated.Add(float64(removed))
}

// Protocol helpers

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordPokeSent records a liveness probe sent.
func (m *Metrics) RecordPokeSent() {
	if m == nil {
		return
	}
	m.PokesSent.Inc()
}

// RecordPokeRecv records a liveness probe reply with RTT.
func (m *Metrics) RecordPokeRecv(rttSeconds float64) {
	if m == nil {
		return
	}
	m.PokesRecv.Inc()
	m.PokeRTT.Observe(rttSeconds)
}
