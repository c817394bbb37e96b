package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	peersConnectedTotal prometheus.Gauge
	roomsActiveTotal    prometheus.Gauge
	relayBytesTotal     prometheus.Counter
	fallbacksTotal      prometheus.Counter

	// Histograms
	peerRTT prometheus.Histogram

	// Labeled series
	signalMessages  *prometheus.CounterVec
	peerStates      *prometheus.CounterVec
	channelMessages *prometheus.CounterVec
	roomOperations  *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersConnectedTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomnet_peers_connected_total",
			Help: "Number of peers with a live signaling socket",
		}),

		roomsActiveTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomnet_rooms_active_total",
			Help: "Number of rooms that are not closed",
		}),

		relayBytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomnet_relay_bytes_total",
			Help: "Total application data routed through the server relay in bytes",
		}),

		fallbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomnet_relay_fallbacks_total",
			Help: "Total number of peer sessions degraded to server relay",
		}),

		peerRTT: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomnet_peer_rtt_seconds",
			Help:    "Control channel round-trip time between peers",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		signalMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomnet_signal_messages_total",
			Help: "Signaling frames handled by type",
		}, []string{"type"}),

		peerStates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomnet_peer_state_transitions_total",
			Help: "WebRTC peer connection state transitions",
		}, []string{"state"}),

		channelMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomnet_channel_messages_total",
			Help: "Data channel messages by channel and path",
		}, []string{"channel", "path"}),

		roomOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomnet_room_operations_total",
			Help: "Room command handler invocations by operation and outcome",
		}, []string{"operation", "outcome"}),
	}
}

func (p *PrometheusCollector) RecordPeerConnected() {
	p.peersConnectedTotal.Inc()
}

func (p *PrometheusCollector) RecordPeerDisconnected() {
	p.peersConnectedTotal.Dec()
}

func (p *PrometheusCollector) RecordRoomCreated() {
	p.roomsActiveTotal.Inc()
}

func (p *PrometheusCollector) RecordRoomClosed() {
	p.roomsActiveTotal.Dec()
}

func (p *PrometheusCollector) RecordSignalMessage(msgType string) {
	p.signalMessages.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) RecordRelayBytes(n int) {
	p.relayBytesTotal.Add(float64(n))
}

func (p *PrometheusCollector) RecordPeerState(state string) {
	p.peerStates.WithLabelValues(state).Inc()
}

func (p *PrometheusCollector) RecordFallbackActivated() {
	p.fallbacksTotal.Inc()
}

func (p *PrometheusCollector) RecordPeerRTT(seconds float64) {
	p.peerRTT.Observe(seconds)
}

func (p *PrometheusCollector) RecordChannelMessage(channel string, relayed bool) {
	path := "direct"
	if relayed {
		path = "relay"
	}
	p.channelMessages.WithLabelValues(channel, path).Inc()
}

func (p *PrometheusCollector) RecordRoomOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.roomOperations.WithLabelValues(operation, outcome).Inc()
}
