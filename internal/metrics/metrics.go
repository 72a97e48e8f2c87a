// Package metrics holds the Prometheus collectors of the simulator. They are
// registered on the default registry and served by the API on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	devEUI    = "dev_eui"
	class     = "class"
	direction = "direction"
	outcome   = "outcome"
)

var (
	uplinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_uplinks_sent_total",
		Help: "The number of uplink frames handed to the gateway (per device).",
	}, []string{devEUI})

	channelDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_channel_dropped_total",
		Help: "The number of frames lost by the channel simulator (per direction).",
	}, []string{direction})

	downlinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_downlinks_received_total",
		Help: "The number of downlink frames accepted by a device (per device).",
	}, []string{devEUI})

	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_decode_failures_total",
		Help: "The number of inbound frames rejected by the frame stack (per error class).",
	}, []string{class})

	pushRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_gateway_push_retries_total",
		Help: "The number of PUSH_DATA retransmissions.",
	})

	joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_joins_total",
		Help: "The number of join attempts (per outcome).",
	}, []string{outcome})

	gatewayState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_gateway_state",
		Help: "The gateway state: 0 disconnected, 1 registering, 2 active.",
	})
)

// UplinkSent counts an uplink of the given device.
func UplinkSent(dev string) {
	uplinks.With(prometheus.Labels{devEUI: dev}).Inc()
}

// ChannelDropped counts a frame lost by the channel.
func ChannelDropped(dir string) {
	channelDrops.With(prometheus.Labels{direction: dir}).Inc()
}

// DownlinkReceived counts a downlink accepted by a device.
func DownlinkReceived(dev string) {
	downlinks.With(prometheus.Labels{devEUI: dev}).Inc()
}

// DecodeFailure counts a rejected inbound frame by its error class.
func DecodeFailure(c string) {
	decodeFailures.With(prometheus.Labels{class: c}).Inc()
}

// PushRetry counts a PUSH_DATA retransmission.
func PushRetry() {
	pushRetries.Inc()
}

// Join counts a join attempt with outcome "accepted", "timeout" or "rejected".
func Join(o string) {
	joins.With(prometheus.Labels{outcome: o}).Inc()
}

// GatewayState records the current gateway state.
func GatewayState(s int) {
	gatewayState.Set(float64(s))
}
