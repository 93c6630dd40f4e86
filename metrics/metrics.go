package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_events_published_total",
		Help: "Events published to the in-process bus, by kind",
	}, []string{"kind"})

	BusHandlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_bus_handler_failures_total",
		Help: "Bus handler invocations that returned an error or panicked",
	}, []string{"subscription"})

	BusQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courier_bus_queue_depth",
		Help: "Events waiting in a bus subscription queue",
	}, []string{"subscription"})

	TransportDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_transport_dispatch_total",
		Help: "Per-target dispatch attempts by transport and outcome",
	}, []string{"transport", "outcome"})

	ActionTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_action_terminal_total",
		Help: "Actions reaching a terminal state, by operation and state",
	}, []string{"operation", "state"})

	ActionAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_action_attempts_total",
		Help: "Executor invocations by operation",
	}, []string{"operation"})

	ActionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_actions_active",
		Help: "Actions that have not reached a terminal state",
	})

	TunnelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courier_tunnel_state",
		Help: "1 for the current tunnel state, 0 otherwise",
	}, []string{"state"})

	TunnelTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_tunnel_transitions_total",
		Help: "Tunnel state transitions by provider and target state",
	}, []string{"provider", "state"})

	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_realtime_connections",
		Help: "Currently attached realtime clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_http_requests_total",
		Help: "HTTP requests served, by method and status code",
	}, []string{"method", "status"})

	RealtimeRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_realtime_rejected_total",
		Help: "Inbound realtime requests rejected at the edge, by reason",
	}, []string{"reason"})
)

var tunnelStates = []string{"disconnected", "connecting", "active", "degraded", "dead"}

// RecordDispatch counts one delivery attempt for a transport.
func RecordDispatch(transport, outcome string) {
	TransportDispatchTotal.WithLabelValues(transport, outcome).Inc()
}

// SetTunnelState flips the state gauge so exactly one state reads 1.
func SetTunnelState(state string) {
	for _, s := range tunnelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		TunnelState.WithLabelValues(s).Set(v)
	}
}
