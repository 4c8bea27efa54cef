// Package metrics provides the Prometheus collectors for the door daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ControllerConnectsTotal counts successful link establishments,
	// including the first one at startup.
	ControllerConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "door_controller_connects_total",
		Help: "Successful controller connections, initial connect included.",
	})

	// ExchangesTotal counts command exchanges by terminal result.
	ExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "door_controller_exchanges_total",
		Help: "Controller exchanges by result (ok, error, alarm, disconnect).",
	}, []string{"result"})

	// ExchangeDuration tracks the wall time of one write+read exchange.
	ExchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "door_controller_exchange_duration_seconds",
		Help:    "Duration of a single serialized controller exchange.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15, 60},
	})

	// CommandsTotal counts door intents by operation and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "door_commands_total",
		Help: "Door intents by operation and outcome (accepted or a rejection reason).",
	}, []string{"operation", "outcome"})

	// TransitionsTotal counts state machine transitions by target state.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "door_state_transitions_total",
		Help: "Door state transitions by target state.",
	}, []string{"state"})

	// PositionMM is the last reported door position.
	PositionMM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "door_position_mm",
		Help: "Door position in millimeters from the closed reference.",
	})

	// WebsocketClients is the number of connected status stream clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "door_websocket_clients",
		Help: "Connected websocket status subscribers.",
	})
)

// IncControllerConnect records an established controller link.
func IncControllerConnect() {
	ControllerConnectsTotal.Inc()
}

// ObserveExchange records one finished exchange.
func ObserveExchange(result string, d time.Duration) {
	ExchangesTotal.WithLabelValues(result).Inc()
	ExchangeDuration.Observe(d.Seconds())
}

// IncCommand records a door intent outcome.
func IncCommand(operation, outcome string) {
	CommandsTotal.WithLabelValues(operation, outcome).Inc()
}

// IncTransition records a state machine transition.
func IncTransition(state string) {
	TransitionsTotal.WithLabelValues(state).Inc()
}

// SetPositionMM records the last reported position.
func SetPositionMM(v float64) {
	PositionMM.Set(v)
}
