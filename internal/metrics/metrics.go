package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connectivity state machine
	ConnectivityState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnlink_connectivity_state",
			Help: "1 for the current connectivity state, 0 otherwise",
		},
		[]string{"state"},
	)

	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnlink_connectivity_transitions_total",
			Help: "Applied connectivity state transitions",
		},
		[]string{"from", "to", "event"},
	)

	ConnectivityIgnoredEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnlink_connectivity_ignored_events_total",
			Help: "Events that did not apply to the current state",
		},
		[]string{"state", "event"},
	)

	ConnectivityRetryCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnlink_connectivity_retry_count",
			Help: "Consecutive failed connection attempts",
		},
	)

	ReconnectionDelay = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnlink_reconnection_delay_seconds",
			Help: "Current reconnection backoff delay",
		},
	)

	TransportOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnlink_transport_opens_total",
			Help: "Control channel open attempts by result",
		},
		[]string{"result"},
	)

	// Endpoint ping
	PingLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnlink_endpoint_ping_milliseconds",
			Help: "Last measured round trip per endpoint",
		},
		[]string{"endpoint"},
	)

	PingMeasurements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnlink_ping_measurements_total",
			Help: "Endpoint ping measurements by method and result",
		},
		[]string{"method", "result"},
	)

	PingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpnlink_ping_duration_seconds",
			Help:    "Successful endpoint round trip times",
			Buckets: []float64{.01, .025, .05, .1, .2, .4, .8, 1.6, 3.2},
		},
	)

	// Backend service
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnlink_backend_requests_total",
			Help: "Credentials and locations service calls",
		},
		[]string{"operation", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnlink_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Storage
	PersistErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnlink_persist_errors_total",
			Help: "Failed writes of persisted state",
		},
		[]string{"key"},
	)
)

// SetConnectivityState marks current as the only active state.
func SetConnectivityState(all []string, current string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectivityState.WithLabelValues(s).Set(v)
	}
}
