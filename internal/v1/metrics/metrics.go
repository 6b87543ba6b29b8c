// Package metrics declares the Prometheus metrics exported by the room
// coordination engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: namespace_subsystem_name
// - namespace: syncroom (application-level grouping)
// - subsystem: gateway, room, health, broadcast, rate_limit, redis, circuit_breaker
// - name: specific metric (connections_active, commands_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members)
// - Counter: Cumulative events (commands processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveGatewayConnections tracks the current number of open WebSocket connections.
	ActiveGatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms held by the registry.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of attached members per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of attached members in each room",
	}, []string{"room_id"})

	// GatewayCommands tracks dispatched commands by type/subType and outcome.
	GatewayCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "gateway",
		Name:      "commands_total",
		Help:      "Total Gateway commands dispatched to rooms",
	}, []string{"type", "sub_type", "status"})

	// CommandProcessingDuration tracks the time spent executing a Room command.
	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncroom",
		Subsystem: "gateway",
		Name:      "command_duration_seconds",
		Help:      "Time spent executing a Room command",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type", "sub_type"})

	// BroadcastsSent tracks broadcast envelopes fanned out to members.
	BroadcastsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "broadcast",
		Name:      "messages_total",
		Help:      "Total broadcast envelopes sent to room members",
	}, []string{"event"})

	// BroadcastDropped tracks outbound frames not delivered to a member, by reason.
	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "broadcast",
		Name:      "dropped_total",
		Help:      "Total outbound frames not delivered to a member",
	}, []string{"reason"})

	// PlaybackTransitions tracks play/pause/next/previous/seek transitions.
	PlaybackTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "playback_transitions_total",
		Help:      "Total playback state transitions applied to rooms",
	}, []string{"action"})

	// HealthScansTotal tracks HealthMonitor liveness scans and inactivity sweeps.
	HealthScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "health",
		Name:      "scans_total",
		Help:      "Total HealthMonitor scan cycles run",
	}, []string{"scan_type"})

	// HealthTransitions tracks edge-deduplicated healthy/unhealthy room transitions.
	HealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "health",
		Name:      "transitions_total",
		Help:      "Total healthy/unhealthy room state transitions observed",
	}, []string{"event"})

	// CircuitBreakerState tracks the current state of a wrapped circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by a wrapped circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests/commands that exceeded a configured rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks requests/commands checked against a rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks Redis operations issued by the optional bus.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncroom",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveGatewayConnections.Inc()
}

func DecConnection() {
	ActiveGatewayConnections.Dec()
}
