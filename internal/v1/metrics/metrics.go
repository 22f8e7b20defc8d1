package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling core.
//
// Naming convention: namespace_subsystem_name
// - namespace: meetcore (application-level grouping)
// - subsystem: websocket, room, runner, module, redis, circuit_breaker, rate_limit
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meetcore",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meetcore",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants in each room (GaugeVec with room_id label - current state per room)
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meetcore",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// WaitingRoomParticipants tracks the number of participants parked in the waiting roster per room
	WaitingRoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meetcore",
		Subsystem: "room",
		Name:      "waiting_count",
		Help:      "Number of participants waiting for admission in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetcore",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meetcore",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RunnerStateTransitions tracks participant runner state-machine transitions (CounterVec)
	RunnerStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetcore",
		Subsystem: "runner",
		Name:      "state_transitions_total",
		Help:      "Total participant runner state transitions",
	}, []string{"from", "to"})

	// ModuleDispatchDuration tracks the time spent inside a module's handle_command (HistogramVec)
	ModuleDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meetcore",
		Subsystem: "module",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent dispatching a command to a module",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"module", "action"})

	// ModuleDispatchErrors tracks module command errors by kind (CounterVec)
	ModuleDispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetcore",
		Subsystem: "module",
		Name:      "dispatch_errors_total",
		Help:      "Total errors returned from module command dispatch",
	}, []string{"module", "kind"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meetcore",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetcore",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetcore",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetcore",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetcore",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meetcore",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// RoomLockContention counts failed room-lock acquisition attempts (CounterVec)
	RoomLockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetcore",
		Subsystem: "room",
		Name:      "lock_contention_total",
		Help:      "Total room-lock acquisition attempts that did not succeed on the first try",
	}, []string{"room_id"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
