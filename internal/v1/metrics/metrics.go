package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the VR ⇄ tablet link.
//
// Naming convention: namespace_subsystem_name
// - namespace: vrlink
// - subsystem: stream (frame pipeline), link (socket/session), control (messages),
//   dispatch (update loop), tablet (client side), infra (redis, store, breakers)
//
// Metric Types:
// - Gauge: Current state (queue depth, quality, connection state)
// - Counter: Cumulative events (frames, errors, messages)
// - Histogram: Size distributions (encoded frame bytes)

var (
	// FramesCaptured counts frames captured, encoded and enqueued (Counter - cumulative)
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "stream",
		Name:      "frames_captured_total",
		Help:      "Frames captured, encoded and enqueued",
	})

	// FramesSkipped counts frames that never reached the socket (CounterVec by reason: busy, evicted, cleared)
	FramesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "stream",
		Name:      "frames_skipped_total",
		Help:      "Frames dropped before transmission",
	}, []string{"reason"})

	// CaptureErrors counts failed capture cycles (CounterVec by stage: capture, encode, validate)
	CaptureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "stream",
		Name:      "capture_errors_total",
		Help:      "Capture cycles that produced no frame",
	}, []string{"stage"})

	// FramesSent counts frames written to the socket (Counter - cumulative)
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "stream",
		Name:      "frames_sent_total",
		Help:      "JPEG frames written to the tablet",
	})

	// FrameBytes tracks the encoded size of each enqueued frame (Histogram - size distribution)
	FrameBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vrlink",
		Subsystem: "stream",
		Name:      "frame_bytes",
		Help:      "Encoded JPEG frame size in bytes",
		Buckets:   prometheus.ExponentialBuckets(4096, 2, 9),
	})

	// StreamQuality is the JPEG quality currently used by the encoder (Gauge - current state)
	StreamQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vrlink",
		Subsystem: "stream",
		Name:      "jpeg_quality",
		Help:      "Current adaptive JPEG quality",
	})

	// QueueDepth is the number of frames waiting for the transmitter (Gauge - current state)
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vrlink",
		Subsystem: "stream",
		Name:      "queue_depth",
		Help:      "Frames waiting in the bounded queue",
	})

	// ConnectionState is 1 for the current lifecycle state and 0 for the others (GaugeVec by state)
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vrlink",
		Subsystem: "link",
		Name:      "connection_state",
		Help:      "Connection lifecycle state (1 = current)",
	}, []string{"state"})

	// ConnectionAttempts counts accepted sockets by outcome (CounterVec by result)
	ConnectionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "link",
		Name:      "connection_attempts_total",
		Help:      "Accepted sockets by outcome: connected, handshake_failed, rate_limited",
	}, []string{"result"})

	// Disconnects counts session teardowns (CounterVec by cause)
	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "link",
		Name:      "disconnects_total",
		Help:      "Session teardowns by cause: peer_closed, connection_lost, replaced, local, shutdown",
	}, []string{"cause"})

	// TransportErrors counts per-operation socket and decode errors (CounterVec by direction and kind)
	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "link",
		Name:      "errors_total",
		Help:      "Transport errors by direction (read, write) and kind (transport, decode, parse)",
	}, []string{"direction", "kind"})

	// MessagesReceived counts decoded inbound control messages (CounterVec by kind)
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "control",
		Name:      "messages_received_total",
		Help:      "Inbound control messages by kind",
	}, []string{"kind"})

	// MessagesSent counts outbound text messages (CounterVec by kind)
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "control",
		Name:      "messages_sent_total",
		Help:      "Outbound text messages by kind",
	}, []string{"kind"})

	// DispatchPending is the number of jobs waiting for the update loop (Gauge - current state)
	DispatchPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vrlink",
		Subsystem: "dispatch",
		Name:      "pending_jobs",
		Help:      "Jobs queued for the update loop",
	})

	// DispatchPanics counts jobs that panicked on the update loop (Counter - cumulative)
	DispatchPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "dispatch",
		Name:      "panics_total",
		Help:      "Dispatched jobs that panicked and were recovered",
	})

	// TabletFramesReceived counts valid JPEG frames received by the tablet client (Counter - cumulative)
	TabletFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "tablet",
		Name:      "frames_received_total",
		Help:      "JPEG frames received by the tablet client",
	})

	// TabletFPS is the receive rate measured over the last second (Gauge - current state)
	TabletFPS = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vrlink",
		Subsystem: "tablet",
		Name:      "fps",
		Help:      "Frames per second received by the tablet client",
	})

	// TabletConnectAttempts counts tablet connection attempts (CounterVec by result)
	TabletConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "tablet",
		Name:      "connect_attempts_total",
		Help:      "Tablet connection attempts by result: connected, timeout, failed, breaker_open",
	}, []string{"result"})

	// RedisOperationsTotal counts bus operations (CounterVec by operation and status)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "infra",
		Name:      "redis_operations_total",
		Help:      "Redis operations by operation and status",
	}, []string{"operation", "status"})

	// CircuitBreakerState mirrors gobreaker state per component: 0 closed, 1 half-open, 2 open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vrlink",
		Subsystem: "infra",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"component"})

	// CircuitBreakerFailures counts calls rejected while a breaker is open (CounterVec by component)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "infra",
		Name:      "circuit_breaker_rejections_total",
		Help:      "Calls rejected by an open circuit breaker",
	}, []string{"component"})

	// RateLimitRequests counts requests that passed a rate limiter (CounterVec by endpoint)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked by a rate limiter and allowed",
	}, []string{"endpoint"})

	// RateLimitExceeded counts rejections (CounterVec by endpoint and limit type)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests or connections rejected by a rate limiter",
	}, []string{"endpoint", "limit_type"})

	// MatchesRecorded counts rounds persisted to the match history (CounterVec by winner)
	MatchesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vrlink",
		Subsystem: "infra",
		Name:      "matches_recorded_total",
		Help:      "Rounds persisted to match history by winner",
	}, []string{"winner"})
)

// connectionStates lists every label value ConnectionState can take.
var connectionStates = []string{"listening", "accepting", "handshaking", "connected", "disconnected", "stopped"}

// SetConnectionState marks state as current and clears the others.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// BreakerStateValue maps a gobreaker state name onto the CircuitBreakerState gauge.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
