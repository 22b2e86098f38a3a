// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ActiveConnections tracks live WebSocket connections by handshake state.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "support_connections_active",
			Help: "Number of live WebSocket connections",
		},
		[]string{"state"},
	)

	// InboundEventsTotal tracks events received from clients.
	InboundEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_inbound_events_total",
			Help: "Total events received from WebSocket clients",
		},
		[]string{"event", "outcome"},
	)

	// RoomJoinsTotal tracks room joins.
	RoomJoinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_room_joins_total",
			Help: "Total room joins",
		},
	)

	// BroadcastDeliveriesTotal tracks events enqueued to connections.
	BroadcastDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_broadcast_deliveries_total",
			Help: "Total events delivered to room members",
		},
		[]string{"event"},
	)

	// BroadcastEvictionsTotal tracks connections dropped for falling behind.
	BroadcastEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_broadcast_evictions_total",
			Help: "Total connections evicted because their send buffer was full",
		},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_conversations_total",
			Help: "Total conversations created",
		},
		[]string{"site_id"},
	)

	// ConversationTransitionsTotal tracks status changes.
	ConversationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_conversation_transitions_total",
			Help: "Total conversation status transitions",
		},
		[]string{"to"},
	)

	// MessagesTotal tracks total messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_messages_total",
			Help: "Total messages persisted",
		},
		[]string{"sender"},
	)

	// StoreOperationDuration tracks conversation store latency.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_store_operation_duration_seconds",
			Help:    "Conversation store operation duration",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation", "status"},
	)

	// CollaboratorFailuresTotal tracks store and auth connectivity failures.
	CollaboratorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_collaborator_failures_total",
			Help: "Total failures talking to the conversation store or auth gateway",
		},
		[]string{"collaborator"},
	)

	// AuthFailuresTotal tracks rejected agent credentials.
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_auth_failures_total",
			Help: "Total rejected agent authentication attempts",
		},
		[]string{"reason"},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStoreOperation records the latency of one store call.
func RecordStoreOperation(operation string, err error, duration float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperationDuration.WithLabelValues(operation, status).Observe(duration)
}

// RecordInboundEvent counts a handled client event.
func RecordInboundEvent(event, outcome string) {
	InboundEventsTotal.WithLabelValues(event, outcome).Inc()
}
