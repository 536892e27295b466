package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of connections attached to this node",
		},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total connection lifecycle events by event (attached, detached, replaced, failed)",
		},
		[]string{"event"},
	)

	// Bus metrics
	BusConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_bus_connected",
			Help: "Whether the bus transport is connected (1 = connected, 0 = disconnected)",
		},
	)

	BusReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_reconnects_total",
			Help: "Total number of bus transport reconnections",
		},
	)

	BusMessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_messages_dropped_total",
			Help: "Total number of bus messages dropped because a subscriber buffer was full",
		},
	)

	BusMessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bus_messages_received_total",
			Help: "Total bus messages handled by outcome (delivered, not_local, queue_full, malformed)",
		},
		[]string{"outcome"},
	)

	// Router metrics
	RoutePublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_route_publish_total",
			Help: "Total routed envelopes by status",
		},
		[]string{"status"},
	)

	// Presence metrics
	PresenceOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_presence_operations_total",
			Help: "Total presence transitions by action and status",
		},
		[]string{"action", "status"},
	)

	PresenceOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_presence_operation_duration_seconds",
			Help:    "Presence store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_notifications_total",
			Help: "Total membership notifications by status",
		},
		[]string{"status"},
	)

	AnalyticsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_analytics_events_total",
			Help: "Total analytics events emitted by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(BusConnected)
	prometheus.MustRegister(BusReconnects)
	prometheus.MustRegister(BusMessagesDropped)
	prometheus.MustRegister(BusMessagesReceived)
	prometheus.MustRegister(RoutePublishTotal)
	prometheus.MustRegister(PresenceOperationsTotal)
	prometheus.MustRegister(PresenceOperationDuration)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(AnalyticsEventsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
