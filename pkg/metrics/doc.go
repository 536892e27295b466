/*
Package metrics provides Prometheus metrics and health reporting for a Relay
gateway node.

All metrics are package-level collectors registered with the default
Prometheus registry at init and exposed through Handler on /metrics. Health
is tracked per named component and served on /health, /ready and /live.

# Architecture

	┌──────────────────── METRICS & HEALTH ─────────────────────┐
	│                                                             │
	│  gateway / router / presence / bus                          │
	│        │ counters, histograms (inline)                      │
	│        ▼                                                    │
	│  ┌──────────────────────────────┐                           │
	│  │  Prometheus DefaultRegistry  │──► /metrics               │
	│  └──────────────────────────────┘                           │
	│        ▲ gauges (sampled)                                   │
	│        │                                                    │
	│  ┌─────┴──────────┐    Ping()    ┌───────────────────┐      │
	│  │   Collector    │─────────────►│ bus, store probes │      │
	│  │ (ticker loop)  │              └───────────────────┘      │
	│  └─────┬──────────┘                                         │
	│        │ UpdateComponent                                    │
	│        ▼                                                    │
	│  ┌──────────────────────────────┐                           │
	│  │        HealthChecker         │──► /health /ready /live   │
	│  └──────────────────────────────┘                           │
	└─────────────────────────────────────────────────────────────┘

# Metrics

Connections:
  - relay_connections_active: connections attached to this node (gauge)
  - relay_connections_total{event}: attached, detached, replaced, failed

Bus:
  - relay_bus_connected: 1 while the transport is connected
  - relay_bus_reconnects_total
  - relay_bus_messages_dropped_total: in-process subscriber overflow
  - relay_bus_messages_received_total{outcome}: delivered, not_local,
    queue_full, malformed

Routing and presence:
  - relay_route_publish_total{status}
  - relay_presence_operations_total{action,status}
  - relay_presence_operation_duration_seconds{action}
  - relay_notifications_total{status}
  - relay_analytics_events_total{status}

# Health

Readiness requires every critical component (by default "bus" and "store")
to be registered and healthy. Health is unhealthy if any registered component
is unhealthy. Liveness always answers 200 while the process runs.

The Collector feeds both: it samples the registry size into
relay_connections_active and pings each probe on every tick.

	c := metrics.NewCollector(registry, 15*time.Second)
	c.AddProbe("bus", natsBus)
	c.AddProbe("store", redisStore)
	c.Start()
	defer c.Stop()

# Timing

	timer := metrics.NewTimer()
	err := store.RefreshPing(ctx, entity, connID, now)
	timer.ObserveDurationVec(metrics.PresenceOperationDuration, "ping")
*/
package metrics
