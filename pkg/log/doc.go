/*
Package log provides structured logging for Relay using zerolog.

The package wraps a global zerolog.Logger configured once through Init and
hands out component-scoped child loggers. Every Relay component keeps its own
child logger so best-effort failures (notifications, analytics, bus publishes)
carry the identifiers needed for diagnosis.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Levels are debug, info, warn and error. Unknown levels fall back to info.
Console output (JSONOutput false) is meant for local development only.

# Scoped loggers

	logger := log.WithComponent("router")
	logger.Debug().Str("connection_id", id).Msg("connection not local")

	connLogger := log.WithConnectionID(id)
	connLogger.Warn().Msg("rate limited")

Fields used across the codebase:
  - component: registry, storage, bus, router, presence, gateway, api
  - node_id: gateway process identifier
  - connection_id, entity, user_id: presence identifiers

# Conventions

A connection that is not registered on the local node is the normal outcome on
every non-owning node and is logged at debug level, never as an error. Store
failures that fail a request are returned to the caller and logged once at the
edge (api or gateway), not at every layer.
*/
package log
