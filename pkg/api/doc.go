/*
Package api is the HTTP surface of a Relay gateway node.

# Endpoints

	GET /ws                  WebSocket upgrade; requires X-User-ID
	GET /presence/{entity}   active users on an entity, ?threshold=10m
	GET /metrics             Prometheus exposition
	GET /health              component health
	GET /ready               readiness (bus and store reachable)
	GET /live                liveness

The user id is taken from the X-User-ID header set by the authenticating
proxy in front of the gateway; the gateway does not validate tokens itself.

# WebSocket protocol

On upgrade the connection gets a fresh id, is attached to the gateway node
and is opened on the user's own entity (user:<id>), which is how messages
addressed to a user find all of that user's connections. The server then
sends:

	{"message_type": "connection.ready", "connection_id": "...", "node_id": "..."}

Clients report presence transitions as text frames:

	{"action": "open",  "entity": "channel:42"}
	{"action": "ping",  "entity": "channel:42"}
	{"action": "close", "entity": "channel:42"}

Every routed envelope arrives as one text frame with message_type and the
payload fields side by side. Invalid frames and failed transitions are
answered with a connection.error envelope and the socket stays open.

When the socket closes, for any reason, the connection is detached and all of
its presence records are closed, notifying the remaining watchers.

# Shutdown

Shutdown stops the listener and closes every open socket; each handler then
detaches its own connection. Sockets that arrive while draining are closed
immediately.
*/
package api
