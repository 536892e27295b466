/*
Package router addresses a message to a connection held by any gateway
process, without knowing which process holds it.

Route publishes a wire message on the shared bus:

	{"target_connection_id": "c-123", "message": {"message_type": "...", ...}}

Every process receives it, and OnMessage tries a local delivery through the
connection registry. Exactly one process (the owner) delivers; all others see
registry.ErrNotFound, which is expected and only logged at debug level. A
connection that is attached nowhere yields no delivery and no error.

Malformed bus messages are logged and reported as ErrDecode; the caller's
subscriber loop keeps going.
*/
package router
