/*
Package types defines the core data structures shared by every Relay package.

# Core Types

Entities:
  - Entity: opaque (type, id) reference to a watched domain object
  - EntityType: channel, document, thread or user
  - UserEntity: the user-as-entity reference used as the reverse index from a
    user to the connections it has attached

Presence:
  - PresenceRecord: one (entity, connection) attachment with its owning user,
    creation time and optional last heartbeat
  - Action: open, ping or close

Messaging:
  - Envelope: generic message addressed to a connection. The payload is a JSON
    object whose fields are flattened next to message_type on the wire:

	{"message_type": "presence.membership", "entity_type": "channel", "entity_id": "42", "user_ids": ["a"]}

  - DeliveryReport: per-user outcome of a fan-out

# Activity

A record is active iff now - (last_ping or created_at) < threshold. A
threshold of zero or less disables filtering:

	rec.ActiveAt(time.Now(), 5*time.Minute)

Entities render as "type:id" and ParseEntity accepts the same form:

	e, err := types.ParseEntity("channel:42")
*/
package types
