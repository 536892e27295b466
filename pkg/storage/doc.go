/*
Package storage provides durable presence storage for Relay.

A presence record states that one connection is attached to one entity on
behalf of one user. Records are keyed by (entity, connection id) with upsert
semantics, and a reverse index by connection id lets a node clean up every
entity a connection was attached to when it goes away.

# Backends

	┌──────────────────── PRESENCE STORAGE ────────────────────┐
	│                                                            │
	│  ┌─────────────────────┐     ┌─────────────────────────┐  │
	│  │     BoltStore        │     │      RedisStore          │  │
	│  │  <dataDir>/<n>.db    │     │  shared by the fleet     │  │
	│  │  single process      │     │  WATCH/MULTI upserts     │  │
	│  └──────────┬──────────┘     └────────────┬────────────┘  │
	│             │                              │               │
	│  ┌──────────▼──────────────────────────────▼────────────┐ │
	│  │ presence            "type:id\x00conn" -> record JSON  │ │
	│  │ presence_by_connection "conn\x00type:id"              │ │
	│  └───────────────────────────────────────────────────────┘ │
	└────────────────────────────────────────────────────────────┘

BoltStore uses two buckets and prefix scans; RedisStore uses one hash per
entity and one set per connection.

# Timestamps

Callers pass the timestamp of each write. The presence tracker owns the clock
so every record written through one tracker shares a single time source, and
tests drive time explicitly.

# Semantics

  - UpsertOpen keeps created_at of an existing record
  - RefreshPing returns ErrNotFound for a missing record
  - Remove is idempotent and returns the removed record, or nil
  - Same-key races resolve last-writer-wins; different keys never contend
*/
package storage
