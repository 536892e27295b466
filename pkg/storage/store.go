package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/relay/pkg/types"
)

// ErrNotFound is returned when a presence record does not exist
var ErrNotFound = errors.New("presence record not found")

// Store defines the interface for durable presence storage shared by every
// gateway process. Records are keyed by (entity, connection id) with a
// reverse index by connection id.
type Store interface {
	// UpsertOpen creates the record with created_at = at, or refreshes the
	// owning user of an existing record leaving created_at untouched.
	UpsertOpen(ctx context.Context, entity types.Entity, connectionID, userID string, at time.Time) (*types.PresenceRecord, error)

	// RefreshPing sets last_ping = at. Returns ErrNotFound if absent.
	RefreshPing(ctx context.Context, entity types.Entity, connectionID string, at time.Time) error

	// Remove deletes the record and returns it, or nil if it did not exist
	Remove(ctx context.Context, entity types.Entity, connectionID string) (*types.PresenceRecord, error)

	ListByEntity(ctx context.Context, entity types.Entity) ([]*types.PresenceRecord, error)
	ListByConnection(ctx context.Context, connectionID string) ([]*types.PresenceRecord, error)

	// Ping checks that the backing store is reachable
	Ping(ctx context.Context) error

	Close() error
}
