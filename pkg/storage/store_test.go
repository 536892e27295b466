package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	channel42 = types.Entity{Type: types.EntityChannel, ID: "42"}
	channel4  = types.Entity{Type: types.EntityChannel, ID: "4"}
	doc7      = types.Entity{Type: types.EntityDocument, ID: "7"}
	t0        = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

// runStoreTests checks the Store contract against one backend. newStore must
// return an empty store.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("upsert open is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.UpsertOpen(ctx, channel42, "c1", "alice", t0)
		require.NoError(t, err)
		assert.True(t, t0.Equal(first.CreatedAt))
		assert.Nil(t, first.LastPing)

		second, err := s.UpsertOpen(ctx, channel42, "c1", "alice", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, t0.Equal(second.CreatedAt), "created_at must keep the first open")

		records, err := s.ListByEntity(ctx, channel42)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "c1", records[0].ConnectionID)
		assert.Equal(t, "alice", records[0].UserID)
		assert.True(t, t0.Equal(records[0].CreatedAt))
	})

	t.Run("refresh ping", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.RefreshPing(ctx, channel42, "c1", t0)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.UpsertOpen(ctx, channel42, "c1", "alice", t0)
		require.NoError(t, err)

		pingAt := t0.Add(3 * time.Minute)
		require.NoError(t, s.RefreshPing(ctx, channel42, "c1", pingAt))

		records, err := s.ListByEntity(ctx, channel42)
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.NotNil(t, records[0].LastPing)
		assert.True(t, pingAt.Equal(*records[0].LastPing))
		assert.True(t, t0.Equal(records[0].CreatedAt))
	})

	t.Run("remove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		removed, err := s.Remove(ctx, channel42, "c1")
		require.NoError(t, err, "removing an absent record is not an error")
		assert.Nil(t, removed)

		_, err = s.UpsertOpen(ctx, channel42, "c1", "alice", t0)
		require.NoError(t, err)

		removed, err = s.Remove(ctx, channel42, "c1")
		require.NoError(t, err)
		require.NotNil(t, removed)
		assert.Equal(t, "alice", removed.UserID)

		removed, err = s.Remove(ctx, channel42, "c1")
		require.NoError(t, err)
		assert.Nil(t, removed)

		records, err := s.ListByEntity(ctx, channel42)
		require.NoError(t, err)
		assert.Empty(t, records)

		byConn, err := s.ListByConnection(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, byConn)
	})

	t.Run("list by entity does not match prefixes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.UpsertOpen(ctx, channel4, "c1", "alice", t0)
		require.NoError(t, err)
		_, err = s.UpsertOpen(ctx, channel42, "c2", "bob", t0)
		require.NoError(t, err)
		_, err = s.UpsertOpen(ctx, channel42, "c3", "carol", t0)
		require.NoError(t, err)

		records, err := s.ListByEntity(ctx, channel4)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "alice", records[0].UserID)

		records, err = s.ListByEntity(ctx, channel42)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("list by connection", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, e := range []types.Entity{channel42, doc7, types.UserEntity("alice")} {
			_, err := s.UpsertOpen(ctx, e, "c1", "alice", t0)
			require.NoError(t, err)
		}
		_, err := s.UpsertOpen(ctx, channel42, "c10", "bob", t0)
		require.NoError(t, err)

		records, err := s.ListByConnection(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, records, 3)

		entities := make([]string, 0, len(records))
		for _, r := range records {
			assert.Equal(t, "c1", r.ConnectionID)
			entities = append(entities, r.Entity.String())
		}
		assert.ElementsMatch(t, []string{"channel:42", "document:7", "user:alice"}, entities)

		_, err = s.Remove(ctx, doc7, "c1")
		require.NoError(t, err)
		records, err = s.ListByConnection(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}
