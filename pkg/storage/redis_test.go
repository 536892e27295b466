package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/relay/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "")
	t.Cleanup(func() { s.Close() })
	return s, client
}

func TestRedisStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, _ := newRedisTestStore(t)
		return s
	})
}

func TestNewRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := NewRedisStore(ctx, RedisConfig{Addr: mr.Addr(), KeyPrefix: "eu-west"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.UpsertOpen(ctx, channel42, "c1", "alice", t0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("eu-west:presence:channel:42"))
	assert.True(t, mr.Exists("eu-west:conn:c1"))

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisStore(ctx, RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestRedisStoreKeyLayout(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	tests := []struct {
		name       string
		prefix     string
		wantEntity string
		wantConn   string
	}{
		{
			name:       "default prefix",
			prefix:     "",
			wantEntity: "relay:presence:channel:42",
			wantConn:   "relay:conn:c1",
		},
		{
			name:       "custom prefix",
			prefix:     "eu-west",
			wantEntity: "eu-west:presence:channel:42",
			wantConn:   "eu-west:conn:c1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRedisStoreWithClient(client, tt.prefix)
			assert.Equal(t, tt.wantEntity, s.entityKey(types.Entity{Type: types.EntityChannel, ID: "42"}))
			assert.Equal(t, tt.wantConn, s.connectionKey("c1"))
		})
	}
}

func TestRedisStoreWatchRetriesOnConflict(t *testing.T) {
	s, client := newRedisTestStore(t)
	ctx := context.Background()
	key := s.entityKey(channel42)

	attempts := 0
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		attempts++
		if attempts == 1 {
			// Another writer changes the key between WATCH and EXEC
			require.NoError(t, client.HSet(ctx, key, "c9", "{}").Err())
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "c1", "{}")
			return nil
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	fields, err := client.HKeys(ctx, key).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c9"}, fields)
}

func TestRedisStoreWatchGivesUpWhenContended(t *testing.T) {
	s, client := newRedisTestStore(t)
	ctx := context.Background()
	key := s.entityKey(channel42)

	attempts := 0
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		attempts++
		require.NoError(t, client.HSet(ctx, key, "c9", time.Now().String()).Err())
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "c1", "{}")
			return nil
		})
		return err
	})
	assert.ErrorIs(t, err, redis.TxFailedErr)
	assert.Equal(t, maxTxRetries, attempts)
}
