package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/types"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries on a contended key
const maxTxRetries = 5

// RedisConfig configures the shared Redis presence store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key, e.g. "relay"
	KeyPrefix string
}

// RedisStore implements Store on Redis so every gateway process in the fleet
// shares one presence view.
//
// Layout:
//
//	<prefix>:presence:<type:id>   hash  connection_id -> JSON PresenceRecord
//	<prefix>:conn:<connection_id> set   of "type:id" entities
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entityKey(entity types.Entity) string {
	return s.prefix + ":presence:" + entity.String()
}

func (s *RedisStore) connectionKey(connectionID string) string {
	return s.prefix + ":conn:" + connectionID
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks that Redis answers
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// watch runs fn under WATCH on key, retrying when another writer wins
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("presence key %s contended: %w", key, err)
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getRecord(ctx context.Context, c hashGetter, key, connectionID string) (*types.PresenceRecord, error) {
	data, err := c.HGet(ctx, key, connectionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record types.PresenceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *RedisStore) UpsertOpen(ctx context.Context, entity types.Entity, connectionID, userID string, at time.Time) (*types.PresenceRecord, error) {
	key := s.entityKey(entity)
	var record *types.PresenceRecord

	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		existing, err := getRecord(ctx, tx, key, connectionID)
		if err != nil {
			return err
		}
		if existing == nil {
			existing = &types.PresenceRecord{
				Entity:       entity,
				ConnectionID: connectionID,
				CreatedAt:    at,
			}
		}
		existing.UserID = userID

		data, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, connectionID, data)
			pipe.SAdd(ctx, s.connectionKey(connectionID), entity.String())
			return nil
		})
		if err == nil {
			record = existing
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *RedisStore) RefreshPing(ctx context.Context, entity types.Entity, connectionID string, at time.Time) error {
	key := s.entityKey(entity)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		record, err := getRecord(ctx, tx, key, connectionID)
		if err != nil {
			return err
		}
		if record == nil {
			return ErrNotFound
		}
		record.LastPing = &at

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, connectionID, data)
			return nil
		})
		return err
	})
}

func (s *RedisStore) Remove(ctx context.Context, entity types.Entity, connectionID string) (*types.PresenceRecord, error) {
	key := s.entityKey(entity)
	var removed *types.PresenceRecord

	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		record, err := getRecord(ctx, tx, key, connectionID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, connectionID)
			pipe.SRem(ctx, s.connectionKey(connectionID), entity.String())
			return nil
		})
		if err == nil {
			removed = record
		}
		return err
	})
	return removed, err
}

func (s *RedisStore) ListByEntity(ctx context.Context, entity types.Entity) ([]*types.PresenceRecord, error) {
	values, err := s.client.HGetAll(ctx, s.entityKey(entity)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*types.PresenceRecord, 0, len(values))
	for _, v := range values {
		var record types.PresenceRecord
		if err := json.Unmarshal([]byte(v), &record); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, nil
}

func (s *RedisStore) ListByConnection(ctx context.Context, connectionID string) ([]*types.PresenceRecord, error) {
	members, err := s.client.SMembers(ctx, s.connectionKey(connectionID)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*types.PresenceRecord, 0, len(members))
	for _, m := range members {
		entity, err := types.ParseEntity(m)
		if err != nil {
			return nil, err
		}
		record, err := getRecord(ctx, s.client, s.entityKey(entity), connectionID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return records, nil
}
