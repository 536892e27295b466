package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/relay/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketPresence     = []byte("presence")
	bucketByConnection = []byte("presence_by_connection")
)

// keySep separates key parts. It cannot appear in entity or connection ids
// produced by the gateway.
const keySep = 0x00

// BoltStore implements Store using BoltDB. The file lock admits a single
// process, so it backs single-node deployments and tests; fleets use
// RedisStore.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store at <dataDir>/<name>.db
func NewBoltStore(dataDir, name string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, name+".db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPresence, bucketByConnection} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still usable
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPresence) == nil {
			return fmt.Errorf("bucket %s missing", bucketPresence)
		}
		return nil
	})
}

func entityPrefix(entity types.Entity) []byte {
	return append([]byte(entity.String()), keySep)
}

func presenceKey(entity types.Entity, connectionID string) []byte {
	return append(entityPrefix(entity), connectionID...)
}

func connectionPrefix(connectionID string) []byte {
	return append([]byte(connectionID), keySep)
}

func connectionKey(connectionID string, entity types.Entity) []byte {
	return append(connectionPrefix(connectionID), entity.String()...)
}

func (s *BoltStore) UpsertOpen(ctx context.Context, entity types.Entity, connectionID, userID string, at time.Time) (*types.PresenceRecord, error) {
	var record types.PresenceRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		key := presenceKey(entity, connectionID)

		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
		} else {
			record = types.PresenceRecord{
				Entity:       entity,
				ConnectionID: connectionID,
				CreatedAt:    at,
			}
		}
		record.UserID = userID

		data, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketByConnection).Put(connectionKey(connectionID, entity), []byte{})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) RefreshPing(ctx context.Context, entity types.Entity, connectionID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		key := presenceKey(entity, connectionID)

		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var record types.PresenceRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		record.LastPing = &at

		data, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) Remove(ctx context.Context, entity types.Entity, connectionID string) (*types.PresenceRecord, error) {
	var removed *types.PresenceRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		key := presenceKey(entity, connectionID)

		if data := b.Get(key); data != nil {
			var record types.PresenceRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			removed = &record
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketByConnection).Delete(connectionKey(connectionID, entity))
	})
	return removed, err
}

func (s *BoltStore) ListByEntity(ctx context.Context, entity types.Entity) ([]*types.PresenceRecord, error) {
	var records []*types.PresenceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := entityPrefix(entity)
		c := tx.Bucket(bucketPresence).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record types.PresenceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) ListByConnection(ctx context.Context, connectionID string) ([]*types.PresenceRecord, error) {
	var records []*types.PresenceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		presence := tx.Bucket(bucketPresence)
		prefix := connectionPrefix(connectionID)
		c := tx.Bucket(bucketByConnection).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			entity, err := types.ParseEntity(string(k[len(prefix):]))
			if err != nil {
				return err
			}
			data := presence.Get(presenceKey(entity, connectionID))
			if data == nil {
				// Index entry without record; skip it
				continue
			}
			var record types.PresenceRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}
