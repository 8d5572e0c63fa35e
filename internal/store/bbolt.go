// Package store provides durable backends for the operation queue: an
// embedded bbolt file (the default), SQLite, and compressed snapshot blobs on
// local disk or S3.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/nestsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// Bucket names used by the queue store.
var (
	bucketQueue = []byte("queue")
	bucketKV    = []byte("kv")
)

// BoltQueueStore persists queued operations in a bbolt database, one key per
// operation ordered by insertion sequence.
type BoltQueueStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bbolt database at the given path and creates
// the buckets it needs.
func OpenBolt(dbPath string) (*BoltQueueStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &BoltQueueStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *BoltQueueStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltQueueStore) initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketQueue, bucketKV} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// seqKey encodes a sequence as a big-endian key so cursor order is queue order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Load returns every stored operation in sequence order.
func (s *BoltQueueStore) Load() ([]*models.QueuedOperation, error) {
	var ops []*models.QueuedOperation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var op models.QueuedOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("unmarshal operation %x: %w", k, err)
			}
			ops = append(ops, &op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// Save replaces the stored queue in a single transaction.
func (s *BoltQueueStore) Save(ops []*models.QueuedOperation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketQueue); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("reset queue bucket: %w", err)
		}
		b, err := tx.CreateBucket(bucketQueue)
		if err != nil {
			return fmt.Errorf("create queue bucket: %w", err)
		}
		for _, op := range ops {
			data, err := json.Marshal(op)
			if err != nil {
				return fmt.Errorf("marshal operation %s: %w", op.ID, err)
			}
			if err := b.Put(seqKey(op.Seq), data); err != nil {
				return fmt.Errorf("put operation %s: %w", op.ID, err)
			}
		}
		return nil
	})
}

// GetValue gets a value from the key-value bucket.
func (s *BoltQueueStore) GetValue(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// SetValue sets a value in the key-value bucket.
func (s *BoltQueueStore) SetValue(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return fmt.Errorf("kv bucket not found")
		}
		return b.Put([]byte(key), []byte(value))
	})
}
