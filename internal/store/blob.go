package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/kilupskalvis/nestsync/internal/models"
)

// ErrBlobNotFound is returned by a Backend when the key does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// Backend reads and writes whole blobs by key.
type Backend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
}

// snapshot is the on-blob format of the queue.
type snapshot struct {
	Version    int                       `json:"version"`
	SavedAt    time.Time                 `json:"saved_at"`
	Operations []*models.QueuedOperation `json:"operations"`
}

const snapshotVersion = 1

// BlobQueueStore persists the whole queue as one snappy-compressed JSON
// snapshot in a Backend.
type BlobQueueStore struct {
	backend Backend
	key     string
	timeout time.Duration
}

// NewBlobQueueStore creates a store writing to key in backend.
func NewBlobQueueStore(backend Backend, key string) *BlobQueueStore {
	if key == "" {
		key = "queue.snappy"
	}
	return &BlobQueueStore{backend: backend, key: key, timeout: 30 * time.Second}
}

// Load reads and decodes the snapshot. A missing snapshot is an empty queue.
func (s *BlobQueueStore) Load() ([]*models.QueuedOperation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	data, err := s.backend.Read(ctx, s.key)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.key, err)
	}
	return decodeSnapshot(data)
}

// Save encodes and writes the snapshot.
func (s *BlobQueueStore) Save(ops []*models.QueuedOperation) error {
	data, err := encodeSnapshot(ops)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backend.Write(ctx, s.key, data); err != nil {
		return fmt.Errorf("write snapshot %s: %w", s.key, err)
	}
	return nil
}

func encodeSnapshot(ops []*models.QueuedOperation) ([]byte, error) {
	raw, err := json.Marshal(snapshot{
		Version:    snapshotVersion,
		SavedAt:    time.Now().UTC(),
		Operations: ops,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decodeSnapshot(data []byte) ([]*models.QueuedOperation, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, snapshotVersion)
	}
	return snap.Operations, nil
}
