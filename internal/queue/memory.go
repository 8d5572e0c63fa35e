package queue

import (
	"encoding/json"
	"sync"

	"github.com/kilupskalvis/nestsync/internal/models"
)

// MemoryStore keeps the persisted queue as a JSON blob in memory. It is used
// by tests and by hosts that opt out of durability.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte

	// SaveErr, when set, fails every Save.
	SaveErr error
	// Saves counts successful Save calls.
	Saves int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load decodes the last saved snapshot.
func (m *MemoryStore) Load() ([]*models.QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return nil, nil
	}
	var ops []*models.QueuedOperation
	if err := json.Unmarshal(m.data, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// Save replaces the snapshot.
func (m *MemoryStore) Save(ops []*models.QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	m.data = data
	m.Saves++
	return nil
}

// SetRaw overwrites the snapshot with arbitrary bytes.
func (m *MemoryStore) SetRaw(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
}

var _ Store = (*MemoryStore)(nil)
