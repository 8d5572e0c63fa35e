package weaviate

import (
	"context"
	"net/http"
	"sync"

	"github.com/kilupskalvis/nestsync/internal/remote"
)

// MockClient is a mock implementation of ObjectClient for testing.
type MockClient struct {
	mu sync.Mutex

	// Objects stores objects by "ClassName/ObjectID" key
	Objects map[string]*Object
	// Err can be set to make methods return an error
	Err error
	// Now supplies LastUpdateTimeUnix for writes, in milliseconds
	Now func() int64
	// Classes records every class created through EnsureClass
	Classes map[string]bool
}

// NewMockClient creates a new MockClient for testing.
func NewMockClient() *MockClient {
	return &MockClient{Objects: make(map[string]*Object), Classes: make(map[string]bool)}
}

func objectKey(className, objectID string) string {
	return className + "/" + objectID
}

func (m *MockClient) stamp() int64 {
	if m.Now == nil {
		return 0
	}
	return m.Now()
}

// AddObject adds an object to the mock store.
func (m *MockClient) AddObject(obj *Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[objectKey(obj.Class, obj.ID)] = copyObject(obj)
}

// GetObject returns a copy of a stored object, or nil.
func (m *MockClient) GetObject(ctx context.Context, className, objectID string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[objectKey(className, objectID)]
	if !ok {
		return nil, nil
	}
	return copyObject(obj), nil
}

// CreateObject stores an object; an existing id is a 422 like Weaviate's.
func (m *MockClient) CreateObject(ctx context.Context, obj *Object) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	key := objectKey(obj.Class, obj.ID)
	if _, exists := m.Objects[key]; exists {
		return nil, &remote.RemoteError{Code: "weaviate", Message: "id already exists", Status: http.StatusUnprocessableEntity}
	}
	stored := copyObject(obj)
	stored.CreationTimeUnix = m.stamp()
	stored.LastUpdateTimeUnix = stored.CreationTimeUnix
	m.Objects[key] = stored
	return copyObject(stored), nil
}

// MergeObject patches properties onto a stored object.
func (m *MockClient) MergeObject(ctx context.Context, obj *Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	existing, ok := m.Objects[objectKey(obj.Class, obj.ID)]
	if !ok {
		return &remote.RemoteError{Code: "weaviate", Message: "object not found", Status: http.StatusNotFound}
	}
	for k, v := range obj.Properties {
		existing.Properties[k] = v
	}
	existing.LastUpdateTimeUnix = m.stamp()
	return nil
}

// DeleteObject removes an object; a missing one is a 404 like Weaviate's.
func (m *MockClient) DeleteObject(ctx context.Context, className, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	key := objectKey(className, objectID)
	if _, ok := m.Objects[key]; !ok {
		return &remote.RemoteError{Code: "weaviate", Message: "object not found", Status: http.StatusNotFound}
	}
	delete(m.Objects, key)
	return nil
}

// EnsureClass records the class.
func (m *MockClient) EnsureClass(ctx context.Context, className string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Classes[className] = true
	return nil
}

func copyObject(obj *Object) *Object {
	c := *obj
	c.Properties = make(map[string]interface{}, len(obj.Properties))
	for k, v := range obj.Properties {
		c.Properties[k] = v
	}
	return &c
}

var (
	_ ObjectClient = (*MockClient)(nil)
	_ SchemaClient = (*MockClient)(nil)
)
