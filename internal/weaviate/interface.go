package weaviate

import "context"

// ObjectClient defines the object operations the Store needs.
// This interface enables mocking for testing.
type ObjectClient interface {
	GetObject(ctx context.Context, className, objectID string) (*Object, error)
	CreateObject(ctx context.Context, obj *Object) (*Object, error)
	MergeObject(ctx context.Context, obj *Object) error
	DeleteObject(ctx context.Context, className, objectID string) error
}

// Verify that *Client implements ObjectClient at compile time
var _ ObjectClient = (*Client)(nil)

// SchemaClient creates classes on demand.
type SchemaClient interface {
	EnsureClass(ctx context.Context, className string) error
}

var _ SchemaClient = (*Client)(nil)
