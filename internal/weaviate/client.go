// Package weaviate lets a Weaviate instance act as the remote store. Each
// table maps to a Weaviate class and each record to one object.
package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	weaviatemodels "github.com/weaviate/weaviate/entities/models"

	"github.com/kilupskalvis/nestsync/internal/remote"
)

// Object is a Weaviate object reduced to what the sync layer needs.
type Object struct {
	ID                 string
	Class              string
	Properties         map[string]interface{}
	CreationTimeUnix   int64
	LastUpdateTimeUnix int64
}

// Client wraps the Weaviate client for single-object reads and writes.
type Client struct {
	client *weaviate.Client
	url    string
}

// NewClient creates a client for url. An empty apiKey disables auth.
func NewClient(url, apiKey string) (*Client, error) {
	cfg := weaviate.Config{Host: url, Scheme: "http"}

	if strings.HasPrefix(url, "http://") {
		cfg.Host = strings.TrimPrefix(url, "http://")
	} else if strings.HasPrefix(url, "https://") {
		cfg.Host = strings.TrimPrefix(url, "https://")
		cfg.Scheme = "https"
	}
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")
	if apiKey != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + apiKey}
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return &Client{client: client, url: url}, nil
}

// Ping checks if Weaviate is reachable
func (c *Client) Ping(ctx context.Context) error {
	live, err := c.client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to Weaviate: %w", classify(err))
	}
	if !live {
		return remote.NewUnavailableError("weaviate is not live")
	}
	return nil
}

// GetObject fetches one object, returning nil if it does not exist.
func (c *Client) GetObject(ctx context.Context, className, objectID string) (*Object, error) {
	objs, err := c.client.Data().ObjectsGetter().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	if err != nil {
		err = classify(err)
		if remote.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(objs) == 0 {
		return nil, nil
	}
	return convertObject(objs[0]), nil
}

// CreateObject creates an object and returns it as stored.
func (c *Client) CreateObject(ctx context.Context, obj *Object) (*Object, error) {
	created, err := c.client.Data().Creator().
		WithClassName(obj.Class).
		WithID(obj.ID).
		WithProperties(obj.Properties).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if created == nil || created.Object == nil {
		return obj, nil
	}
	return convertObject(created.Object), nil
}

// MergeObject patches the given properties onto an existing object.
func (c *Client) MergeObject(ctx context.Context, obj *Object) error {
	err := c.client.Data().Updater().
		WithMerge().
		WithClassName(obj.Class).
		WithID(obj.ID).
		WithProperties(obj.Properties).
		Do(ctx)
	return classify(err)
}

// DeleteObject deletes an object by class and ID
func (c *Client) DeleteObject(ctx context.Context, className, objectID string) error {
	err := c.client.Data().Deleter().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	return classify(err)
}

// ClassExists reports whether the schema has className.
func (c *Client) ClassExists(ctx context.Context, className string) (bool, error) {
	schema, err := c.client.Schema().Getter().Do(ctx)
	if err != nil {
		return false, classify(err)
	}
	for _, class := range schema.Classes {
		if class.Class == className {
			return true, nil
		}
	}
	return false, nil
}

// CreateClass creates a class in Weaviate
func (c *Client) CreateClass(ctx context.Context, class *weaviatemodels.Class) error {
	return classify(c.client.Schema().ClassCreator().WithClass(class).Do(ctx))
}

// EnsureClass creates the class for a table unless it already exists.
func (c *Client) EnsureClass(ctx context.Context, className string) error {
	exists, err := c.ClassExists(ctx, className)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.CreateClass(ctx, classSchema(className))
}

// convertObject converts a Weaviate API object to Object
func convertObject(obj interface{}) *Object {
	// JSON round trip copes with the interface{} fields of the v5 models
	data, err := json.Marshal(obj)
	if err != nil {
		return nil
	}

	var raw struct {
		ID                 string                 `json:"id"`
		Class              string                 `json:"class"`
		Properties         map[string]interface{} `json:"properties"`
		CreationTimeUnix   int64                  `json:"creationTimeUnix"`
		LastUpdateTimeUnix int64                  `json:"lastUpdateTimeUnix"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return &Object{
		ID:                 raw.ID,
		Class:              raw.Class,
		Properties:         raw.Properties,
		CreationTimeUnix:   raw.CreationTimeUnix,
		LastUpdateTimeUnix: raw.LastUpdateTimeUnix,
	}
}

// classify turns Weaviate client errors into remote.RemoteError so the
// shared retry policy applies. Errors without a status never reached the
// server and are treated as unavailability.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var wce *fault.WeaviateClientError
	if !errors.As(err, &wce) {
		return err
	}
	if wce.StatusCode == 0 {
		msg := wce.Msg
		if wce.DerivedFromError != nil {
			msg = wce.DerivedFromError.Error()
		}
		return &remote.RemoteError{Code: "unreachable", Message: msg, Status: http.StatusServiceUnavailable}
	}
	return &remote.RemoteError{Code: "weaviate", Message: wce.Msg, Status: wce.StatusCode}
}
