package weaviate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	weaviatemodels "github.com/weaviate/weaviate/entities/models"

	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/remote"
)

// recordIDProperty keeps the application id next to the object's UUID.
const recordIDProperty = "record_id"

// idNamespace derives stable object UUIDs from ids that are not UUIDs.
var idNamespace = uuid.MustParse("6f1d2c1e-58b4-4c43-9f38-3b5d1e0f6a21")

// Store implements remote.Store on top of Weaviate objects.
type Store struct {
	client ObjectClient
}

var _ remote.Store = (*Store)(nil)

// NewStore creates a Store.
func NewStore(client ObjectClient) *Store {
	return &Store{client: client}
}

// ClassName maps a table name to a Weaviate class: "calendar_events"
// becomes "CalendarEvents".
func ClassName(table string) string {
	var b strings.Builder
	upper := true
	for _, r := range table {
		if r == '_' || r == '-' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ObjectID returns the object UUID for a record. UUID ids are used as is.
func ObjectID(table, recordID string) string {
	if id, err := uuid.Parse(recordID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(idNamespace, []byte(table+"/"+recordID)).String()
}

// Apply writes one mutation.
func (s *Store) Apply(ctx context.Context, m models.Mutation) (models.Record, error) {
	if m.RecordID == "" {
		return nil, remote.NewValidationError("mutation has no record id")
	}
	class, id := ClassName(m.Table), ObjectID(m.Table, m.RecordID)

	switch m.Kind {
	case models.OperationInsert:
		created, err := s.client.CreateObject(ctx, &Object{
			ID:         id,
			Class:      class,
			Properties: properties(m.Payload, m.RecordID),
		})
		if err != nil {
			return nil, fmt.Errorf("create %s/%s: %w", class, m.RecordID, err)
		}
		return toRecord(created, m.RecordID), nil

	case models.OperationUpdate:
		err := s.client.MergeObject(ctx, &Object{
			ID:         id,
			Class:      class,
			Properties: properties(m.Payload, m.RecordID),
		})
		if err != nil {
			return nil, fmt.Errorf("update %s/%s: %w", class, m.RecordID, err)
		}
		obj, err := s.client.GetObject(ctx, class, id)
		if err != nil {
			return nil, fmt.Errorf("read back %s/%s: %w", class, m.RecordID, err)
		}
		if obj == nil {
			return nil, &remote.RemoteError{Code: "not_found", Message: "object vanished after update", Status: http.StatusNotFound}
		}
		return toRecord(obj, m.RecordID), nil

	case models.OperationDelete:
		err := s.client.DeleteObject(ctx, class, id)
		if err != nil && !remote.IsNotFound(err) {
			return nil, fmt.Errorf("delete %s/%s: %w", class, m.RecordID, err)
		}
		return nil, nil
	}
	return nil, remote.NewValidationError(fmt.Sprintf("unknown operation kind %q", m.Kind))
}

// EnsureTables creates a class for every table that lacks one. Clients
// without schema access are left to Weaviate's auto-schema.
func (s *Store) EnsureTables(ctx context.Context, tables []string) error {
	sc, ok := s.client.(SchemaClient)
	if !ok {
		return nil
	}
	for _, table := range tables {
		if err := sc.EnsureClass(ctx, ClassName(table)); err != nil {
			return fmt.Errorf("ensure class for %s: %w", table, err)
		}
	}
	return nil
}

// classSchema declares the bookkeeping properties the sync layer filters and
// compares on. Payload fields are added by auto-schema on first write.
func classSchema(className string) *weaviatemodels.Class {
	filterable := true
	return &weaviatemodels.Class{
		Class:       className,
		Description: "nestsync table",
		Vectorizer:  "none",
		Properties: []*weaviatemodels.Property{
			{Name: recordIDProperty, DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: models.FieldSyncVersion, DataType: []string{"int"}},
			{Name: models.FieldUpdatedAt, DataType: []string{"text"}},
		},
	}
}

// Fetch returns the record or nil if there is no object for it.
func (s *Store) Fetch(ctx context.Context, table, recordID string) (models.Record, error) {
	class := ClassName(table)
	obj, err := s.client.GetObject(ctx, class, ObjectID(table, recordID))
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", class, recordID, err)
	}
	if obj == nil {
		return nil, nil
	}
	return toRecord(obj, recordID), nil
}

// properties converts a payload to object properties. The id moves to
// record_id because the object id must be a UUID.
func properties(payload models.Record, recordID string) map[string]interface{} {
	props := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		if k == models.FieldID {
			continue
		}
		props[k] = v
	}
	props[recordIDProperty] = recordID
	return props
}

// toRecord converts an object back to a record. Weaviate's last update time
// stands in for updated_at when the object carries none.
func toRecord(obj *Object, recordID string) models.Record {
	if obj == nil {
		return nil
	}
	rec := make(models.Record, len(obj.Properties)+1)
	for k, v := range obj.Properties {
		rec[k] = v
	}
	if id, ok := rec[recordIDProperty].(string); ok && id != "" {
		recordID = id
	}
	delete(rec, recordIDProperty)
	rec[models.FieldID] = recordID

	if _, ok := rec[models.FieldUpdatedAt]; !ok && obj.LastUpdateTimeUnix > 0 {
		rec[models.FieldUpdatedAt] = time.UnixMilli(obj.LastUpdateTimeUnix).UTC().Format(time.RFC3339Nano)
	}
	return rec
}
