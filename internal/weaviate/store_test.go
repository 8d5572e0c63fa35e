package weaviate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"

	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassName(t *testing.T) {
	assert.Equal(t, "Birds", ClassName("birds"))
	assert.Equal(t, "CalendarEvents", ClassName("calendar_events"))
	assert.Equal(t, "Eggs", ClassName("Eggs"))
}

func TestObjectID(t *testing.T) {
	const id = "2b8e4a3c-5a36-4b89-9d8e-7f1e6f9c0a11"
	assert.Equal(t, id, ObjectID("birds", id))

	derived := ObjectID("birds", "b1")
	assert.Len(t, derived, 36)
	assert.Equal(t, derived, ObjectID("birds", "b1"))
	assert.NotEqual(t, derived, ObjectID("eggs", "b1"))
}

func TestStore_InsertFetchUpdateDelete(t *testing.T) {
	mock := NewMockClient()
	stamp := time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC).UnixMilli()
	mock.Now = func() int64 { return stamp }
	s := NewStore(mock)
	ctx := context.Background()

	rec, err := s.Apply(ctx, models.Mutation{
		Table: "birds", Kind: models.OperationInsert, RecordID: "b1",
		Payload: models.Record{"id": "b1", "name": "Kiwi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "b1", rec.ID())
	assert.Equal(t, "Kiwi", rec["name"])
	assert.Equal(t, "2026-06-01T07:00:00Z", rec["updated_at"])
	assert.NotContains(t, rec, "record_id")

	obj := mock.Objects["Birds/"+ObjectID("birds", "b1")]
	require.NotNil(t, obj)
	assert.Equal(t, "b1", obj.Properties["record_id"])
	assert.NotContains(t, obj.Properties, "id")

	stamp += 1000
	rec, err = s.Apply(ctx, models.Mutation{
		Table: "birds", Kind: models.OperationUpdate, RecordID: "b1",
		Payload: models.Record{"color": "green"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Kiwi", rec["name"])
	assert.Equal(t, "green", rec["color"])
	assert.Equal(t, "2026-06-01T07:00:01Z", rec["updated_at"])

	fetched, err := s.Fetch(ctx, "birds", "b1")
	require.NoError(t, err)
	assert.Equal(t, rec, fetched)

	_, err = s.Apply(ctx, models.Mutation{Table: "birds", Kind: models.OperationDelete, RecordID: "b1"})
	require.NoError(t, err)
	fetched, err = s.Fetch(ctx, "birds", "b1")
	require.NoError(t, err)
	assert.Nil(t, fetched)
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	s := NewStore(NewMockClient())
	_, err := s.Apply(context.Background(), models.Mutation{Table: "eggs", Kind: models.OperationDelete, RecordID: "e1"})
	assert.NoError(t, err)
}

func TestStore_UpdateMissingIsNotFound(t *testing.T) {
	s := NewStore(NewMockClient())
	_, err := s.Apply(context.Background(), models.Mutation{
		Table: "eggs", Kind: models.OperationUpdate, RecordID: "e1", Payload: models.Record{"status": "hatched"},
	})
	require.Error(t, err)
	assert.True(t, remote.IsNotFound(err))
	assert.False(t, remote.IsRetryable(err))
}

func TestStore_DuplicateInsertIsNotRetryable(t *testing.T) {
	s := NewStore(NewMockClient())
	mut := models.Mutation{Table: "birds", Kind: models.OperationInsert, RecordID: "b1", Payload: models.Record{"name": "Kiwi"}}

	_, err := s.Apply(context.Background(), mut)
	require.NoError(t, err)
	_, err = s.Apply(context.Background(), mut)
	require.Error(t, err)
	assert.False(t, remote.IsRetryable(err))
}

func TestStore_ClientErrorsPropagate(t *testing.T) {
	mock := NewMockClient()
	mock.Err = remote.NewUnavailableError("restarting")
	s := NewStore(mock)

	_, err := s.Fetch(context.Background(), "birds", "b1")
	require.Error(t, err)
	assert.True(t, remote.IsRetryable(err))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))

	err := classify(&fault.WeaviateClientError{IsUnexpectedStatusCode: true, StatusCode: 422, Msg: "invalid property"})
	var re *remote.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 422, re.Status)
	assert.False(t, remote.IsRetryable(err))

	err = classify(&fault.WeaviateClientError{StatusCode: 500, Msg: "shard down"})
	assert.True(t, remote.IsRetryable(err))

	err = classify(&fault.WeaviateClientError{Msg: "dial failed", DerivedFromError: errors.New("connection refused")})
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 503, re.Status)
	assert.Contains(t, re.Message, "connection refused")
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("http://localhost:8080", "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.url)
}

func TestStore_EnsureTables(t *testing.T) {
	mock := NewMockClient()
	s := NewStore(mock)

	require.NoError(t, s.EnsureTables(context.Background(), []string{"birds", "calendar_events"}))
	assert.True(t, mock.Classes["Birds"])
	assert.True(t, mock.Classes["CalendarEvents"])

	mock.Err = remote.NewUnavailableError("restarting")
	err := s.EnsureTables(context.Background(), []string{"eggs"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eggs")
}

func TestClassSchema(t *testing.T) {
	class := classSchema("Birds")
	assert.Equal(t, "Birds", class.Class)
	assert.Equal(t, "none", class.Vectorizer)

	names := make([]string, 0, len(class.Properties))
	for _, p := range class.Properties {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"record_id", "sync_version", "updated_at"}, names)
	require.NotNil(t, class.Properties[0].IndexFilterable)
	assert.True(t, *class.Properties[0].IndexFilterable)
}
