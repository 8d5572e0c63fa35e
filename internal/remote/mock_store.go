package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/kilupskalvis/nestsync/internal/models"
)

// MockStore is an in-memory Store for tests. Errors can be scripted per call.
type MockStore struct {
	mu sync.Mutex

	// Records stores rows by "table/id" key
	Records map[string]models.Record
	// Applied records every mutation passed to Apply, in call order
	Applied []models.Mutation
	// ApplyErrs are returned by successive Apply calls before falling through to success
	ApplyErrs []error
	// FetchErr can be set to make Fetch fail
	FetchErr error
	// OnApply, if set, runs inside Apply before the mutation is recorded
	OnApply func(m models.Mutation)

	fetches int
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{Records: make(map[string]models.Record)}
}

// Put seeds a remote record.
func (m *MockStore) Put(table string, rec models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records[models.RecordKey(table, rec.ID())] = rec.Clone()
}

// Get returns a copy of a remote record.
func (m *MockStore) Get(table, id string) models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Records[models.RecordKey(table, id)].Clone()
}

// FailNext queues errors for the next Apply calls.
func (m *MockStore) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyErrs = append(m.ApplyErrs, errs...)
}

// ApplyCount returns how many times Apply was called, including failures.
func (m *MockStore) ApplyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Applied)
}

// FetchCount returns how many times Fetch was called.
func (m *MockStore) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Apply records the mutation and applies it to Records unless a scripted error is pending.
func (m *MockStore) Apply(ctx context.Context, mut models.Mutation) (models.Record, error) {
	if m.OnApply != nil {
		m.OnApply(mut)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Applied = append(m.Applied, mut)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.ApplyErrs) > 0 {
		err := m.ApplyErrs[0]
		m.ApplyErrs = m.ApplyErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	key := models.RecordKey(mut.Table, mut.RecordID)
	switch mut.Kind {
	case models.OperationInsert:
		rec := mut.Payload.Clone()
		if rec == nil {
			rec = models.Record{}
		}
		rec[models.FieldID] = mut.RecordID
		m.Records[key] = rec
		return rec.Clone(), nil
	case models.OperationUpdate:
		existing, ok := m.Records[key]
		if !ok {
			return nil, &RemoteError{Code: "not_found", Message: "no row matched update", Status: http.StatusNotFound}
		}
		merged := existing.Merge(mut.Payload)
		m.Records[key] = merged
		return merged.Clone(), nil
	case models.OperationDelete:
		delete(m.Records, key)
		return nil, nil
	}
	return nil, NewValidationError(fmt.Sprintf("unknown operation kind %q", mut.Kind))
}

// Fetch returns a copy of the stored record or nil.
func (m *MockStore) Fetch(_ context.Context, table, recordID string) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	rec, ok := m.Records[models.RecordKey(table, recordID)]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

var _ Store = (*MockStore)(nil)
