package models

import "time"

// OperationKind represents the type of record mutation
type OperationKind string

const (
	OperationInsert OperationKind = "insert"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Valid reports whether k is one of the known mutation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// DefaultMaxAttempts is the per-operation attempt ceiling used when a queue
// is created without one.
const DefaultMaxAttempts = 3

// QueuedOperation is a mutation that has not yet been confirmed by the remote store
type QueuedOperation struct {
	ID            string        `json:"id"`
	Seq           uint64        `json:"seq"`      // insertion order, tie-breaker for EnqueuedAt
	Revision      int           `json:"revision"` // bumped each time a newer mutation is coalesced in
	Table         string        `json:"table"`
	RecordID      string        `json:"record_id"`
	Kind          OperationKind `json:"kind"`
	Payload       Record        `json:"payload,omitempty"`
	Base          Record        `json:"base,omitempty"` // version fields of the record the edit started from
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	BackoffMs     int64         `json:"backoff_ms"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	Context       string        `json:"context,omitempty"` // user-facing label
	LastError     string        `json:"last_error,omitempty"`
}

// Key returns the coalescing key "table/recordID/kind".
func (op *QueuedOperation) Key() string {
	return RecordKey(op.Table, op.RecordID) + "/" + string(op.Kind)
}

// Backoff returns the current backoff delay as a duration.
func (op *QueuedOperation) Backoff() time.Duration {
	return time.Duration(op.BackoffMs) * time.Millisecond
}

// ReadyAt returns the earliest time the operation may be attempted again.
func (op *QueuedOperation) ReadyAt() time.Time {
	if op.LastAttemptAt.IsZero() {
		return op.EnqueuedAt
	}
	return op.LastAttemptAt.Add(op.Backoff())
}

// Exhausted reports whether the operation has used its whole attempt budget.
func (op *QueuedOperation) Exhausted() bool {
	return op.Attempts >= op.MaxAttempts
}

// Clone returns a deep copy so callers cannot mutate queue state.
func (op *QueuedOperation) Clone() *QueuedOperation {
	if op == nil {
		return nil
	}
	c := *op
	c.Payload = op.Payload.Clone()
	c.Base = op.Base.Clone()
	return &c
}

// Mutation is a request to change a single record on the remote store.
type Mutation struct {
	Table    string        `json:"table"`
	Kind     OperationKind `json:"kind"`
	RecordID string        `json:"record_id"`
	Payload  Record        `json:"payload,omitempty"`
}

// Mutation returns the remote mutation carried by a queued operation.
func (op *QueuedOperation) Mutation() Mutation {
	return Mutation{
		Table:    op.Table,
		Kind:     op.Kind,
		RecordID: op.RecordID,
		Payload:  op.Payload.Clone(),
	}
}
