// Package queue holds mutations that have not been confirmed by the remote
// store. The queue persists through a Store on every change and is the only
// writer of that Store.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/nestsync/internal/clock"
	"github.com/kilupskalvis/nestsync/internal/models"
)

var (
	// ErrNotFound is returned when an operation id is not queued.
	ErrNotFound = errors.New("operation not queued")
	// ErrQueueFull is returned when a new entry would exceed MaxSize.
	ErrQueueFull = errors.New("operation queue is full")
	// ErrMissingRecordID is returned when a payload carries no record id.
	ErrMissingRecordID = errors.New("payload has no record id")
)

// Store persists the queue contents as a whole.
type Store interface {
	Load() ([]*models.QueuedOperation, error)
	Save(ops []*models.QueuedOperation) error
}

// Options configures a Queue.
type Options struct {
	MaxAttempts int // per-operation ceiling, default models.DefaultMaxAttempts
	MaxSize     int // 0 means unbounded
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Queue is an ordered, durable set of pending mutations with at most one
// live entry per (table, record id, kind).
type Queue struct {
	mu     sync.Mutex
	store  Store
	ops    map[string]*models.QueuedOperation // by ID
	byKey  map[string]string                  // coalescing key -> ID
	seq    uint64
	opts   Options
	logger *slog.Logger
}

// New creates a queue and loads any persisted entries. A failed or corrupt
// load is logged and the queue starts empty.
func New(store Store, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		store:  store,
		ops:    make(map[string]*models.QueuedOperation),
		byKey:  make(map[string]string),
		opts:   opts,
		logger: logger,
	}
	q.load()
	return q
}

func (q *Queue) load() {
	ops, err := q.store.Load()
	if err != nil {
		q.logger.Error("queue store unreadable, starting empty", "error", err)
		return
	}

	dropped := 0
	for _, op := range ops {
		if op == nil || op.ID == "" || op.Table == "" || op.RecordID == "" || !op.Kind.Valid() {
			dropped++
			continue
		}
		if _, dup := q.byKey[op.Key()]; dup {
			dropped++
			continue
		}
		if op.MaxAttempts <= 0 {
			op.MaxAttempts = q.opts.MaxAttempts
		}
		q.ops[op.ID] = op
		q.byKey[op.Key()] = op.ID
		if op.Seq > q.seq {
			q.seq = op.Seq
		}
	}
	if dropped > 0 {
		q.logger.Warn("dropped malformed queue entries on load", "count", dropped)
	}
	if len(q.ops) > 0 {
		q.logger.Info("loaded queued operations", "count", len(q.ops))
	}
}

// persist writes the current state. Callers hold q.mu.
func (q *Queue) persist() error {
	if err := q.store.Save(q.sortedLocked()); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// sortedLocked returns live entries ordered by EnqueuedAt, then Seq.
func (q *Queue) sortedLocked() []*models.QueuedOperation {
	out := make([]*models.QueuedOperation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Enqueue adds a mutation, or merges it into the live entry for the same
// (table, record id, kind). Newer payload fields win; the merged entry keeps
// its original ID and EnqueuedAt. The queue is persisted before returning.
func (q *Queue) Enqueue(table string, kind models.OperationKind, payload models.Record, label string) (string, error) {
	return q.EnqueueFrom(table, kind, payload, label, nil)
}

// EnqueueFrom is Enqueue for an edit made on top of a known version of the
// record. base holds that version's bookkeeping fields (see
// models.Record.Versions); a coalesced entry keeps the base of its first edit.
func (q *Queue) EnqueueFrom(table string, kind models.OperationKind, payload models.Record, label string, base models.Record) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("enqueue %s: unknown operation kind %q", table, kind)
	}
	recordID := payload.ID()
	if recordID == "" {
		return "", fmt.Errorf("enqueue %s %s: %w", kind, table, ErrMissingRecordID)
	}
	if kind == models.OperationDelete {
		payload = models.Record{models.FieldID: recordID}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := models.RecordKey(table, recordID) + "/" + string(kind)
	if id, ok := q.byKey[key]; ok {
		existing := q.ops[id]
		prev := existing.Clone()
		existing.Payload = existing.Payload.Merge(payload)
		existing.Revision++
		if existing.Base == nil {
			existing.Base = base.Versions()
		}
		if label != "" {
			existing.Context = label
		}
		if err := q.persist(); err != nil {
			q.ops[id] = prev
			return "", err
		}
		q.logger.Debug("coalesced operation", "op_id", id, "table", table, "kind", kind, "record_id", recordID)
		return id, nil
	}

	if q.opts.MaxSize > 0 && len(q.ops) >= q.opts.MaxSize {
		return "", ErrQueueFull
	}

	q.seq++
	op := &models.QueuedOperation{
		ID:          uuid.New().String(),
		Seq:         q.seq,
		Table:       table,
		RecordID:    recordID,
		Kind:        kind,
		Payload:     payload.Clone(),
		Base:        base.Versions(),
		MaxAttempts: q.opts.MaxAttempts,
		EnqueuedAt:  q.opts.Clock.Now(),
		Context:     label,
	}
	q.ops[op.ID] = op
	q.byKey[key] = op.ID

	if err := q.persist(); err != nil {
		delete(q.ops, op.ID)
		delete(q.byKey, key)
		q.seq--
		return "", err
	}
	q.logger.Debug("enqueued operation", "op_id", op.ID, "table", table, "kind", kind, "record_id", recordID)
	return op.ID, nil
}

// Dequeue removes an operation. Removing an unknown id is a no-op.
func (q *Queue) Dequeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

// Ack removes an operation after the remote store confirmed it, unless a
// newer mutation was coalesced into it since revision was read. It reports
// whether the entry was removed.
func (q *Queue) Ack(id string, revision int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return false, nil
	}
	if op.Revision != revision {
		// The newer fields still need to reach the remote store. The entry
		// becomes a fresh attempt.
		prev := op.Clone()
		op.Attempts = 0
		op.BackoffMs = 0
		op.LastAttemptAt = time.Time{}
		op.LastError = ""
		if err := q.persist(); err != nil {
			q.ops[id] = prev
			return false, err
		}
		return false, nil
	}
	return true, q.removeLocked(id)
}

func (q *Queue) removeLocked(id string) error {
	op, ok := q.ops[id]
	if !ok {
		return nil
	}
	delete(q.ops, id)
	delete(q.byKey, op.Key())
	if err := q.persist(); err != nil {
		q.ops[id] = op
		q.byKey[op.Key()] = id
		return err
	}
	return nil
}

// RecordFailure notes a failed attempt: attempts++, the new backoff, the time
// of the attempt and the error message. It returns the updated entry.
func (q *Queue) RecordFailure(id string, now time.Time, backoff time.Duration, cause error) (*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	prev := op.Clone()
	op.Attempts++
	op.BackoffMs = backoff.Milliseconds()
	op.LastAttemptAt = now
	if cause != nil {
		op.LastError = cause.Error()
	}
	if err := q.persist(); err != nil {
		q.ops[id] = prev
		return nil, err
	}
	return op.Clone(), nil
}

// PeekReady returns copies of the entries whose backoff has elapsed at now,
// ordered by EnqueuedAt ascending. An entry is held back while an earlier
// entry for the same record is still waiting out its backoff.
func (q *Queue) PeekReady(now time.Time) []*models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.QueuedOperation
	waiting := make(map[string]bool)
	for _, op := range q.sortedLocked() {
		key := models.RecordKey(op.Table, op.RecordID)
		if waiting[key] {
			continue
		}
		if op.LastAttemptAt.IsZero() || now.Sub(op.LastAttemptAt) >= op.Backoff() {
			out = append(out, op.Clone())
			continue
		}
		waiting[key] = true
	}
	return out
}

// List returns copies of all entries in queue order.
func (q *Queue) List() []*models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	sorted := q.sortedLocked()
	out := make([]*models.QueuedOperation, len(sorted))
	for i, op := range sorted {
		out[i] = op.Clone()
	}
	return out
}

// Get returns a copy of one entry.
func (q *Queue) Get(id string) (*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return op.Clone(), nil
}

// Find returns the live entry for (table, record id, kind), if any.
func (q *Queue) Find(table, recordID string, kind models.OperationKind) (*models.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byKey[models.RecordKey(table, recordID)+"/"+string(kind)]
	if !ok {
		return nil, false
	}
	return q.ops[id].Clone(), true
}

// Size returns the number of live entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear removes every entry. Used for explicit user-initiated resets.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	prevOps, prevKeys := q.ops, q.byKey
	q.ops = make(map[string]*models.QueuedOperation)
	q.byKey = make(map[string]string)
	if err := q.persist(); err != nil {
		q.ops, q.byKey = prevOps, prevKeys
		return err
	}
	q.logger.Info("queue cleared", "count", len(prevOps))
	return nil
}
