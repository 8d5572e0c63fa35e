package conflict

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kilupskalvis/nestsync/internal/models"
)

var (
	// ErrNotFound is returned when no pending conflict has the key.
	ErrNotFound = errors.New("conflict not found")
	// ErrMergePayloadRequired is returned for a merge without a payload.
	ErrMergePayloadRequired = errors.New("merge resolution requires a merged payload")
	// ErrInvalidStrategy is returned for an unknown strategy.
	ErrInvalidStrategy = errors.New("unknown resolution strategy")
)

// Registry holds conflicts that are waiting for a user decision, keyed by
// "table/id". It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	conflicts map[string]*models.ConflictRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conflicts: make(map[string]*models.ConflictRecord)}
}

// Register adds or replaces the pending conflict for the record.
func (r *Registry) Register(c *models.ConflictRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[c.Key()] = c
}

// Get returns the pending conflict for key.
func (r *Registry) Get(key string) (*models.ConflictRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[key]
	return c, ok
}

// Has reports whether a conflict is pending for the record.
func (r *Registry) Has(table, recordID string) bool {
	_, ok := r.Get(models.RecordKey(table, recordID))
	return ok
}

// Pending returns every pending conflict, oldest first.
func (r *Registry) Pending() []*models.ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.ConflictRecord, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Len returns the number of pending conflicts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conflicts)
}

// Remove drops a pending conflict without resolving it.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conflicts, key)
}

// Resolve settles a pending conflict and returns the record data the caller
// should keep: the local version, the remote version, or the merged payload
// laid over the remote version. The entry is removed.
func (r *Registry) Resolve(key string, strategy models.ResolutionStrategy, merged models.Record) (models.Record, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	if strategy == models.ResolveMerge && merged == nil {
		return nil, ErrMergePayloadRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(r.conflicts, key)
	return Apply(c, strategy, merged), nil
}

// Apply computes the final data for a conflict under strategy without
// touching any registry.
func Apply(c *models.ConflictRecord, strategy models.ResolutionStrategy, merged models.Record) models.Record {
	var final models.Record
	switch strategy {
	case models.ResolveLocal:
		final = c.LocalVersion.Clone()
	case models.ResolveRemote:
		final = c.RemoteVersion.Clone()
	case models.ResolveMerge:
		final = c.RemoteVersion.Merge(merged)
	}
	if final == nil {
		final = models.Record{}
	}
	final[models.FieldID] = c.ID
	return final
}

// TakeRemote returns payload with every conflicting field set to the remote
// value. Used for auto-resolvable conflicts.
func TakeRemote(c *models.ConflictRecord, payload models.Record) models.Record {
	out := payload.Clone()
	if out == nil {
		out = models.Record{}
	}
	for _, fc := range c.FieldConflicts {
		out[fc.Field] = fc.RemoteValue
	}
	return out
}
