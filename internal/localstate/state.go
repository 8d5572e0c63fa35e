// Package localstate is the in-memory record cache the application renders
// from. Optimistic mutations and realtime pushes both write here; concurrent
// writers are reconciled by last write wins on the record timestamp.
package localstate

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kilupskalvis/nestsync/internal/clock"
	"github.com/kilupskalvis/nestsync/internal/models"
)

type entry struct {
	rec     models.Record
	at      time.Time // timestamp used for last-write-wins
	deleted bool
	rev     uint64 // bumped on every write, guards reverts
}

// State holds the latest known version of every record.
type State struct {
	mu      sync.RWMutex
	records map[string]*entry // by "table/id"
	rev     uint64
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates an empty State.
func New(clk clock.Clock, logger *slog.Logger) *State {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		records: make(map[string]*entry),
		clock:   clk,
		logger:  logger,
	}
}

// Get returns a copy of a live record.
func (s *State) Get(table, recordID string) (models.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[models.RecordKey(table, recordID)]
	if !ok || e.deleted {
		return nil, false
	}
	return e.rec.Clone(), true
}

// List returns copies of the live records of a table ordered by id.
func (s *State) List(table string) []models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := table + "/"
	var out []models.Record
	for key, e := range s.records {
		if e.deleted || len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		out = append(out, e.rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of live records across all tables.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.records {
		if !e.deleted {
			n++
		}
	}
	return n
}

func (s *State) nextRev() uint64 {
	s.rev++
	return s.rev
}

// Apply performs a mutation optimistically and returns a function that
// undoes it. The undo is skipped if the record was written again since.
func (s *State) Apply(m models.Mutation) (revert func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.RecordKey(m.Table, m.RecordID)
	prev, existed := s.records[key]
	var saved *entry
	if existed {
		cp := *prev
		cp.rec = prev.rec.Clone()
		saved = &cp
	}

	now := s.clock.Now()
	next := &entry{at: now, rev: s.nextRev()}
	switch m.Kind {
	case models.OperationInsert:
		next.rec = m.Payload.Clone()
		if next.rec == nil {
			next.rec = models.Record{}
		}
		next.rec[models.FieldID] = m.RecordID
	case models.OperationUpdate:
		base := models.Record{models.FieldID: m.RecordID}
		if existed && !prev.deleted {
			base = prev.rec
		}
		next.rec = base.Merge(m.Payload)
	case models.OperationDelete:
		next.deleted = true
		next.rec = models.Record{models.FieldID: m.RecordID}
	}
	s.records[key] = next
	applied := next.rev

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		cur, ok := s.records[key]
		if !ok || cur.rev != applied {
			s.logger.Debug("skipping revert of overwritten record", "table", m.Table, "record_id", m.RecordID)
			return
		}
		if saved == nil {
			delete(s.records, key)
			return
		}
		saved.rev = s.nextRev()
		s.records[key] = saved
	}
}

// Put stores a record confirmed by the remote store, replacing the local
// version unconditionally.
func (s *State) Put(table string, rec models.Record) {
	if rec == nil || rec.ID() == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := rec.ModifiedAt()
	if !ok {
		at = s.clock.Now()
	}
	s.records[models.RecordKey(table, rec.ID())] = &entry{rec: rec.Clone(), at: at, rev: s.nextRev()}
}

// Remove drops a record unconditionally.
func (s *State) Remove(table, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, models.RecordKey(table, recordID))
}

// ApplyRemote merges a change pushed by the remote store. It is applied only
// if it is at least as recent as the local version; it reports whether the
// change was taken.
func (s *State) ApplyRemote(table string, kind models.OperationKind, rec models.Record) bool {
	id := rec.ID()
	if id == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.RecordKey(table, id)
	at, ok := rec.ModifiedAt()
	if !ok {
		at = s.clock.Now()
	}
	if cur, exists := s.records[key]; exists && at.Before(cur.at) {
		s.logger.Debug("ignoring stale remote change", "table", table, "record_id", id, "kind", kind)
		return false
	}

	next := &entry{at: at, rev: s.nextRev()}
	switch kind {
	case models.OperationDelete:
		next.deleted = true
		next.rec = models.Record{models.FieldID: id}
	case models.OperationUpdate:
		if cur, exists := s.records[key]; exists && !cur.deleted {
			next.rec = cur.rec.Merge(rec)
		} else {
			next.rec = rec.Clone()
		}
	default:
		next.rec = rec.Clone()
	}
	s.records[key] = next
	return true
}
