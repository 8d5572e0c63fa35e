// Package engine drains the offline queue against the remote store.
//
// A drain walks the ready entries in FIFO order, one at a time. Each entry
// is sent through the retry scheduler (tight in-call retries); an entry that
// still fails is given a cross-session backoff in the queue, and is dropped
// with a user-visible failure once it runs out of attempts. Queued updates
// are checked for conflicts against a freshly fetched remote record first.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kilupskalvis/nestsync/internal/clock"
	"github.com/kilupskalvis/nestsync/internal/conflict"
	"github.com/kilupskalvis/nestsync/internal/metrics"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/netstatus"
	"github.com/kilupskalvis/nestsync/internal/notify"
	"github.com/kilupskalvis/nestsync/internal/queue"
	"github.com/kilupskalvis/nestsync/internal/remote"
	"github.com/kilupskalvis/nestsync/internal/retry"
)

// Network reports connectivity.
type Network interface {
	IsOnline() bool
}

// LocalStore is the part of local state the engine reads and reconciles.
type LocalStore interface {
	Get(table, recordID string) (models.Record, bool)
	Put(table string, rec models.Record)
	Remove(table, recordID string)
}

// Options wires an Engine. Queue, Remote and Network are required.
type Options struct {
	Queue     *queue.Queue
	Remote    remote.Store
	Network   Network
	Retry     *retry.Scheduler
	Detector  *conflict.Detector
	Conflicts *conflict.Registry
	Local     LocalStore // optional
	Notifier  notify.Notifier
	Metrics   *metrics.Collector
	Clock     clock.Clock
	Logger    *slog.Logger

	// OnDrain, if set, runs after every drain pass that was not skipped.
	OnDrain func(res *models.DrainResult, at time.Time)
}

// Engine drains the queue. It is safe for concurrent use; overlapping
// drains are no-ops.
type Engine struct {
	queue     *queue.Queue
	remote    remote.Store
	network   Network
	retry     *retry.Scheduler
	detector  *conflict.Detector
	conflicts *conflict.Registry
	local     LocalStore
	notifier  notify.Notifier
	metrics   *metrics.Collector
	clock     clock.Clock
	logger    *slog.Logger
	onDrain   func(*models.DrainResult, time.Time)

	mu sync.Mutex // held for the whole drain
}

// New creates an Engine, filling optional collaborators with defaults.
func New(opts Options) *Engine {
	e := &Engine{
		queue:     opts.Queue,
		remote:    opts.Remote,
		network:   opts.Network,
		retry:     opts.Retry,
		detector:  opts.Detector,
		conflicts: opts.Conflicts,
		local:     opts.Local,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		logger:    opts.Logger,
		onDrain:   opts.OnDrain,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = clock.System{}
	}
	if e.retry == nil {
		e.retry = retry.New(retry.DefaultConfig(), e.logger)
	}
	if e.detector == nil {
		e.detector = conflict.NewDetector(conflict.WithClock(e.clock))
	}
	if e.conflicts == nil {
		e.conflicts = conflict.NewRegistry()
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	return e
}

// Conflicts returns the registry of conflicts awaiting a decision.
func (e *Engine) Conflicts() *conflict.Registry {
	return e.conflicts
}

// Drain processes every ready queue entry once. It returns an empty result
// at once when offline or when another drain is running.
func (e *Engine) Drain(ctx context.Context) *models.DrainResult {
	res := &models.DrainResult{}

	if !e.network.IsOnline() {
		e.metrics.DrainSkipped()
		return res
	}
	if !e.mu.TryLock() {
		e.logger.Debug("drain already running")
		e.metrics.DrainSkipped()
		return res
	}
	defer e.mu.Unlock()

	start := time.Now()
	items := e.queue.PeekReady(e.clock.Now())
	if len(items) > 0 {
		e.logger.Info("draining queue", "ready", len(items), "queued", e.queue.Size())
	}

	// A record whose earlier entry did not go through this pass keeps its
	// later entries queued, so per-record order holds.
	blocked := make(map[string]bool)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		key := models.RecordKey(item.Table, item.RecordID)
		if blocked[key] {
			continue
		}
		if !e.process(ctx, item, res) {
			blocked[key] = true
		}
	}

	e.finish(res, time.Since(start))
	return res
}

// process handles one entry and reports whether it reached the remote store.
func (e *Engine) process(ctx context.Context, item *models.QueuedOperation, res *models.DrainResult) bool {
	log := e.logger.With("op_id", item.ID, "table", item.Table, "kind", item.Kind, "record_id", item.RecordID)
	mut := item.Mutation()

	if item.Kind == models.OperationUpdate {
		if e.conflicts.Has(item.Table, item.RecordID) {
			log.Debug("conflict pending, leaving queued")
			return false
		}

		c, err := e.checkConflict(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			e.fail(item, err, res, log)
			return false
		}
		if c != nil {
			if !c.AutoResolvable {
				e.conflicts.Register(c)
				res.Conflicts = append(res.Conflicts, c)
				log.Warn("conflict blocks queued update", "fields", c.Fields(), "score", c.ConflictScore)
				e.notifier.Notify(models.Notification{
					Title:    "Conflict needs your attention",
					Message:  fmt.Sprintf("%s was changed elsewhere; choose which version to keep", labelOf(item)),
					Severity: models.NotifyWarning,
				})
				return false
			}
			mut.Payload = conflict.TakeRemote(c, mut.Payload)
			e.adoptRemoteFields(c)
			res.Resolved = append(res.Resolved, c)
			log.Info("auto-resolved low severity conflict toward remote", "fields", c.Fields())
		}
	}

	confirmed, err := retry.Do(ctx, e.retry, fmt.Sprintf("%s %s/%s", item.Kind, item.Table, item.RecordID),
		func(ctx context.Context) (models.Record, error) {
			return e.remote.Apply(ctx, mut)
		})
	if err != nil {
		if ctx.Err() != nil {
			log.Info("drain cancelled", "error", err)
			return false
		}
		e.fail(item, err, res, log)
		return false
	}

	removed, err := e.queue.Ack(item.ID, item.Revision)
	if err != nil {
		log.Error("failed to remove synced operation", "error", err)
	}
	res.Succeeded++
	log.Debug("operation synced", "removed", removed)

	if removed && e.local != nil {
		switch {
		case item.Kind == models.OperationDelete:
			e.local.Remove(item.Table, item.RecordID)
		case confirmed != nil:
			e.local.Put(item.Table, confirmed)
		}
	}
	return true
}

// checkConflict fetches the remote record and compares it with the local one.
func (e *Engine) checkConflict(ctx context.Context, item *models.QueuedOperation) (*models.ConflictRecord, error) {
	remoteRec, err := retry.Do(ctx, e.retry, fmt.Sprintf("fetch %s/%s", item.Table, item.RecordID),
		func(ctx context.Context) (models.Record, error) {
			return e.remote.Fetch(ctx, item.Table, item.RecordID)
		})
	if err != nil {
		return nil, fmt.Errorf("fetch remote %s/%s: %w", item.Table, item.RecordID, err)
	}

	local := item.Payload
	if e.local != nil {
		if rec, ok := e.local.Get(item.Table, item.RecordID); ok {
			local = rec
		}
	}
	if item.Base != nil {
		// the edit was made on this version, whatever the cache holds now
		local = local.Clone()
		for k, v := range item.Base {
			local[k] = v
		}
	}
	if !local.HasVersion() {
		// no record of which write the edit started from, so nothing shows
		// the remote moved on since
		e.logger.Debug("no base version, skipping conflict check", "op_id", item.ID, "table", item.Table, "record_id", item.RecordID)
		return nil, nil
	}
	return e.detector.Detect(local, remoteRec, item.Table), nil
}

// adoptRemoteFields writes the remote values of conflicting fields into local state.
func (e *Engine) adoptRemoteFields(c *models.ConflictRecord) {
	if e.local == nil {
		return
	}
	rec, ok := e.local.Get(c.Table, c.ID)
	if !ok {
		return
	}
	e.local.Put(c.Table, conflict.TakeRemote(c, rec))
}

// fail records a failed attempt: terminal entries are dropped and reported,
// the rest get the next backoff.
func (e *Engine) fail(item *models.QueuedOperation, cause error, res *models.DrainResult, log *slog.Logger) {
	retryable := e.retry.Config().Classify(cause)
	backoff := e.retry.Backoff(item.Attempts + 1)

	updated, err := e.queue.RecordFailure(item.ID, e.clock.Now(), backoff, cause)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			// removed by the user while in flight
			return
		}
		log.Error("failed to record attempt", "error", err)
		updated = item.Clone()
		updated.Attempts++
	}

	if retryable && !updated.Exhausted() {
		res.Retrying++
		log.Warn("operation failed, will retry", "attempts", updated.Attempts, "max_attempts", updated.MaxAttempts,
			"backoff", backoff, "error", cause)
		return
	}

	if err := e.queue.Dequeue(item.ID); err != nil {
		log.Error("failed to drop operation", "error", err)
	}
	res.Failed = append(res.Failed, models.FailedOperation{
		Operation: updated,
		Error:     cause.Error(),
		Terminal:  true,
	})
	log.Error("operation dropped", "attempts", updated.Attempts, "retryable", retryable, "error", cause)
	e.notifier.Notify(models.Notification{
		Title:    "Change could not be saved",
		Message:  fmt.Sprintf("%s failed after %d attempt(s); please redo it", labelOf(item), updated.Attempts),
		Severity: models.NotifyError,
	})
}

// finish emits the summary notification and metrics.
func (e *Engine) finish(res *models.DrainResult, elapsed time.Duration) {
	e.metrics.ObserveDrain(res, elapsed)
	e.metrics.SetQueueDepth(e.queue.Size())
	e.metrics.SetConflictsPending(e.conflicts.Len())
	if e.onDrain != nil {
		e.onDrain(res, e.clock.Now())
	}

	if res.Empty() {
		return
	}
	e.logger.Info("drain finished", "succeeded", res.Succeeded, "failed", len(res.Failed),
		"retrying", res.Retrying, "conflicts", len(res.Conflicts), "resolved", len(res.Resolved), "elapsed", elapsed)

	n := models.Notification{Title: "Sync complete", Severity: models.NotifySuccess}
	if len(res.Failed) > 0 || len(res.Conflicts) > 0 || res.Retrying > 0 {
		n.Title = "Sync incomplete"
		n.Severity = models.NotifyWarning
	}
	n.Message = fmt.Sprintf("%d synced, %d failed, %d waiting to retry, %d in conflict",
		res.Succeeded, len(res.Failed), res.Retrying, len(res.Conflicts))
	e.notifier.Notify(n)
}

// Resolve settles a pending conflict. Local and merge resolutions write the
// chosen data to the remote store; a remote resolution drops the queued
// update and adopts the remote version. The conflict stays pending if the
// remote write fails.
func (e *Engine) Resolve(ctx context.Context, key string, strategy models.ResolutionStrategy, merged models.Record) (models.Record, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", conflict.ErrInvalidStrategy, strategy)
	}
	if strategy == models.ResolveMerge && merged == nil {
		return nil, conflict.ErrMergePayloadRequired
	}

	// wait for a running drain so the queued update is not in flight
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.conflicts.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", conflict.ErrNotFound, key)
	}
	log := e.logger.With("table", c.Table, "record_id", c.ID, "strategy", strategy)
	op, queued := e.queue.Find(c.Table, c.ID, models.OperationUpdate)

	if strategy == models.ResolveRemote {
		if queued {
			if err := e.queue.Dequeue(op.ID); err != nil {
				return nil, fmt.Errorf("drop queued update: %w", err)
			}
		}
		final := conflict.Apply(c, strategy, nil)
		if e.local != nil {
			e.local.Put(c.Table, final)
		}
		e.conflicts.Remove(key)
		e.afterResolve(log)
		return final, nil
	}

	var payload models.Record
	switch {
	case strategy == models.ResolveMerge:
		payload = writable(conflict.Apply(c, strategy, merged))
	case queued:
		payload = writable(c.LocalVersion).Merge(op.Payload)
	default:
		payload = writable(c.LocalVersion)
	}
	payload[models.FieldID] = c.ID

	mut := models.Mutation{Table: c.Table, Kind: models.OperationUpdate, RecordID: c.ID, Payload: payload}
	confirmed, err := retry.Do(ctx, e.retry, fmt.Sprintf("resolve %s", key),
		func(ctx context.Context) (models.Record, error) {
			return e.remote.Apply(ctx, mut)
		})
	if err != nil {
		log.Warn("conflict resolution not saved", "error", err)
		return nil, fmt.Errorf("apply resolution for %s: %w", key, err)
	}
	if confirmed == nil {
		confirmed = payload
	}

	if queued {
		if _, err := e.queue.Ack(op.ID, op.Revision); err != nil {
			log.Error("failed to remove resolved update", "error", err)
		}
	}
	if e.local != nil {
		e.local.Put(c.Table, confirmed)
	}
	e.conflicts.Remove(key)
	e.afterResolve(log)
	return confirmed, nil
}

func (e *Engine) afterResolve(log *slog.Logger) {
	log.Info("conflict resolved")
	e.metrics.SetQueueDepth(e.queue.Size())
	e.metrics.SetConflictsPending(e.conflicts.Len())
	e.notifier.Notify(models.Notification{
		Title:    "Conflict resolved",
		Message:  "Your choice was saved",
		Severity: models.NotifySuccess,
	})
}

// writable strips bookkeeping fields the remote store maintains itself.
func writable(rec models.Record) models.Record {
	out := rec.Clone()
	if out == nil {
		out = models.Record{}
	}
	for _, f := range []string{models.FieldCreatedAt, models.FieldUpdatedAt, models.FieldLastModified, models.FieldSyncVersion} {
		delete(out, f)
	}
	return out
}

// DrainOnReconnect starts a drain every time the monitor reports the network
// came back. The returned function stops watching.
func (e *Engine) DrainOnReconnect(ctx context.Context, m *netstatus.Monitor) (stop func()) {
	return m.Subscribe(func(t netstatus.Transition) {
		if t != netstatus.BecameOnline {
			return
		}
		go e.Drain(ctx)
	})
}

// Run drains on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Drain(ctx)
		}
	}
}

func labelOf(op *models.QueuedOperation) string {
	if op.Context != "" {
		return op.Context
	}
	return fmt.Sprintf("%s of %s %s", op.Kind, op.Table, op.RecordID)
}
