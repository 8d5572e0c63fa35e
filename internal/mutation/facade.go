// Package mutation is the entry point application code uses to change
// records. A mutation is applied to local state at once, written through to
// the remote store when online, and queued for a later drain otherwise.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kilupskalvis/nestsync/internal/metrics"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/notify"
	"github.com/kilupskalvis/nestsync/internal/queue"
	"github.com/kilupskalvis/nestsync/internal/remote"
	"github.com/kilupskalvis/nestsync/internal/retry"
)

// ErrInvalidKind is returned for an unknown operation kind.
var ErrInvalidKind = errors.New("unknown operation kind")

// Network reports connectivity.
type Network interface {
	IsOnline() bool
}

// LocalState receives optimistic updates.
type LocalState interface {
	Get(table, recordID string) (models.Record, bool)
	Apply(m models.Mutation) (revert func())
	Put(table string, rec models.Record)
}

// Options wires a Facade. Queue, Remote, Network and Local are required.
type Options struct {
	Queue    *queue.Queue
	Remote   remote.Store
	Network  Network
	Local    LocalState
	Retry    *retry.Scheduler
	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	// NewID generates ids for inserts that carry none. Defaults to uuid.NewString.
	NewID func() string
}

// Facade sequences optimistic mutations.
type Facade struct {
	queue    *queue.Queue
	remote   remote.Store
	network  Network
	local    LocalState
	retry    *retry.Scheduler
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *slog.Logger
	newID    func() string
}

// New creates a Facade.
func New(opts Options) *Facade {
	f := &Facade{
		queue:    opts.Queue,
		remote:   opts.Remote,
		network:  opts.Network,
		local:    opts.Local,
		retry:    opts.Retry,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		newID:    opts.NewID,
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.retry == nil {
		f.retry = retry.New(retry.DefaultConfig(), f.logger)
	}
	if f.notifier == nil {
		f.notifier = notify.Nop{}
	}
	if f.newID == nil {
		f.newID = uuid.NewString
	}
	return f
}

// Mutate applies a change locally and then writes it remotely or queues it.
//
// Online, a successful write returns Success. A retryable failure queues the
// change and keeps the local update; a non-retryable one reverts it and
// returns the error. Offline, the change is queued. Inserts without an id get
// a fresh one, reported in the result.
func (f *Facade) Mutate(ctx context.Context, table string, kind models.OperationKind, payload models.Record, label string) models.MutationResult {
	res := f.mutate(ctx, table, kind, payload, label)
	f.metrics.ObserveMutation(res)
	f.metrics.SetQueueDepth(f.queue.Size())
	return res
}

func (f *Facade) mutate(ctx context.Context, table string, kind models.OperationKind, payload models.Record, label string) models.MutationResult {
	if !kind.Valid() {
		return models.MutationResult{Error: fmt.Errorf("%w: %q", ErrInvalidKind, kind)}
	}
	payload = payload.Clone()
	if payload == nil {
		payload = models.Record{}
	}
	if payload.ID() == "" {
		if kind != models.OperationInsert {
			return models.MutationResult{Error: fmt.Errorf("%s %s: %w", kind, table, queue.ErrMissingRecordID)}
		}
		payload[models.FieldID] = f.newID()
	}

	mut := models.Mutation{Table: table, Kind: kind, RecordID: payload.ID(), Payload: payload.Clone()}
	if kind == models.OperationDelete {
		mut.Payload = models.Record{models.FieldID: mut.RecordID}
	}
	log := f.logger.With("table", table, "kind", kind, "record_id", mut.RecordID)

	res := f.dispatch(ctx, mut, label, log)
	res.RecordID = mut.RecordID
	return res
}

func (f *Facade) dispatch(ctx context.Context, mut models.Mutation, label string, log *slog.Logger) models.MutationResult {
	table, kind := mut.Table, mut.Kind
	var base models.Record
	if cur, ok := f.local.Get(table, mut.RecordID); ok {
		base = cur.Versions()
	}
	revert := f.local.Apply(mut)

	if !f.network.IsOnline() {
		return f.enqueue(mut, label, base, revert, log)
	}
	if f.hasQueued(table, mut.RecordID) {
		// an older change to this record has not synced yet; it must go first
		log.Debug("record has queued changes, queueing behind them")
		return f.enqueue(mut, label, base, revert, log)
	}

	confirmed, err := retry.Do(ctx, f.retry, fmt.Sprintf("%s %s/%s", kind, table, mut.RecordID),
		func(ctx context.Context) (models.Record, error) {
			return f.remote.Apply(ctx, mut)
		})
	if err == nil {
		if confirmed != nil && kind != models.OperationDelete {
			f.local.Put(table, confirmed)
		}
		log.Debug("mutation confirmed")
		return models.MutationResult{Success: true}
	}

	if f.retry.Config().Classify(err) || errors.Is(err, context.Canceled) {
		log.Warn("remote write failed, queueing", "error", err)
		return f.enqueue(mut, label, base, revert, log)
	}

	revert()
	log.Warn("remote write rejected", "error", err)
	f.notifier.Notify(models.Notification{
		Title:    "Change rejected",
		Message:  fmt.Sprintf("%s was not saved: %v", describe(mut, label), err),
		Severity: models.NotifyError,
	})
	return models.MutationResult{Error: err}
}

// enqueue queues the change on top of base and keeps the optimistic update.
// If the queue cannot persist it the update is reverted.
func (f *Facade) enqueue(mut models.Mutation, label string, base models.Record, revert func(), log *slog.Logger) models.MutationResult {
	id, err := f.queue.EnqueueFrom(mut.Table, mut.Kind, mut.Payload, label, base)
	if err != nil {
		revert()
		log.Error("failed to queue mutation", "error", err)
		f.notifier.Notify(models.Notification{
			Title:    "Change not saved",
			Message:  fmt.Sprintf("%s could not be stored for later sync", describe(mut, label)),
			Severity: models.NotifyError,
		})
		return models.MutationResult{Error: fmt.Errorf("queue %s: %w", mut.Kind, err)}
	}

	f.notifier.Notify(models.Notification{
		Title:    "Saved offline",
		Message:  fmt.Sprintf("%s will sync when you are back online", describe(mut, label)),
		Severity: models.NotifyInfo,
	})
	return models.MutationResult{Queued: true, OperationID: id}
}

func (f *Facade) hasQueued(table, recordID string) bool {
	for _, k := range []models.OperationKind{models.OperationInsert, models.OperationUpdate, models.OperationDelete} {
		if _, ok := f.queue.Find(table, recordID, k); ok {
			return true
		}
	}
	return false
}

func describe(mut models.Mutation, label string) string {
	if label != "" {
		return label
	}
	return fmt.Sprintf("%s of %s %s", mut.Kind, mut.Table, mut.RecordID)
}
