package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/nestsync/internal/clock"
	"github.com/kilupskalvis/nestsync/internal/conflict"
	"github.com/kilupskalvis/nestsync/internal/localstate"
	"github.com/kilupskalvis/nestsync/internal/metrics"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/netstatus"
	"github.com/kilupskalvis/nestsync/internal/notify"
	"github.com/kilupskalvis/nestsync/internal/queue"
	"github.com/kilupskalvis/nestsync/internal/remote"
	"github.com/kilupskalvis/nestsync/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC)

type fixture struct {
	eng    *Engine
	queue  *queue.Queue
	remote *remote.MockStore
	net    *netstatus.Monitor
	clock  *clock.Fake
	local  *localstate.State
	notes  *notify.Recorder
}

// newFixture builds an engine whose scheduler makes a single in-call attempt,
// so every failed drain maps to exactly one queue-level failure.
func newFixture(t *testing.T, online bool, maxAttempts int) *fixture {
	t.Helper()
	clk := clock.NewFake(start)
	f := &fixture{
		queue:  queue.New(queue.NewMemoryStore(), queue.Options{MaxAttempts: maxAttempts, Clock: clk}),
		remote: remote.NewMockStore(),
		net:    netstatus.NewMonitor(online),
		clock:  clk,
		local:  localstate.New(clk, nil),
		notes:  notify.NewRecorder(0),
	}
	f.eng = New(Options{
		Queue:   f.queue,
		Remote:  f.remote,
		Network: f.net,
		Retry: retry.New(retry.Config{
			MaxAttempts: 1,
			BaseDelay:   time.Second,
			Multiplier:  2,
			MaxDelay:    8 * time.Second,
			Timeout:     5 * time.Second,
		}, nil),
		Detector: conflict.NewDetector(conflict.WithClock(clk)),
		Local:    f.local,
		Notifier: f.notes,
		Metrics:  metrics.New(),
		Clock:    clk,
	})
	return f
}

func (f *fixture) enqueue(t *testing.T, table string, kind models.OperationKind, payload models.Record) string {
	t.Helper()
	id, err := f.queue.Enqueue(table, kind, payload, "")
	require.NoError(t, err)
	return id
}

func TestDrain_OfflineIsNoop(t *testing.T) {
	f := newFixture(t, false, 3)
	f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": "Kiwi"})

	res := f.eng.Drain(context.Background())
	assert.True(t, res.Empty())
	assert.Equal(t, 0, f.remote.ApplyCount())
	assert.Equal(t, 1, f.queue.Size())
}

func TestDrain_InsertAfterReconnect(t *testing.T) {
	f := newFixture(t, false, 3)
	f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": "Kiwi"})

	f.net.SetOnline(true)
	res := f.eng.Drain(context.Background())

	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 0, f.queue.Size())
	require.Equal(t, 1, f.remote.ApplyCount())
	assert.Equal(t, models.OperationInsert, f.remote.Applied[0].Kind)
	assert.Equal(t, "Kiwi", f.remote.Get("birds", "b1")["name"])

	rec, ok := f.local.Get("birds", "b1")
	require.True(t, ok)
	assert.Equal(t, "Kiwi", rec["name"])

	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, "Sync complete", last.Title)
	assert.Equal(t, models.NotifySuccess, last.Severity)
}

func TestDrain_PreservesPerRecordOrder(t *testing.T) {
	f := newFixture(t, true, 3)
	f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": "Kiwi"})
	f.clock.Advance(time.Millisecond)
	f.enqueue(t, "birds", models.OperationUpdate, models.Record{"id": "b1", "color": "green"})

	res := f.eng.Drain(context.Background())
	assert.Equal(t, 2, res.Succeeded)
	require.Len(t, f.remote.Applied, 2)
	assert.Equal(t, models.OperationInsert, f.remote.Applied[0].Kind)
	assert.Equal(t, models.OperationUpdate, f.remote.Applied[1].Kind)

	rec := f.remote.Get("birds", "b1")
	assert.Equal(t, "Kiwi", rec["name"])
	assert.Equal(t, "green", rec["color"])
}

func TestDrain_FailedEntryBlocksLaterEntriesForSameRecord(t *testing.T) {
	f := newFixture(t, true, 3)
	f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": "Kiwi"})
	f.clock.Advance(time.Millisecond)
	f.enqueue(t, "birds", models.OperationUpdate, models.Record{"id": "b1", "color": "green"})
	f.clock.Advance(time.Millisecond)
	f.enqueue(t, "eggs", models.OperationInsert, models.Record{"id": "e1", "status": "laid"})

	f.remote.FailNext(remote.NewUnavailableError("maintenance"))
	res := f.eng.Drain(context.Background())

	assert.Equal(t, 1, res.Retrying)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, f.remote.Applied, 2)
	assert.Equal(t, "birds", f.remote.Applied[0].Table)
	assert.Equal(t, "eggs", f.remote.Applied[1].Table)
	assert.Equal(t, 2, f.queue.Size())
}

func TestDrain_UpdateWaitsForBackingOffInsert(t *testing.T) {
	f := newFixture(t, true, 3)
	f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": "Kiwi"})
	f.remote.FailNext(remote.NewUnavailableError("maintenance"))

	res := f.eng.Drain(context.Background())
	require.Equal(t, 1, res.Retrying)

	f.enqueue(t, "birds", models.OperationUpdate, models.Record{"id": "b1", "color": "green"})
	f.clock.Advance(time.Second)

	res = f.eng.Drain(context.Background())
	assert.True(t, res.Empty())
	assert.Equal(t, 1, f.remote.ApplyCount())
	assert.Equal(t, 2, f.queue.Size())

	f.clock.Advance(time.Second)
	res = f.eng.Drain(context.Background())
	assert.Equal(t, 2, res.Succeeded)
	assert.Empty(t, res.Failed)
	require.Len(t, f.remote.Applied, 3)
	assert.Equal(t, models.OperationInsert, f.remote.Applied[1].Kind)
	assert.Equal(t, models.OperationUpdate, f.remote.Applied[2].Kind)
	assert.Equal(t, "green", f.remote.Get("birds", "b1")["color"])
	assert.Equal(t, 0, f.queue.Size())
}

func TestDrain_BackoffGrowth(t *testing.T) {
	f := newFixture(t, true, 10)
	id := f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": "Kiwi"})
	for i := 0; i < 10; i++ {
		f.remote.FailNext(remote.NewUnavailableError("down"))
	}

	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for n, want := range expected {
		res := f.eng.Drain(context.Background())
		require.Equal(t, 1, res.Retrying, "failure %d", n+1)

		op, err := f.queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, n+1, op.Attempts)
		assert.Equal(t, want, op.Backoff(), "backoff after %d failures", n+1)
		assert.Equal(t, f.clock.Now(), op.LastAttemptAt)

		// not ready until the backoff has elapsed
		f.clock.Advance(want - time.Millisecond)
		assert.True(t, f.eng.Drain(context.Background()).Empty())
		assert.Equal(t, n+1, f.remote.ApplyCount())

		f.clock.Advance(time.Millisecond)
	}
}

func TestDrain_TerminalDrop(t *testing.T) {
	f := newFixture(t, true, 3)
	id := f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": "Kiwi"})
	f.remote.FailNext(
		remote.NewUnavailableError("down"),
		remote.NewUnavailableError("down"),
		remote.NewUnavailableError("down"),
	)

	var res *models.DrainResult
	for i := 0; i < 3; i++ {
		res = f.eng.Drain(context.Background())
		f.clock.Advance(time.Minute)
	}

	require.Len(t, res.Failed, 1)
	failed := res.Failed[0]
	assert.True(t, failed.Terminal)
	assert.Equal(t, id, failed.Operation.ID)
	assert.Equal(t, 3, failed.Operation.Attempts)
	assert.Contains(t, failed.Error, "down")

	assert.Equal(t, 0, f.queue.Size())
	assert.Empty(t, f.queue.PeekReady(f.clock.Now().Add(time.Hour)))
	assert.True(t, f.eng.Drain(context.Background()).Empty())

	errs := f.notes.BySeverity(models.NotifyError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Change could not be saved", errs[0].Title)
}

func TestDrain_NonRetryableIsTerminal(t *testing.T) {
	f := newFixture(t, true, 3)
	f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": ""})
	f.remote.FailNext(remote.NewValidationError("name must not be empty"))

	res := f.eng.Drain(context.Background())
	require.Len(t, res.Failed, 1)
	assert.True(t, res.Failed[0].Terminal)
	assert.Equal(t, 1, res.Failed[0].Operation.Attempts)
	assert.Equal(t, 0, res.Retrying)
	assert.Equal(t, 0, f.queue.Size())
}

func TestDrain_ConcurrentCallIsNoop(t *testing.T) {
	f := newFixture(t, true, 3)
	f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": "Kiwi"})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.OnApply = func(models.Mutation) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan *models.DrainResult)
	go func() { done <- f.eng.Drain(context.Background()) }()

	<-entered
	second := f.eng.Drain(context.Background())
	assert.Equal(t, 0, second.Succeeded)
	assert.Empty(t, second.Failed)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, 1, f.remote.ApplyCount())
}

func TestDrain_AutoResolvesLowSeverityConflict(t *testing.T) {
	f := newFixture(t, true, 3)
	f.remote.Put("birds", models.Record{"id": "b1", "nickname": "Koko", "sync_version": 2})
	f.local.Put("birds", models.Record{"id": "b1", "nickname": "Kiki", "sync_version": 1})
	f.enqueue(t, "birds", models.OperationUpdate, models.Record{"id": "b1", "nickname": "Kiki"})

	res := f.eng.Drain(context.Background())

	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, res.Conflicts)
	require.Len(t, res.Resolved, 1)
	assert.True(t, res.Resolved[0].AutoResolvable)
	assert.Equal(t, 0, f.queue.Size())
	assert.False(t, f.eng.Conflicts().Has("birds", "b1"))

	require.Len(t, f.remote.Applied, 1)
	assert.Equal(t, "Koko", f.remote.Applied[0].Payload["nickname"])
	rec, _ := f.local.Get("birds", "b1")
	assert.Equal(t, "Koko", rec["nickname"])
}

func TestDrain_BlockingConflictLeavesItemQueued(t *testing.T) {
	f := newConflictFixture(t)

	res := f.eng.Drain(context.Background())
	assert.Equal(t, 0, res.Succeeded)
	assert.Empty(t, res.Failed)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.False(t, c.AutoResolvable)
	assert.Equal(t, []string{"name"}, c.Fields())

	assert.Equal(t, 1, f.queue.Size())
	assert.Equal(t, 0, f.remote.ApplyCount())
	assert.True(t, f.eng.Conflicts().Has("birds", "b1"))
	assert.Len(t, f.notes.BySeverity(models.NotifyWarning), 2) // conflict + summary

	// a pending conflict is not fetched again
	fetches := f.remote.FetchCount()
	res = f.eng.Drain(context.Background())
	assert.True(t, res.Empty())
	assert.Equal(t, fetches, f.remote.FetchCount())
	assert.Equal(t, 1, f.queue.Size())
}

func TestDrain_UpdateWithoutBaseVersionIsApplied(t *testing.T) {
	// a fresh process: nothing cached locally and no base recorded
	f := newFixture(t, true, 3)
	f.remote.Put("birds", models.Record{"id": "b1", "name": "Kiwi", "sync_version": 4})
	f.enqueue(t, "birds", models.OperationUpdate, models.Record{"id": "b1", "name": "Kiwi II"})

	res := f.eng.Drain(context.Background())
	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 0, f.queue.Size())
	assert.Equal(t, "Kiwi II", f.remote.Get("birds", "b1")["name"])
}

func TestDrain_BaseVersion(t *testing.T) {
	tests := []struct {
		name          string
		base          models.Record
		wantConflicts int
	}{
		{"remote unchanged since edit", models.Record{"sync_version": 4}, 0},
		{"remote moved on", models.Record{"sync_version": 3}, 1},
		{"base and remote versions not comparable", models.Record{"updated_at": "2026-06-01T06:00:00Z"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, 3)
			f.remote.Put("birds", models.Record{"id": "b1", "name": "Kiwi", "sync_version": 4})
			_, err := f.queue.EnqueueFrom("birds", models.OperationUpdate,
				models.Record{"id": "b1", "name": "Kiwi II"}, "Rename", tt.base)
			require.NoError(t, err)

			res := f.eng.Drain(context.Background())
			assert.Len(t, res.Conflicts, tt.wantConflicts)
			assert.Equal(t, 1-tt.wantConflicts, res.Succeeded)
			assert.Equal(t, tt.wantConflicts, f.queue.Size())
		})
	}
}

func TestDrain_BaseVersionOverridesCache(t *testing.T) {
	f := newFixture(t, true, 3)
	f.remote.Put("birds", models.Record{"id": "b1", "name": "Kea", "sync_version": 5})
	// the cache caught up with the remote after the edit was queued
	f.local.Put("birds", models.Record{"id": "b1", "name": "Kiwi", "sync_version": 5})
	_, err := f.queue.EnqueueFrom("birds", models.OperationUpdate,
		models.Record{"id": "b1", "name": "Kiwi"}, "", models.Record{"sync_version": 4})
	require.NoError(t, err)

	res := f.eng.Drain(context.Background())
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, []string{"name"}, res.Conflicts[0].Fields())
	assert.Equal(t, 0, f.remote.ApplyCount())
}

func TestDrain_FetchFailureCountsAsAttempt(t *testing.T) {
	f := newFixture(t, true, 3)
	f.enqueue(t, "birds", models.OperationUpdate, models.Record{"id": "b1", "color": "green"})
	f.remote.FetchErr = remote.NewUnavailableError("down")

	res := f.eng.Drain(context.Background())
	assert.Equal(t, 1, res.Retrying)
	assert.Equal(t, 0, f.remote.ApplyCount())
	assert.Equal(t, 1, f.queue.List()[0].Attempts)
}

func TestDrain_DeleteRemovesLocalRecord(t *testing.T) {
	f := newFixture(t, true, 3)
	f.remote.Put("eggs", models.Record{"id": "e1"})
	f.local.Put("eggs", models.Record{"id": "e1"})
	f.enqueue(t, "eggs", models.OperationDelete, models.Record{"id": "e1"})

	res := f.eng.Drain(context.Background())
	assert.Equal(t, 1, res.Succeeded)
	_, ok := f.local.Get("eggs", "e1")
	assert.False(t, ok)
	assert.Nil(t, f.remote.Get("eggs", "e1"))
}

func TestDrain_CancelledContextStops(t *testing.T) {
	f := newFixture(t, true, 3)
	f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.eng.Drain(ctx)
	assert.True(t, res.Empty())
	assert.Equal(t, 1, f.queue.Size())
	assert.Equal(t, 0, f.queue.List()[0].Attempts)
}

func TestDrain_OnDrainHook(t *testing.T) {
	f := newFixture(t, false, 3)
	var calls []time.Time
	f.eng.onDrain = func(res *models.DrainResult, at time.Time) { calls = append(calls, at) }

	f.eng.Drain(context.Background())
	assert.Empty(t, calls, "skipped drains do not report")

	f.net.SetOnline(true)
	f.eng.Drain(context.Background())
	require.Len(t, calls, 1)
	assert.Equal(t, start, calls[0])
}

func TestDrainOnReconnect(t *testing.T) {
	f := newFixture(t, false, 3)
	f.enqueue(t, "birds", models.OperationInsert, models.Record{"id": "b1", "name": "Kiwi"})

	stop := f.eng.DrainOnReconnect(context.Background(), f.net)
	defer stop()

	f.net.SetOnline(true)
	require.Eventually(t, func() bool { return f.queue.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.remote.ApplyCount())
}

// ==================== Resolve ====================

// newConflictFixture queues an update whose high severity field was changed
// remotely in the meantime.
func newConflictFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, true, 3)
	f.remote.Put("birds", models.Record{"id": "b1", "name": "Kea", "sync_version": 2})
	f.local.Put("birds", models.Record{"id": "b1", "name": "Kiwi", "sync_version": 1})
	f.enqueue(t, "birds", models.OperationUpdate, models.Record{"id": "b1", "name": "Kiwi"})
	return f
}

func TestResolve_Local(t *testing.T) {
	f := newConflictFixture(t)
	f.eng.Drain(context.Background())

	final, err := f.eng.Resolve(context.Background(), "birds/b1", models.ResolveLocal, nil)
	require.NoError(t, err)
	assert.Equal(t, "Kiwi", final["name"])

	require.Len(t, f.remote.Applied, 1)
	assert.NotContains(t, f.remote.Applied[0].Payload, "sync_version")
	assert.Equal(t, "Kiwi", f.remote.Get("birds", "b1")["name"])
	assert.Equal(t, 0, f.queue.Size())
	assert.Equal(t, 0, f.eng.Conflicts().Len())

	rec, _ := f.local.Get("birds", "b1")
	assert.Equal(t, "Kiwi", rec["name"])
}

func TestResolve_Remote(t *testing.T) {
	f := newConflictFixture(t)
	f.eng.Drain(context.Background())

	final, err := f.eng.Resolve(context.Background(), "birds/b1", models.ResolveRemote, nil)
	require.NoError(t, err)
	assert.Equal(t, "Kea", final["name"])

	assert.Equal(t, 0, f.remote.ApplyCount())
	assert.Equal(t, 0, f.queue.Size())
	assert.Equal(t, 0, f.eng.Conflicts().Len())
	rec, _ := f.local.Get("birds", "b1")
	assert.Equal(t, "Kea", rec["name"])
}

func TestResolve_Merge(t *testing.T) {
	f := newConflictFixture(t)
	f.eng.Drain(context.Background())

	_, err := f.eng.Resolve(context.Background(), "birds/b1", models.ResolveMerge, models.Record{"name": "Kiwi Kea"})
	require.NoError(t, err)
	assert.Equal(t, "Kiwi Kea", f.remote.Get("birds", "b1")["name"])
	assert.Equal(t, 0, f.queue.Size())
}

func TestResolve_RemoteFailureKeepsConflict(t *testing.T) {
	f := newConflictFixture(t)
	f.eng.Drain(context.Background())
	f.remote.FailNext(remote.NewUnavailableError("down"))

	_, err := f.eng.Resolve(context.Background(), "birds/b1", models.ResolveLocal, nil)
	require.Error(t, err)
	assert.True(t, f.eng.Conflicts().Has("birds", "b1"))
	assert.Equal(t, 1, f.queue.Size())
}

func TestResolve_Errors(t *testing.T) {
	f := newConflictFixture(t)
	f.eng.Drain(context.Background())
	ctx := context.Background()

	_, err := f.eng.Resolve(ctx, "birds/missing", models.ResolveRemote, nil)
	assert.ErrorIs(t, err, conflict.ErrNotFound)

	_, err = f.eng.Resolve(ctx, "birds/b1", models.ResolutionStrategy("newest"), nil)
	assert.ErrorIs(t, err, conflict.ErrInvalidStrategy)

	_, err = f.eng.Resolve(ctx, "birds/b1", models.ResolveMerge, nil)
	assert.ErrorIs(t, err, conflict.ErrMergePayloadRequired)

	assert.True(t, f.eng.Conflicts().Has("birds", "b1"))
}
