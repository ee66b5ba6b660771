package synchronize_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pipelineworker/internal/models"
	"pipelineworker/internal/store"
	"pipelineworker/internal/synchronize"
)

type fixture struct {
	now      time.Time
	workerID uuid.UUID
	local    *store.MemoryExecutionStore
	remote   *store.MemoryRemoteStore
	sweeper  *synchronize.Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:      time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		workerID: uuid.New(),
		local:    store.NewMemoryExecutionStore(),
		remote:   store.NewMemoryRemoteStore(),
	}
	f.local.SetClock(f.clock)
	f.sweeper = synchronize.New(synchronize.Options{
		Local:    f.local,
		Remote:   f.remote,
		WorkerID: f.workerID,
		Clock:    f.clock,
	})
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) completed(t *testing.T, code models.CompletionResult) *models.TaskExecution {
	t.Helper()
	exec := &models.TaskExecution{
		ID:               uuid.New(),
		WorkerID:         f.workerID,
		TileID:           "tile",
		ExecutionStatus:  models.EsCompleted,
		CompletionStatus: code,
		CompletedAt:      null.TimeFrom(f.now),
	}
	require.NoError(t, f.local.Create(context.Background(), exec))
	return exec
}

func (f *fixture) syncStatus(t *testing.T, id uuid.UUID) models.SyncStatus {
	t.Helper()
	exec, err := f.local.Get(context.Background(), id)
	require.NoError(t, err)
	return exec.SyncStatus
}

func TestRunOnce_InsertsNewExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failed := f.completed(t, models.CrError)
	cancelled := f.completed(t, models.CrCancel)

	res, err := f.sweeper.RunOnce(ctx, models.CrError)
	require.NoError(t, err)
	assert.Equal(t, synchronize.Result{Inserted: 1}, res)

	remote, ok := f.remote.Get(failed.ID)
	require.True(t, ok)
	assert.Equal(t, models.SyncNever, remote.SyncStatus)
	assert.False(t, remote.SynchronizedAt.Valid)

	local, err := f.local.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncComplete, local.SyncStatus)
	assert.Equal(t, null.TimeFrom(f.now), local.SynchronizedAt)

	_, ok = f.remote.Get(cancelled.ID)
	assert.False(t, ok)
	assert.Equal(t, models.SyncNever, f.syncStatus(t, cancelled.ID))

	// a second pass has nothing left to do
	res, err = f.sweeper.RunOnce(ctx, models.CrError)
	require.NoError(t, err)
	assert.Equal(t, synchronize.Result{}, res)
}

func TestRunOnce_UpdatesAndSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// previously synchronized remote row, local copy expired
	changed := f.completed(t, models.CrError)
	require.NoError(t, f.local.SetSyncStatus(ctx, []uuid.UUID{changed.ID}, models.SyncExpired))
	f.remote.Put(&models.TaskExecution{
		ID:               changed.ID,
		WorkerID:         f.workerID,
		CompletionStatus: models.CrError,
		SyncStatus:       models.SyncNever,
		SynchronizedAt:   null.TimeFrom(f.now.Add(-time.Hour)),
	})

	// remote row already carries the state it would be given
	unchanged := f.completed(t, models.CrError)
	f.remote.Put(&models.TaskExecution{
		ID:               unchanged.ID,
		WorkerID:         f.workerID,
		TileID:           "stale",
		CompletionStatus: models.CrError,
		SyncStatus:       models.SyncNever,
	})

	res, err := f.sweeper.RunOnce(ctx, models.CrError)
	require.NoError(t, err)
	assert.Equal(t, synchronize.Result{Updated: 1, Skipped: 1}, res)

	remote, ok := f.remote.Get(changed.ID)
	require.True(t, ok)
	assert.Equal(t, models.SyncExpired, remote.SyncStatus)
	assert.Equal(t, "tile", remote.TileID)

	remote, ok = f.remote.Get(unchanged.ID)
	require.True(t, ok)
	assert.Equal(t, "stale", remote.TileID)

	assert.Equal(t, models.SyncComplete, f.syncStatus(t, changed.ID))
	assert.Equal(t, models.SyncComplete, f.syncStatus(t, unchanged.ID))
}

func TestRunOnce_DeletesRemovedExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kept := f.completed(t, models.CrCancel)
	require.NoError(t, f.local.SetSyncStatus(ctx, []uuid.UUID{kept.ID}, models.SyncComplete))
	f.remote.Put(kept)

	removedID := uuid.New()
	f.remote.Put(&models.TaskExecution{ID: removedID, WorkerID: f.workerID, CompletionStatus: models.CrCancel})

	otherWorker := uuid.New()
	f.remote.Put(&models.TaskExecution{ID: otherWorker, WorkerID: uuid.New(), CompletionStatus: models.CrCancel})

	res, err := f.sweeper.RunOnce(ctx, models.CrCancel)
	require.NoError(t, err)
	assert.Equal(t, synchronize.Result{Deleted: 1}, res)

	_, ok := f.remote.Get(removedID)
	assert.False(t, ok)
	_, ok = f.remote.Get(kept.ID)
	assert.True(t, ok)
	_, ok = f.remote.Get(otherWorker)
	assert.True(t, ok)
}

func TestRunOnce_FailedBatchLeavesInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exec := f.completed(t, models.CrError)
	f.remote.FailNext = errors.New("connection refused")

	_, err := f.sweeper.RunOnce(ctx, models.CrError)
	require.Error(t, err)
	assert.Equal(t, models.SyncInProgress, f.syncStatus(t, exec.ID))
	_, ok := f.remote.Get(exec.ID)
	assert.False(t, ok)

	// not yet stale
	f.now = f.now.Add(5 * time.Minute)
	res, err := f.sweeper.RunOnce(ctx, models.CrError)
	require.NoError(t, err)
	assert.Equal(t, synchronize.Result{}, res)
	assert.Equal(t, models.SyncInProgress, f.syncStatus(t, exec.ID))

	// the watchdog releases it and the same pass retries
	f.now = f.now.Add(6 * time.Minute)
	res, err = f.sweeper.RunOnce(ctx, models.CrError)
	require.NoError(t, err)
	assert.Equal(t, synchronize.Result{Inserted: 1}, res)
	assert.Equal(t, models.SyncComplete, f.syncStatus(t, exec.ID))
}

func TestSweeper_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	exec := f.completed(t, models.CrResubmitted)

	sweeper := synchronize.New(synchronize.Options{
		Local:    f.local,
		Remote:   f.remote,
		WorkerID: f.workerID,
		Schedule: "@every 1s",
		Clock:    f.clock,
	})
	require.NoError(t, sweeper.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := f.remote.Get(exec.ID)
		return ok
	}, 5*time.Second, 50*time.Millisecond)
	sweeper.Stop()
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	sweeper := synchronize.New(synchronize.Options{
		Local:    f.local,
		Remote:   f.remote,
		Schedule: "not a schedule",
	})
	assert.Error(t, sweeper.Start(context.Background()))
}
