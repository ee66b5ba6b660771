package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pipelineworker/internal/config"
	"pipelineworker/internal/database"
	"pipelineworker/internal/models"
	"pipelineworker/internal/store"
)

func postgresDB(t *testing.T) *sqlx.DB {
	conf, err := config.LoadConfig()
	require.NoError(t, err)

	db, err := database.New(conf)
	if err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.Exec("TRUNCATE TABLE task_executions, task_statistics, workers")
		_ = db.Close()
	})
	_, err = db.Exec("TRUNCATE TABLE task_executions, task_statistics, workers")
	require.NoError(t, err)
	return db
}

func TestPostgresExecutionStore(t *testing.T) {
	db := postgresDB(t)
	ctx := context.Background()
	s := store.NewPostgresExecutionStore(db)

	exec := newExecution(models.QueueCluster, models.EsInitializing, models.CrIncomplete)
	exec.ResolvedScriptArgs = models.StringList{"--tile", "1234"}
	exec.LastProcessStatus = models.JobUndefined
	require.NoError(t, s.Create(ctx, exec))

	exec.ExecutionStatus = models.EsRunning
	exec.JobID = null.IntFrom(42)
	exec.MaxCPUPercent = null.FloatFrom(88.5)
	require.NoError(t, s.Save(ctx, exec))

	got, err := s.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EsRunning, got.ExecutionStatus)
	assert.Equal(t, models.QueueCluster, got.QueueType)
	assert.Equal(t, int64(42), got.JobID.Int64)
	assert.Equal(t, models.StringList{"--tile", "1234"}, got.ResolvedScriptArgs)
	assert.False(t, got.ExitCode.Valid)

	running, err := s.FindRunningByQueue(ctx, models.QueueCluster)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	got.ExecutionStatus = models.EsCompleted
	got.CompletionStatus = models.CrError
	require.NoError(t, s.Save(ctx, got))
	require.NoError(t, s.SetSyncStatus(ctx, []uuid.UUID{got.ID}, models.SyncComplete))

	unsynced, err := s.FindUnsynced(ctx, models.CrError)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	removed, err := s.RemoveWithCompletion(ctx, models.CrError)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestPostgresStatisticsStore(t *testing.T) {
	db := postgresDB(t)
	ctx := context.Background()
	s := store.NewPostgresStatisticsStore(db)

	taskID := uuid.New()
	stats, err := s.GetOrCreate(ctx, taskID)
	require.NoError(t, err)
	assert.Zero(t, stats.NumExecute)

	stats.NumExecute = 3
	stats.CPUHigh = 90
	require.NoError(t, s.Save(ctx, stats))

	require.NoError(t, s.ResetAll(ctx))
	got, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Zero(t, got.NumExecute)
	assert.True(t, got.CPUHigh < 0)
}
