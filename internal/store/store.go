// Package store persists task executions, the worker record and task statistics. Postgres is
// the production backend and an in-memory implementation serves tests and the "memory" driver.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"pipelineworker/internal/models"
)

var ErrNotFound = errors.New("record not found")

// ExecutionStore owns the persisted task execution rows of this worker
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.TaskExecution) error
	Get(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error)
	// Save writes every mutable column except the sync markers, which belong to the sweeper
	Save(ctx context.Context, exec *models.TaskExecution) error

	FindRunning(ctx context.Context) ([]*models.TaskExecution, error)
	FindRunningByQueue(ctx context.Context, queue models.QueueType) ([]*models.TaskExecution, error)
	// FindStopping returns stopped executions that still have a job id and no completion time
	FindStopping(ctx context.Context, queue models.QueueType) ([]*models.TaskExecution, error)
	// Page lists executions ordered by completed_at descending. A nil completion matches all.
	Page(ctx context.Context, offset, limit int, completion *models.CompletionResult) ([]*models.TaskExecution, error)
	Count(ctx context.Context, completion *models.CompletionResult) (int, error)
	RemoveWithCompletion(ctx context.Context, code models.CompletionResult) (int64, error)

	// ResetStaleSyncInProgress moves InProgress rows last touched before olderThan back to Never
	ResetStaleSyncInProgress(ctx context.Context, olderThan time.Time) (int64, error)
	// FindUnsynced returns completed executions with the given result whose sync status is Never or Expired
	FindUnsynced(ctx context.Context, code models.CompletionResult) ([]*models.TaskExecution, error)
	// SetSyncStatus marks the rows. Complete also stamps synchronized_at.
	SetSyncStatus(ctx context.Context, ids []uuid.UUID, status models.SyncStatus) error
	// ExistingIDs returns the subset of ids that still have a local row
	ExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
}

// WorkerStore holds the singleton worker row
type WorkerStore interface {
	// FindOrCreate returns the existing worker or persists and returns defaults
	FindOrCreate(ctx context.Context, defaults *models.Worker) (*models.Worker, error)
	Save(ctx context.Context, w *models.Worker) error
}

// StatisticsStore holds one aggregate row per task definition
type StatisticsStore interface {
	Get(ctx context.Context, taskID uuid.UUID) (*models.TaskStatistics, error)
	GetOrCreate(ctx context.Context, taskID uuid.UUID) (*models.TaskStatistics, error)
	Save(ctx context.Context, stats *models.TaskStatistics) error
	List(ctx context.Context) ([]*models.TaskStatistics, error)
	ResetAll(ctx context.Context) error
}

// RemoteExecutionStore is the coordinator's durable copy of executions
type RemoteExecutionStore interface {
	FindForWorker(ctx context.Context, workerID uuid.UUID, code models.CompletionResult) ([]*models.TaskExecution, error)
	// ApplyBatch performs all writes in a single transaction. Either all succeed or none do.
	ApplyBatch(ctx context.Context, inserts, updates []*models.TaskExecution, deletes []uuid.UUID) error
}
