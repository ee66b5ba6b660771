package supervisor

import (
	"context"

	"github.com/guregu/null/v6"
	"pipelineworker/internal/models"
)

// Backend launches and stops executions for one queue type. How it learns about progress (push
// events or polling) is internal to the backend; it reports through Supervisor.Update.
type Backend interface {
	QueueType() models.QueueType
	// Start dispatches the execution. It must not block on the work itself.
	Start(ctx context.Context, exec *models.TaskExecution) (JobHandle, error)
	Stop(ctx context.Context, exec *models.TaskExecution) error
}

// JobHandle identifies the backend job. Either field may be unset when the backend assigns it later.
type JobHandle struct {
	ID   null.Int
	Name null.String
}

// JobStatistics is a resource sample taken by a backend. Unset fields mean no sample.
type JobStatistics struct {
	CPUPercent     null.Float
	CPUTimeSeconds null.Float
	MemoryMB       null.Float
}

// JobUpdate is the backend-agnostic progress report. Status JobUndefined means no status was
// observed.
type JobUpdate struct {
	Status     models.JobStatus
	ExitCode   null.Int
	Statistics *JobStatistics
}

// StatisticsUpdater receives every execution that should count towards its task's aggregates
type StatisticsUpdater interface {
	UpdateForExecution(exec *models.TaskExecution)
}
