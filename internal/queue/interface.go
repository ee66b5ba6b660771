package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"pipelineworker/internal/models"
)

// TaskExecutionUpdate is sent to the coordinator whenever an execution changes in a way it cares
// about. Terminal updates are delivered durably.
type TaskExecutionUpdate struct {
	WorkerID      uuid.UUID             `json:"worker_id"`
	TaskExecution *models.TaskExecution `json:"task_execution"`
	Terminal      bool                  `json:"terminal"`
	SentAt        time.Time             `json:"sent_at"`
}

// CancelRequest asks the worker to stop an execution
type CancelRequest struct {
	TaskExecutionID uuid.UUID `json:"task_execution_id"`
	Force           bool      `json:"force"`
}

// WorkerHeartbeat reports identity and current load to the management endpoint
type WorkerHeartbeat struct {
	WorkerID        uuid.UUID `json:"worker_id"`
	DisplayName     string    `json:"display_name"`
	IsClusterProxy  bool      `json:"is_cluster_proxy"`
	IsAcceptingJobs bool      `json:"is_accepting_jobs"`
	LocalLoad       float64   `json:"local_task_load"`
	ClusterLoad     float64   `json:"cluster_task_load"`
	TaskLoad        float64   `json:"task_load"`
	SentAt          time.Time `json:"sent_at"`
}

// Publisher is the outbound half of the queue
type Publisher interface {
	PublishUpdate(ctx context.Context, update TaskExecutionUpdate) error
	PublishHeartbeat(ctx context.Context, heartbeat WorkerHeartbeat) error
}

// Client defines the interface for queue operations
type Client interface {
	Publisher
	Subscribe(ctx context.Context, handler func(CancelRequest)) error
	Close() error
}
