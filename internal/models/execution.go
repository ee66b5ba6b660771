package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

// This file contains the models for the `task_executions` table

// QueueType decides which backend owns an execution. It is immutable after creation.
type QueueType int

const (
	QueueLocal   QueueType = 0
	QueueCluster QueueType = 1
)

func (q QueueType) String() string {
	switch q {
	case QueueLocal:
		return "local"
	case QueueCluster:
		return "cluster"
	default:
		return "unknown"
	}
}

type ExecutionStatus int

const (
	EsUndefined    ExecutionStatus = 0
	EsInitializing ExecutionStatus = 1
	EsRunning      ExecutionStatus = 2
	EsZombie       ExecutionStatus = 3 // believed running but no longer known to the backend
	EsOrphaned     ExecutionStatus = 4 // known to the backend but with no matching record
	EsCompleted    ExecutionStatus = 5
)

// CompletionResult is ordered from least to most final. Once a record reaches CrCancel it
// only ever moves forward.
type CompletionResult int

const (
	CrUnknown     CompletionResult = 0
	CrIncomplete  CompletionResult = 1
	CrCancel      CompletionResult = 2
	CrSuccess     CompletionResult = 3
	CrError       CompletionResult = 4
	CrResubmitted CompletionResult = 5
)

func (c CompletionResult) String() string {
	switch c {
	case CrUnknown:
		return "unknown"
	case CrIncomplete:
		return "incomplete"
	case CrCancel:
		return "cancel"
	case CrSuccess:
		return "success"
	case CrError:
		return "error"
	case CrResubmitted:
		return "resubmitted"
	default:
		return "invalid"
	}
}

// ParseCompletionResult accepts either the name or the numeric code of a completion result
func ParseCompletionResult(s string) (CompletionResult, bool) {
	for c := CrUnknown; c <= CrResubmitted; c++ {
		if c.String() == s {
			return c, true
		}
	}
	switch s {
	case "0", "1", "2", "3", "4", "5":
		return CompletionResult(s[0] - '0'), true
	}
	return CrUnknown, false
}

type SyncStatus int

const (
	SyncNever      SyncStatus = 0
	SyncInProgress SyncStatus = 1
	SyncComplete   SyncStatus = 2
	SyncExpired    SyncStatus = 3
)

// JobStatus is the backend-agnostic status vocabulary. Process manager and scheduler states are
// mapped into it by the adapters. Anything >= JobStopped is backend-terminal.
type JobStatus int

const (
	JobUndefined        JobStatus = -1
	JobUnknown          JobStatus = 0
	JobPending          JobStatus = 1
	JobStarted          JobStatus = 2
	JobOnline           JobStatus = 3
	JobRestarted        JobStatus = 4
	JobRestartOverLimit JobStatus = 5
	JobStopping         JobStatus = 6
	JobStopped          JobStatus = 7
	JobExited           JobStatus = 8
	JobDeleted          JobStatus = 9
)

// IsTerminal reports whether the underlying process or job has stopped, exited or been deleted
func (s JobStatus) IsTerminal() bool {
	return s >= JobStopped
}

// TaskExecution is a model representing the `task_executions` table
type TaskExecution struct {
	ID                    uuid.UUID        `db:"id" json:"id"`
	WorkerID              uuid.UUID        `db:"worker_id" json:"worker_id"`
	RemoteTaskExecutionID uuid.NullUUID    `db:"remote_task_execution_id" json:"remote_task_execution_id"`
	TileID                string           `db:"tile_id" json:"tile_id"`
	TaskDefinitionID      uuid.UUID        `db:"task_definition_id" json:"task_definition_id"`
	PipelineStageID       uuid.UUID        `db:"pipeline_stage_id" json:"pipeline_stage_id"`
	QueueType             QueueType        `db:"queue_type" json:"queue_type"`
	LocalWorkUnits        float64          `db:"local_work_units" json:"local_work_units"`
	ClusterWorkUnits      float64          `db:"cluster_work_units" json:"cluster_work_units"`
	ResolvedOutputPath    string           `db:"resolved_output_path" json:"resolved_output_path"`
	ResolvedScript        string           `db:"resolved_script" json:"resolved_script"`
	ResolvedInterpreter   string           `db:"resolved_interpreter" json:"resolved_interpreter"`
	ResolvedScriptArgs    StringList       `db:"resolved_script_args" json:"resolved_script_args"`
	ResolvedClusterArgs   StringList       `db:"resolved_cluster_args" json:"resolved_cluster_args"`
	ResolvedLogPath       string           `db:"resolved_log_path" json:"resolved_log_path"`
	ExpectedExitCode      int64            `db:"expected_exit_code" json:"expected_exit_code"`
	JobID                 null.Int         `db:"job_id" json:"job_id"`
	JobName               null.String      `db:"job_name" json:"job_name"`
	ExecutionStatus       ExecutionStatus  `db:"execution_status_code" json:"execution_status_code"`
	CompletionStatus      CompletionResult `db:"completion_status_code" json:"completion_status_code"`
	LastProcessStatus     JobStatus        `db:"last_process_status_code" json:"last_process_status_code"`
	CPUTimeSeconds        null.Float       `db:"cpu_time_seconds" json:"cpu_time_seconds"`
	MaxCPUPercent         null.Float       `db:"max_cpu_percent" json:"max_cpu_percent"`
	MaxMemoryMB           null.Float       `db:"max_memory_mb" json:"max_memory_mb"`
	ExitCode              null.Int         `db:"exit_code" json:"exit_code"`
	SubmittedAt           null.Time        `db:"submitted_at" json:"submitted_at"`
	StartedAt             null.Time        `db:"started_at" json:"started_at"`
	CompletedAt           null.Time        `db:"completed_at" json:"completed_at"`
	SyncStatus            SyncStatus       `db:"sync_status" json:"sync_status"`
	SynchronizedAt        null.Time        `db:"synchronized_at" json:"synchronized_at"`
	CreatedAt             time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time        `db:"updated_at" json:"updated_at"`
	DeletedAt             null.Time        `db:"deleted_at" json:"deleted_at"`
}

// WorkUnits returns the admission cost of the execution for its own queue
func (t *TaskExecution) WorkUnits() float64 {
	if t.QueueType == QueueCluster {
		return t.ClusterWorkUnits
	}
	return t.LocalWorkUnits
}

// Duration is the wall time between start and completion. The second value is false when either
// timestamp is missing.
func (t *TaskExecution) Duration() (time.Duration, bool) {
	if !t.StartedAt.Valid || !t.CompletedAt.Valid {
		return 0, false
	}
	return t.CompletedAt.Time.Sub(t.StartedAt.Time), true
}

// FoldPeak raises a peak value with a new sample. Unset or NaN samples are ignored and an unset
// or NaN current peak adopts the sample.
func FoldPeak(current null.Float, sample null.Float) null.Float {
	if !sample.Valid || math.IsNaN(sample.Float64) {
		return current
	}
	if !current.Valid || math.IsNaN(current.Float64) || sample.Float64 > current.Float64 {
		return sample
	}
	return current
}

// LogFile paths derived from the resolved log prefix
func (t *TaskExecution) LogFile(suffix string) string {
	return t.ResolvedLogPath + suffix
}

const (
	LocalOutLogSuffix    = ".local.out.log"
	LocalErrLogSuffix    = ".local.err.log"
	ClusterOutLogSuffix  = ".cluster.out.log"
	ClusterErrLogSuffix  = ".cluster.err.log"
	ClusterCommandSuffix = "-cluster-command.sh"
	DoneFileSuffix       = "-done.txt"
)
