package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"pipelineworker/internal/models"
)

// StartRequest is the coordinator's resolved execution payload. ID is the coordinator's own id
// for the execution and is kept as the correlation id.
type StartRequest struct {
	ID                  uuid.UUID         `json:"id"`
	TaskDefinitionID    uuid.UUID         `json:"task_definition_id"`
	PipelineStageID     uuid.UUID         `json:"pipeline_stage_id"`
	TileID              string            `json:"tile_id"`
	LocalWorkUnits      float64           `json:"local_work_units"`
	ClusterWorkUnits    float64           `json:"cluster_work_units"`
	ResolvedOutputPath  string            `json:"resolved_output_path"`
	ResolvedScript      string            `json:"resolved_script"`
	ResolvedInterpreter string            `json:"resolved_interpreter"`
	ResolvedScriptArgs  models.StringList `json:"resolved_script_args"`
	ResolvedClusterArgs models.StringList `json:"resolved_cluster_args"`
	ResolvedLogPath     string            `json:"resolved_log_path"`
	ExpectedExitCode    int64             `json:"expected_exit_code"`
}

// StartResult carries the created execution, or nil when the worker is at capacity, together
// with the loads after the decision
type StartResult struct {
	Execution   *models.TaskExecution `json:"task_execution"`
	LocalLoad   float64               `json:"local_task_load"`
	ClusterLoad float64               `json:"cluster_task_load"`
}

// StartTask admits, records and dispatches an execution. Admission decisions are serialized so
// two concurrent requests can never both take the last unit of capacity. A dispatch failure is
// not an error to the caller: the execution comes back completed with an Error result.
func (s *Supervisor) StartTask(ctx context.Context, req StartRequest) (*StartResult, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	worker := s.Worker()
	localAvailable := worker.LocalWorkCapacity - s.Load(models.QueueLocal)
	clusterAvailable := worker.ClusterWorkCapacity - s.Load(models.QueueCluster)

	queueType := models.QueueLocal
	if localAvailable < req.LocalWorkUnits {
		if clusterAvailable < req.ClusterWorkUnits {
			log.Debug().
				Str("task_definition_id", req.TaskDefinitionID.String()).
				Float64("local_available", localAvailable).
				Float64("cluster_available", clusterAvailable).
				Msg("Ignoring start task request, worker is at capacity")
			s.metrics.Admission("rejected")
			return s.result(nil), nil
		}
		queueType = models.QueueCluster
	}

	exec := s.newExecution(worker, req, queueType)
	if err := s.execs.Create(ctx, exec); err != nil {
		s.metrics.Admission("failed")
		return nil, fmt.Errorf("could not create task execution: %w", err)
	}

	log.Info().
		Str("task_execution_id", exec.ID.String()).
		Str("task_definition_id", exec.TaskDefinitionID.String()).
		Str("pipeline_stage_id", exec.PipelineStageID.String()).
		Str("tile_id", exec.TileID).
		Str("queue", queueType.String()).
		Msg("Starting task")

	unlock := s.locks.Lock(exec.ID)
	defer unlock()

	if err := s.dispatch(ctx, exec); err != nil {
		log.Error().
			Err(err).
			Str("task_execution_id", exec.ID.String()).
			Msg("Could not start task")

		exec.CompletedAt = null.TimeFrom(s.now().UTC())
		exec.ExecutionStatus = models.EsCompleted
		exec.CompletionStatus = models.CrError
		if err := s.execs.Save(ctx, exec); err != nil {
			log.Error().Err(err).Str("task_execution_id", exec.ID.String()).Msg("Could not mark failed task")
		}
		s.metrics.Admission("failed")
	} else {
		s.metrics.Admission("admitted")
	}

	if fresh, err := s.execs.Get(ctx, exec.ID); err == nil {
		exec = fresh
	}
	return s.result(exec), nil
}

func (s *Supervisor) result(exec *models.TaskExecution) *StartResult {
	return &StartResult{
		Execution:   exec,
		LocalLoad:   s.Load(models.QueueLocal),
		ClusterLoad: s.Load(models.QueueCluster),
	}
}

func (s *Supervisor) newExecution(worker models.Worker, req StartRequest, queueType models.QueueType) *models.TaskExecution {
	script := req.ResolvedScript
	if script != "" && !filepath.IsAbs(script) {
		script = filepath.Join(s.workingDir, script)
	}

	exec := &models.TaskExecution{
		ID:                  uuid.New(),
		WorkerID:            worker.ID,
		TileID:              req.TileID,
		TaskDefinitionID:    req.TaskDefinitionID,
		PipelineStageID:     req.PipelineStageID,
		QueueType:           queueType,
		LocalWorkUnits:      req.LocalWorkUnits,
		ClusterWorkUnits:    req.ClusterWorkUnits,
		ResolvedOutputPath:  req.ResolvedOutputPath,
		ResolvedScript:      script,
		ResolvedInterpreter: req.ResolvedInterpreter,
		ResolvedScriptArgs:  req.ResolvedScriptArgs.Replace(QueueTypePlaceholder, strconv.Itoa(int(queueType))),
		ResolvedClusterArgs: req.ResolvedClusterArgs,
		ResolvedLogPath:     req.ResolvedLogPath,
		ExpectedExitCode:    req.ExpectedExitCode,
		ExecutionStatus:     models.EsInitializing,
		CompletionStatus:    models.CrIncomplete,
		LastProcessStatus:   models.JobUndefined,
		SyncStatus:          models.SyncNever,
	}
	if req.ID != uuid.Nil {
		exec.RemoteTaskExecutionID = uuid.NullUUID{UUID: req.ID, Valid: true}
	}
	return exec
}

// dispatch prepares the filesystem, marks the execution running and hands it to its backend.
// The load is only taken once the backend accepted the execution.
func (s *Supervisor) dispatch(ctx context.Context, exec *models.TaskExecution) error {
	b, err := s.backend(exec.QueueType)
	if err != nil {
		return err
	}

	if err := prepareFilesystem(exec); err != nil {
		return err
	}

	now := s.now().UTC()
	exec.SubmittedAt = null.TimeFrom(now)
	exec.StartedAt = null.TimeFrom(now)
	exec.ExecutionStatus = models.EsRunning
	if err := s.execs.Save(ctx, exec); err != nil {
		return err
	}

	handle, err := b.Start(ctx, exec)
	if err != nil {
		return err
	}

	s.addLoad(exec.QueueType, exec.WorkUnits())

	if handle.ID.Valid || handle.Name.Valid {
		if handle.ID.Valid {
			exec.JobID = handle.ID
		}
		if handle.Name.Valid {
			exec.JobName = handle.Name
		}
		if err := s.execs.Save(ctx, exec); err != nil {
			log.Error().Err(err).Str("task_execution_id", exec.ID.String()).Msg("Could not save job handle")
		}
	}
	return nil
}

func prepareFilesystem(exec *models.TaskExecution) error {
	if exec.ResolvedOutputPath != "" {
		if err := os.MkdirAll(exec.ResolvedOutputPath, 0o775); err != nil {
			return fmt.Errorf("could not create output directory: %w", err)
		}
		if err := os.Chmod(exec.ResolvedOutputPath, 0o775); err != nil {
			return fmt.Errorf("could not set output directory permissions: %w", err)
		}
	}

	if exec.ResolvedLogPath != "" {
		// the log path is a file name prefix, so its parent is the directory
		if err := os.MkdirAll(filepath.Dir(exec.ResolvedLogPath), 0o775); err != nil {
			return fmt.Errorf("could not create log directory: %w", err)
		}

		doneFile := exec.LogFile(models.DoneFileSuffix)
		if err := os.Remove(doneFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", doneFile).Msg("Could not remove stale done file")
		}
	}
	return nil
}
