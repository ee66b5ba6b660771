package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"pipelineworker/internal/models"
	"pipelineworker/internal/store"
)

// change is what an applied update should announce once the record lock is released
type change int

const (
	unchanged change = iota
	progressed
	completed
)

// Update merges a backend report into the execution and persists it. Reports may arrive out of
// order or repeatedly: the process status only ratchets forward, completion is marked once and
// the exit code is recorded once. A missing execution is ignored.
func (s *Supervisor) Update(ctx context.Context, id uuid.UUID, update JobUpdate) (*models.TaskExecution, error) {
	exec, c, err := s.update(ctx, id, update)
	if err != nil || exec == nil {
		return exec, err
	}
	s.announce(ctx, exec, c)
	return exec, nil
}

func (s *Supervisor) update(ctx context.Context, id uuid.UUID, update JobUpdate) (*models.TaskExecution, change, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	exec, err := s.execs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("task_execution_id", id.String()).Msg("Skipping update for unknown task execution")
		return nil, unchanged, nil
	} else if err != nil {
		return nil, unchanged, err
	}

	if stats := update.Statistics; stats != nil {
		exec.MaxCPUPercent = models.FoldPeak(exec.MaxCPUPercent, stats.CPUPercent)
		exec.MaxMemoryMB = models.FoldPeak(exec.MaxMemoryMB, stats.MemoryMB)
		exec.CPUTimeSeconds = models.FoldPeak(exec.CPUTimeSeconds, stats.CPUTimeSeconds)
	}

	c := unchanged
	if update.Status > exec.LastProcessStatus {
		exec.LastProcessStatus = update.Status
		c = progressed
	}

	if update.Status.IsTerminal() {
		newlyTerminal := false
		if !exec.CompletedAt.Valid {
			newlyTerminal = true
			c = completed
			exec.CompletedAt = null.TimeFrom(s.now().UTC())
			exec.ExecutionStatus = models.EsCompleted
			// the exit code may not have arrived yet; a prior cancel is never overwritten
			if exec.CompletionStatus < models.CrCancel {
				exec.CompletionStatus = models.CrUnknown
			}
			s.addLoad(exec.QueueType, -exec.WorkUnits())
		}

		if exec.QueueType == models.QueueLocal {
			s.classifyLocal(exec, update)
		} else {
			s.classifyCluster(exec, update, newlyTerminal)
		}
	}

	if err := s.execs.Save(ctx, exec); err != nil {
		return nil, unchanged, fmt.Errorf("could not save task execution %s: %w", exec.ID, err)
	}
	return exec, c, nil
}

func (s *Supervisor) announce(ctx context.Context, exec *models.TaskExecution, c change) {
	switch c {
	case completed:
		s.metrics.Completion(exec.QueueType.String(), exec.CompletionStatus.String())
		log.Info().
			Str("task_execution_id", exec.ID.String()).
			Str("queue", exec.QueueType.String()).
			Int("process_status", int(exec.LastProcessStatus)).
			Str("completion", exec.CompletionStatus.String()).
			Msg("Task execution completed")
		s.publish(ctx, exec, true)
	case progressed:
		s.publish(ctx, exec, false)
	}
}

// classifyLocal uses the exit code, which the process manager may deliver separately from the
// exit event
func (s *Supervisor) classifyLocal(exec *models.TaskExecution, update JobUpdate) {
	if !update.ExitCode.Valid {
		return
	}

	if exec.CompletionStatus < models.CrCancel {
		if update.ExitCode.Int64 == exec.ExpectedExitCode {
			exec.CompletionStatus = models.CrSuccess
		} else {
			exec.CompletionStatus = models.CrError
		}
	}

	if !exec.ExitCode.Valid {
		exec.ExitCode = update.ExitCode
		s.updateStatistics(exec)
	}
}

// classifyCluster relies on the scheduler status since the exit code is not reliably reported
func (s *Supervisor) classifyCluster(exec *models.TaskExecution, update JobUpdate, newlyTerminal bool) {
	if update.ExitCode.Valid && !exec.ExitCode.Valid {
		exec.ExitCode = update.ExitCode
	}

	if exec.CompletionStatus >= models.CrCancel {
		// stopped or already classified; a stopped job is counted once the scheduler confirms its end
		if newlyTerminal {
			s.updateStatistics(exec)
		}
		return
	}

	switch update.Status {
	case models.JobStopped:
		exec.CompletionStatus = models.CrSuccess
	case models.JobExited:
		exec.CompletionStatus = models.CrError
	}

	if exec.CompletionStatus >= models.CrSuccess {
		if exec.CompletionStatus == models.CrSuccess {
			writeDoneFile(exec, s.now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))
		}
		s.updateStatistics(exec)
	}
}

func writeDoneFile(exec *models.TaskExecution, stamp string) {
	if exec.ResolvedLogPath == "" {
		return
	}
	path := exec.LogFile(models.DoneFileSuffix)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Could not write done file")
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString("Complete " + stamp); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Could not write done file")
	}
}

// StopTask optimistically marks the execution cancelled and, unless it is being reclaimed as a
// zombie, asks its backend to stop it. A backend failure returns the error with a nil execution.
// Completed executions are returned as they are.
func (s *Supervisor) StopTask(ctx context.Context, id uuid.UUID, isZombie bool) (*models.TaskExecution, error) {
	exec, err := s.markCancelled(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.CompletedAt.Valid {
		return exec, nil
	}

	if !isZombie {
		b, err := s.backend(exec.QueueType)
		if err != nil {
			return nil, err
		}
		if err := b.Stop(ctx, exec); err != nil {
			return nil, fmt.Errorf("could not stop task execution %s: %w", id, err)
		}
	}

	return s.execs.Get(ctx, id)
}

// Cancel stops an execution on behalf of a caller. With force, an execution whose backend could
// not be reached is released as if it were a zombie so its capacity is not held forever.
func (s *Supervisor) Cancel(ctx context.Context, id uuid.UUID, force bool) (*models.TaskExecution, error) {
	exec, err := s.StopTask(ctx, id, false)
	if err == nil || !force || errors.Is(err, store.ErrNotFound) {
		return exec, err
	}

	log.Warn().Err(err).Str("task_execution_id", id.String()).Msg("Backend stop failed, releasing task execution")
	return s.StopTask(ctx, id, true)
}

func (s *Supervisor) markCancelled(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	exec, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if exec.CompletedAt.Valid || exec.CompletionStatus >= models.CrCancel {
		return exec, nil
	}

	// assume cancelled; the backend still reports when the job actually ends
	exec.ExecutionStatus = models.EsZombie
	exec.CompletionStatus = models.CrCancel
	if err := s.execs.Save(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// CompleteStopped finishes a stopped execution whose job the backend no longer lists. It is
// counted as cancelled.
func (s *Supervisor) CompleteStopped(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error) {
	exec, c, err := s.completeStopped(ctx, id)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, exec, c)
	return exec, nil
}

func (s *Supervisor) completeStopped(ctx context.Context, id uuid.UUID) (*models.TaskExecution, change, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	exec, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, unchanged, err
	}
	if exec.CompletedAt.Valid || exec.ExecutionStatus != models.EsZombie {
		return exec, unchanged, nil
	}

	exec.CompletedAt = null.TimeFrom(s.now().UTC())
	exec.ExecutionStatus = models.EsCompleted
	if exec.CompletionStatus < models.CrCancel {
		exec.CompletionStatus = models.CrCancel
	}
	s.addLoad(exec.QueueType, -exec.WorkUnits())
	s.updateStatistics(exec)

	if err := s.execs.Save(ctx, exec); err != nil {
		return nil, unchanged, err
	}
	return exec, completed, nil
}

// UpdateZombie reclaims a running execution its backend no longer knows about. Executions that
// started within the grace period are left alone because a fresh submission may not be listed yet.
// It reports whether the execution was reclaimed.
func (s *Supervisor) UpdateZombie(ctx context.Context, exec *models.TaskExecution) (bool, error) {
	started := exec.StartedAt
	if !started.Valid {
		started = exec.SubmittedAt
	}
	if !started.Valid {
		started = null.TimeFrom(exec.CreatedAt)
	}
	if s.now().Sub(started.Time) < s.zombieGrace {
		return false, nil
	}

	log.Warn().
		Str("task_execution_id", exec.ID.String()).
		Str("queue", exec.QueueType.String()).
		Time("started_at", started.Time).
		Msg("Reclaiming zombie task execution")

	if _, err := s.StopTask(ctx, exec.ID, true); err != nil {
		return false, err
	}
	s.metrics.Zombie(exec.QueueType.String())
	return true, nil
}

// AssignJob records a job handle that the backend learned after Start returned. A job whose
// execution was stopped before its id was known is stopped now.
func (s *Supervisor) AssignJob(ctx context.Context, id uuid.UUID, handle JobHandle) error {
	exec, err := s.assignJob(ctx, id, handle)
	if err != nil {
		return err
	}

	if !handle.ID.Valid || exec.CompletedAt.Valid || exec.CompletionStatus != models.CrCancel {
		return nil
	}

	log.Info().
		Str("task_execution_id", id.String()).
		Int64("job_id", exec.JobID.Int64).
		Msg("Stopping job of a cancelled task execution")
	b, err := s.backend(exec.QueueType)
	if err != nil {
		return err
	}
	if err := b.Stop(ctx, exec); err != nil {
		return fmt.Errorf("could not stop task execution %s: %w", id, err)
	}
	return nil
}

func (s *Supervisor) assignJob(ctx context.Context, id uuid.UUID, handle JobHandle) (*models.TaskExecution, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	exec, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if handle.ID.Valid {
		exec.JobID = handle.ID
	}
	if handle.Name.Valid {
		exec.JobName = handle.Name
	}
	if err := s.execs.Save(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// FailSubmission completes an execution whose backend submission failed after dispatch. No backend
// report will ever arrive for it.
func (s *Supervisor) FailSubmission(ctx context.Context, id uuid.UUID) error {
	exec, err := s.failSubmission(ctx, id)
	if err != nil || exec == nil {
		return err
	}
	s.metrics.Completion(exec.QueueType.String(), exec.CompletionStatus.String())
	s.publish(ctx, exec, true)
	return nil
}

func (s *Supervisor) failSubmission(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	exec, err := s.execs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.CompletedAt.Valid {
		return nil, nil
	}

	exec.CompletedAt = null.TimeFrom(s.now().UTC())
	exec.ExecutionStatus = models.EsCompleted
	if exec.CompletionStatus < models.CrCancel {
		exec.CompletionStatus = models.CrError
	}
	s.addLoad(exec.QueueType, -exec.WorkUnits())

	if err := s.execs.Save(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}
