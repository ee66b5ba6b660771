// Package cluster submits task executions to an LSF style batch scheduler through a remote shell
// and polls the scheduler for their status.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"pipelineworker/internal/metrics"
	"pipelineworker/internal/models"
	"pipelineworker/internal/remote"
	"pipelineworker/internal/store"
	"pipelineworker/internal/supervisor"
)

const DefaultPollInterval = 30 * time.Second

// Supervisor is the part of the task supervisor the backend reports to
type Supervisor interface {
	Update(ctx context.Context, id uuid.UUID, update supervisor.JobUpdate) (*models.TaskExecution, error)
	UpdateZombie(ctx context.Context, exec *models.TaskExecution) (bool, error)
	AssignJob(ctx context.Context, id uuid.UUID, handle supervisor.JobHandle) error
	FailSubmission(ctx context.Context, id uuid.UUID) error
	CompleteStopped(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error)
	NotifyTaskLoad(q models.QueueType, load float64)
	Executions() store.ExecutionStore
	Worker() models.Worker
}

type Options struct {
	Supervisor    Supervisor
	Shell         remote.Shell
	Metrics       *metrics.Metrics
	PollInterval  time.Duration
	JobNamePrefix string
	GroupRoot     string
	SubmitBinary  string
	StatusBinary  string
	KillBinary    string
}

type Backend struct {
	sup          Supervisor
	shell        remote.Shell
	metrics      *metrics.Metrics
	pollInterval time.Duration
	command      CommandOptions
	statusBinary string
	killBinary   string

	// ctx outlives the requests that submit jobs
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	isRunning atomic.Bool
	polling   atomic.Bool
}

func New(opts Options) *Backend {
	b := &Backend{
		sup:          opts.Supervisor,
		shell:        opts.Shell,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		command: CommandOptions{
			SubmitBinary:  opts.SubmitBinary,
			JobNamePrefix: opts.JobNamePrefix,
			GroupRoot:     opts.GroupRoot,
		},
		statusBinary: opts.StatusBinary,
		killBinary:   opts.KillBinary,
	}
	if b.pollInterval <= 0 {
		b.pollInterval = DefaultPollInterval
	}
	if b.command.SubmitBinary == "" {
		b.command.SubmitBinary = "bsub"
	}
	if b.statusBinary == "" {
		b.statusBinary = "bjobs"
	}
	if b.killBinary == "" {
		b.killBinary = "bkill"
	}
	b.ctx, b.cancelFunc = context.WithCancel(context.Background())
	return b
}

func (b *Backend) QueueType() models.QueueType {
	return models.QueueCluster
}

// Start writes the submission script next to the execution's logs and submits it in the
// background. The job id is assigned to the execution once the scheduler reports it.
func (b *Backend) Start(_ context.Context, exec *models.TaskExecution) (supervisor.JobHandle, error) {
	if exec.ResolvedLogPath == "" {
		return supervisor.JobHandle{}, errors.New("cluster executions require a log path")
	}

	command := SubmissionCommand(exec, b.command)
	scriptPath := exec.LogFile(models.ClusterCommandSuffix)
	if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\n"+command+"\n"), 0o775); err != nil {
		return supervisor.JobHandle{}, fmt.Errorf("could not write submission script: %w", err)
	}
	if err := os.Chmod(scriptPath, 0o775); err != nil {
		return supervisor.JobHandle{}, fmt.Errorf("could not make submission script executable: %w", err)
	}

	log.Info().
		Str("task_execution_id", exec.ID.String()).
		Str("command", command).
		Msg("Submitting cluster job")

	id, errLog := exec.ID, exec.LogFile(models.ClusterErrLogSuffix)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.submit(b.ctx, id, scriptPath, errLog)
	}()

	return supervisor.JobHandle{Name: null.StringFrom(JobName(b.command.JobNamePrefix, exec))}, nil
}

func (b *Backend) submit(ctx context.Context, id uuid.UUID, scriptPath, errLog string) {
	res, err := b.shell.Run(ctx, scriptPath)

	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		log.Warn().Str("task_execution_id", id.String()).Str("stderr", stderr).Msg("Cluster submission wrote to stderr")
		appendFile(errLog, res.Stderr)
	}

	jobID, ok := ParseJobID(res.Stdout)
	switch {
	case err != nil:
		log.Error().Err(err).Str("task_execution_id", id.String()).Msg("Could not submit cluster job")
	case res.ExitCode != 0:
		log.Error().Str("task_execution_id", id.String()).Int("exit_code", res.ExitCode).Msg("Cluster submission failed")
	case !ok:
		log.Error().Str("task_execution_id", id.String()).Str("stdout", res.Stdout).Msg("No job id in cluster submission output")
	default:
		if err := b.sup.AssignJob(ctx, id, supervisor.JobHandle{ID: null.IntFrom(jobID)}); err != nil {
			log.Error().Err(err).Str("task_execution_id", id.String()).Int64("job_id", jobID).Msg("Could not save job id")
		} else {
			log.Info().Str("task_execution_id", id.String()).Int64("job_id", jobID).Msg("Submitted cluster job")
		}
		return
	}

	if err := b.sup.FailSubmission(context.WithoutCancel(ctx), id); err != nil {
		log.Error().Err(err).Str("task_execution_id", id.String()).Msg("Could not mark failed submission")
	}
}

func appendFile(path, content string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Could not open cluster error log")
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.WriteString(content)
}

// Stop kills the scheduler job
func (b *Backend) Stop(ctx context.Context, exec *models.TaskExecution) error {
	if !exec.JobID.Valid {
		log.Warn().Str("task_execution_id", exec.ID.String()).Msg("Cluster job has no job id yet, nothing to kill")
		return nil
	}

	res, err := b.shell.Run(ctx, fmt.Sprintf("%s %d", b.killBinary, exec.JobID.Int64))
	if err != nil {
		log.Error().Err(err).Str("task_execution_id", exec.ID.String()).Msg("Could not kill cluster job")
		return err
	}
	if res.ExitCode != 0 {
		err := fmt.Errorf("%s exited with %d: %s", b.killBinary, res.ExitCode, strings.TrimSpace(res.Stderr))
		log.Error().Err(err).Str("task_execution_id", exec.ID.String()).Msg("Could not kill cluster job")
		return err
	}
	return nil
}

// Run starts polling the scheduler. It returns immediately.
func (b *Backend) Run(ctx context.Context) {
	if !b.isRunning.CompareAndSwap(false, true) {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				if !b.polling.CompareAndSwap(false, true) {
					continue
				}
				if err := b.Poll(ctx); err != nil {
					b.metrics.PollError(models.QueueCluster.String())
					log.Error().Err(err).Msg("Cluster poll failed, skipping this pass")
				}
				b.polling.Store(false)
			}
		}
	}()
}

// Close stops polling and waits for submissions in flight
func (b *Backend) Close() {
	b.cancelFunc()
	b.wg.Wait()
}

// Poll queries the scheduler for every running cluster execution, forwards terminal statuses,
// reclaims executions the scheduler no longer reports and pushes the authoritative cluster load.
// A failed query skips the whole pass.
func (b *Backend) Poll(ctx context.Context) error {
	running, err := b.sup.Executions().FindRunningByQueue(ctx, models.QueueCluster)
	if err != nil {
		return fmt.Errorf("could not list running cluster executions: %w", err)
	}
	// stopped jobs are followed until the scheduler reports their end
	stopping, err := b.sup.Executions().FindStopping(ctx, models.QueueCluster)
	if err != nil {
		return fmt.Errorf("could not list stopping cluster executions: %w", err)
	}

	var ids []string
	for _, exec := range append(running, stopping...) {
		if exec.JobID.Valid {
			ids = append(ids, strconv.FormatInt(exec.JobID.Int64, 10))
		}
	}

	jobs := make(map[int64]JobInfo)
	if len(ids) > 0 {
		res, err := b.shell.Run(ctx, fmt.Sprintf("%s -a -W %s", b.statusBinary, strings.Join(ids, " ")))
		if err != nil {
			return fmt.Errorf("could not query job status: %w", err)
		}
		if res.ExitCode != 0 && strings.TrimSpace(res.Stdout) == "" {
			return fmt.Errorf("%s exited with %d: %s", b.statusBinary, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		for _, job := range ParseJobReport(res.Stdout) {
			jobs[job.ID] = job
		}
		log.Debug().Int("queried", len(ids)).Int("reported", len(jobs)).Msg("Received cluster job status")
	}

	worker := b.sup.Worker()
	var load float64
	var count int
	for _, exec := range running {
		job, ok := jobs[exec.JobID.Int64]
		if !exec.JobID.Valid || !ok {
			reclaimed, err := b.sup.UpdateZombie(ctx, exec)
			if err != nil {
				log.Error().Err(err).Str("task_execution_id", exec.ID.String()).Msg("Could not reclaim zombie")
			}
			if !reclaimed {
				load += exec.ClusterWorkUnits
				count++
			}
			continue
		}

		if job.Status.IsTerminal() {
			b.update(ctx, exec, job)
			continue
		}
		load += exec.ClusterWorkUnits
		count++
	}

	for _, exec := range stopping {
		job, ok := jobs[exec.JobID.Int64]
		switch {
		case !ok:
			if _, err := b.sup.CompleteStopped(ctx, exec.ID); err != nil {
				log.Error().Err(err).Str("task_execution_id", exec.ID.String()).Msg("Could not complete stopped cluster job")
			}
		case job.Status.IsTerminal():
			b.update(ctx, exec, job)
		default:
			load += exec.ClusterWorkUnits
			count++
		}
	}

	if worker.IsClusterProxy {
		load = float64(count)
	}
	b.sup.NotifyTaskLoad(models.QueueCluster, load)
	return nil
}

func (b *Backend) update(ctx context.Context, exec *models.TaskExecution, job JobInfo) {
	if _, err := b.sup.Update(ctx, exec.ID, job.Update()); err != nil {
		log.Error().Err(err).Str("task_execution_id", exec.ID.String()).Msg("Could not apply cluster job status")
	}
}
