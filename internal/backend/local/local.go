// Package local runs task executions as child processes of the agent. Lifecycle events from the
// process manager are forwarded to the supervisor as they happen and a periodic reconciliation
// pass catches anything the events missed.
package local

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"pipelineworker/internal/metrics"
	"pipelineworker/internal/models"
	"pipelineworker/internal/procman"
	"pipelineworker/internal/store"
	"pipelineworker/internal/supervisor"
)

const (
	DefaultPollInterval = 20 * time.Second
	// LongRunningThreshold is the age after which a running task is reported on every pass
	LongRunningThreshold = 3 * time.Hour
)

// Supervisor is the part of the task supervisor the backend reports to
type Supervisor interface {
	Update(ctx context.Context, id uuid.UUID, update supervisor.JobUpdate) (*models.TaskExecution, error)
	UpdateZombie(ctx context.Context, exec *models.TaskExecution) (bool, error)
	NotifyTaskLoad(q models.QueueType, load float64)
	Executions() store.ExecutionStore
}

// ProcessManager is implemented by procman.Manager
type ProcessManager interface {
	Start(spec procman.Spec) (procman.Process, error)
	Stop(name string) error
	Delete(name string) error
	List() []procman.Process
	Subscribe() (<-chan procman.Event, func())
}

type Options struct {
	Supervisor     Supervisor
	ProcessManager ProcessManager
	Sampler        Sampler
	Metrics        *metrics.Metrics
	PollInterval   time.Duration
	Clock          func() time.Time
}

type Backend struct {
	sup          Supervisor
	pm           ProcessManager
	sampler      Sampler
	metrics      *metrics.Metrics
	pollInterval time.Duration
	now          func() time.Time

	isRunning   atomic.Bool
	reconciling atomic.Bool
	cancelFunc  context.CancelFunc
	wg          sync.WaitGroup
}

func New(opts Options) *Backend {
	b := &Backend{
		sup:          opts.Supervisor,
		pm:           opts.ProcessManager,
		sampler:      opts.Sampler,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		now:          opts.Clock,
	}
	if b.sampler == nil {
		b.sampler = PSSampler{}
	}
	if b.pollInterval <= 0 {
		b.pollInterval = DefaultPollInterval
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *Backend) QueueType() models.QueueType {
	return models.QueueLocal
}

// Start launches the execution's script as a single-shot process named after the execution id
func (b *Backend) Start(_ context.Context, exec *models.TaskExecution) (supervisor.JobHandle, error) {
	spec := processSpec(exec)
	proc, err := b.pm.Start(spec)
	if err != nil {
		return supervisor.JobHandle{}, err
	}

	log.Info().
		Str("task_execution_id", exec.ID.String()).
		Int("pid", proc.PID).
		Str("command", spec.Command).
		Strs("args", spec.Args).
		Msg("Started local process")

	return supervisor.JobHandle{
		ID:   null.IntFrom(int64(proc.PID)),
		Name: null.StringFrom(proc.Name),
	}, nil
}

func processSpec(exec *models.TaskExecution) procman.Spec {
	command := exec.ResolvedScript
	args := append([]string(nil), exec.ResolvedScriptArgs...)
	if exec.ResolvedInterpreter != "" {
		command = exec.ResolvedInterpreter
		args = append([]string{exec.ResolvedScript}, args...)
	}

	spec := procman.Spec{
		Name:    exec.ID.String(),
		Command: command,
		Args:    args,
		Dir:     filepath.Dir(exec.ResolvedScript),
	}
	if exec.ResolvedLogPath != "" {
		spec.OutFile = exec.LogFile(models.LocalOutLogSuffix)
		spec.ErrFile = exec.LogFile(models.LocalErrLogSuffix)
	}
	return spec
}

// Stop asks the process manager to stop the process. Failures are logged, never returned.
func (b *Backend) Stop(_ context.Context, exec *models.TaskExecution) error {
	if err := b.pm.Stop(exec.ID.String()); err != nil {
		log.Error().Err(err).Str("task_execution_id", exec.ID.String()).Msg("Could not stop local process")
	}
	return nil
}

// Run starts forwarding process events and the periodic reconciliation. It returns immediately.
func (b *Backend) Run(ctx context.Context) {
	if !b.isRunning.CompareAndSwap(false, true) {
		return
	}

	ctx, b.cancelFunc = context.WithCancel(ctx)
	events, unsubscribe := b.pm.Subscribe()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer unsubscribe()

		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				b.handleEvent(ctx, ev.Process)
			case <-ticker.C:
				if !b.reconciling.CompareAndSwap(false, true) {
					continue
				}
				b.wg.Add(1)
				go func() {
					defer b.wg.Done()
					defer b.reconciling.Store(false)
					if err := b.Reconcile(ctx); err != nil {
						b.metrics.PollError(models.QueueLocal.String())
						log.Error().Err(err).Msg("Local reconciliation failed")
					}
				}()
			}
		}
	}()
}

// Close ends the event loop and waits for a running reconciliation to finish
func (b *Backend) Close() {
	if !b.isRunning.CompareAndSwap(true, false) {
		return
	}
	b.cancelFunc()
	b.wg.Wait()
}

func (b *Backend) handleEvent(ctx context.Context, proc procman.Process) {
	id, err := uuid.Parse(proc.Name)
	if err != nil {
		log.Debug().Str("name", proc.Name).Msg("Ignoring event for unmanaged process")
		return
	}
	if err := b.report(ctx, id, proc); err != nil {
		log.Error().Err(err).Str("task_execution_id", id.String()).Msg("Could not apply process update")
	}
}

// report derives an update from the process snapshot and forwards it. A finished process is
// forgotten once the execution has been completed.
func (b *Backend) report(ctx context.Context, id uuid.UUID, proc procman.Process) error {
	update := supervisor.JobUpdate{Status: jobStatus(proc.Status)}
	if proc.Status.Exited() {
		update.ExitCode = null.IntFrom(int64(proc.ExitCode))
	} else if proc.PID > 0 {
		stats, err := b.sampler.Sample(ctx, proc.PID)
		if err != nil {
			log.Debug().Err(err).Str("task_execution_id", id.String()).Msg("No resource sample this round")
		} else {
			update.Statistics = stats
		}
	}

	exec, err := b.sup.Update(ctx, id, update)
	if err != nil {
		return err
	}

	if update.Status.IsTerminal() && (exec == nil || exec.CompletedAt.Valid) {
		if err := b.pm.Delete(proc.Name); err != nil && !errors.Is(err, procman.ErrNotFound) {
			log.Warn().Err(err).Str("name", proc.Name).Msg("Could not delete finished process")
		}
	}
	return nil
}

func jobStatus(s procman.Status) models.JobStatus {
	switch s {
	case procman.StatusLaunching:
		return models.JobStarted
	case procman.StatusOnline:
		return models.JobOnline
	case procman.StatusStopping:
		return models.JobStopping
	case procman.StatusStopped:
		return models.JobStopped
	case procman.StatusErrored:
		return models.JobExited
	default:
		return models.JobUnknown
	}
}

// Reconcile refreshes every known process, reclaims executions the process manager no longer
// knows and pushes the authoritative local load to the supervisor
func (b *Backend) Reconcile(ctx context.Context) error {
	procs := b.pm.List()
	known := make(map[string]bool, len(procs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, proc := range procs {
		known[proc.Name] = true
		id, err := uuid.Parse(proc.Name)
		if err != nil {
			continue
		}
		g.Go(func() error {
			if err := b.report(gctx, id, proc); err != nil {
				log.Error().Err(err).Str("task_execution_id", id.String()).Msg("Could not refresh process")
			}
			return nil
		})
	}
	_ = g.Wait()

	running, err := b.sup.Executions().FindRunningByQueue(ctx, models.QueueLocal)
	if err != nil {
		return fmt.Errorf("could not list running local executions: %w", err)
	}

	var load float64
	now := b.now()
	for _, exec := range running {
		if !known[exec.ID.String()] {
			reclaimed, err := b.sup.UpdateZombie(ctx, exec)
			if err != nil {
				log.Error().Err(err).Str("task_execution_id", exec.ID.String()).Msg("Could not reclaim zombie")
			}
			if reclaimed {
				continue
			}
		}

		load += exec.LocalWorkUnits
		if exec.StartedAt.Valid && now.Sub(exec.StartedAt.Time) > LongRunningThreshold {
			log.Warn().
				Str("task_execution_id", exec.ID.String()).
				Str("tile_id", exec.TileID).
				Dur("running_for", now.Sub(exec.StartedAt.Time)).
				Msg("Long running local task")
		}
	}

	b.sup.NotifyTaskLoad(models.QueueLocal, load)
	log.Debug().Int("processes", len(procs)).Int("running", len(running)).Float64("load", load).Msg("Local reconciliation complete")
	return nil
}
