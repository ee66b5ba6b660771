// Package synchronize mirrors this worker's completed executions into the coordinator's store
package synchronize

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"pipelineworker/internal/metrics"
	"pipelineworker/internal/models"
	"pipelineworker/internal/store"
)

// DefaultStaleInProgress is how long a row may stay InProgress before the watchdog releases it
const DefaultStaleInProgress = 10 * time.Minute

type Options struct {
	Local   store.ExecutionStore
	Remote  store.RemoteExecutionStore
	Metrics *metrics.Metrics

	// WorkerID scopes the remote rows the sweeper may touch
	WorkerID        uuid.UUID
	CompletionCodes []models.CompletionResult
	Schedule        string
	StaleInProgress time.Duration
	Clock           func() time.Time
}

// Result counts the rows a pass wrote remotely
type Result struct {
	Inserted int
	Updated  int
	Skipped  int
	Deleted  int
}

type Sweeper struct {
	local   store.ExecutionStore
	remote  store.RemoteExecutionStore
	metrics *metrics.Metrics

	workerID        uuid.UUID
	codes           []models.CompletionResult
	schedule        string
	staleInProgress time.Duration
	now             func() time.Time

	cron      *cron.Cron
	isRunning bool
	sweeping  atomic.Bool
}

func New(opts Options) *Sweeper {
	s := &Sweeper{
		local:           opts.Local,
		remote:          opts.Remote,
		metrics:         opts.Metrics,
		workerID:        opts.WorkerID,
		codes:           opts.CompletionCodes,
		schedule:        opts.Schedule,
		staleInProgress: opts.StaleInProgress,
		now:             opts.Clock,
	}
	if s.schedule == "" {
		s.schedule = "@every 15s"
	}
	if s.staleInProgress <= 0 {
		s.staleInProgress = DefaultStaleInProgress
	}
	if s.now == nil {
		s.now = time.Now
	}
	if len(s.codes) == 0 {
		s.codes = []models.CompletionResult{models.CrError, models.CrCancel, models.CrResubmitted}
	}

	s.cron = cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(time.UTC),
	)
	return s
}

// Start schedules the sweep. Passes that would overlap a running one are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.isRunning {
		return nil
	}

	_, err := s.cron.AddFunc(s.schedule, func() {
		if !s.sweeping.CompareAndSwap(false, true) {
			log.Debug().Msg("Previous synchronization still running, skipping")
			return
		}
		defer s.sweeping.Store(false)
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.isRunning = true
	log.Info().Str("schedule", s.schedule).Msg("Started synchronization")
	return nil
}

// Stop unschedules the sweep and waits for a pass in flight
func (s *Sweeper) Stop() {
	if !s.isRunning {
		return
	}
	<-s.cron.Stop().Done()
	s.isRunning = false
}

// Sweep synchronizes every configured completion code. A failed code does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	for _, code := range s.codes {
		if ctx.Err() != nil {
			return
		}
		res, err := s.RunOnce(ctx, code)
		if err != nil {
			s.metrics.SyncError()
			log.Error().Err(err).Str("completion", code.String()).Msg("Synchronization failed")
			continue
		}
		if res.Inserted+res.Updated+res.Deleted > 0 {
			log.Info().
				Str("completion", code.String()).
				Int("inserted", res.Inserted).
				Int("updated", res.Updated).
				Int("skipped", res.Skipped).
				Int("deleted", res.Deleted).
				Msg("Synchronized task executions")
		}
	}
}

// RunOnce performs one synchronization of the executions with the given completion result.
// All remote writes share one transaction; when it fails the rows stay InProgress until the
// watchdog releases them.
func (s *Sweeper) RunOnce(ctx context.Context, code models.CompletionResult) (Result, error) {
	var res Result

	released, err := s.local.ResetStaleSyncInProgress(ctx, s.now().Add(-s.staleInProgress))
	if err != nil {
		return res, fmt.Errorf("could not reset stale synchronizations: %w", err)
	}
	if released > 0 {
		log.Warn().Int64("count", released).Msg("Released stale in-progress synchronizations")
	}

	local, err := s.local.FindUnsynced(ctx, code)
	if err != nil {
		return res, fmt.Errorf("could not list unsynchronized executions: %w", err)
	}
	remote, err := s.remote.FindForWorker(ctx, s.workerID, code)
	if err != nil {
		return res, fmt.Errorf("could not list remote executions: %w", err)
	}

	remoteByID := make(map[uuid.UUID]*models.TaskExecution, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}

	var inserts, updates []*models.TaskExecution
	var marked []uuid.UUID
	for _, exec := range local {
		marked = append(marked, exec.ID)

		existing, ok := remoteByID[exec.ID]
		if !ok {
			inserts = append(inserts, remoteCopy(exec, models.SyncNever, null.Time{}))
			continue
		}

		target := models.SyncNever
		if existing.SynchronizedAt.Valid {
			target = models.SyncExpired
		}
		if target == existing.SyncStatus {
			res.Skipped++
			continue
		}
		updates = append(updates, remoteCopy(exec, target, existing.SynchronizedAt))
	}

	deletes, err := s.missingLocally(ctx, remote)
	if err != nil {
		return res, err
	}

	if len(marked) > 0 {
		if err := s.local.SetSyncStatus(ctx, marked, models.SyncInProgress); err != nil {
			return res, fmt.Errorf("could not mark synchronization in progress: %w", err)
		}
	}

	if err := s.remote.ApplyBatch(ctx, inserts, updates, deletes); err != nil {
		return res, fmt.Errorf("could not write remote batch: %w", err)
	}

	if len(marked) > 0 {
		if err := s.local.SetSyncStatus(ctx, marked, models.SyncComplete); err != nil {
			return res, fmt.Errorf("could not mark synchronization complete: %w", err)
		}
	}

	res.Inserted, res.Updated, res.Deleted = len(inserts), len(updates), len(deletes)
	s.metrics.SyncRows("insert", res.Inserted)
	s.metrics.SyncRows("update", res.Updated)
	s.metrics.SyncRows("skip", res.Skipped)
	s.metrics.SyncRows("delete", res.Deleted)
	return res, nil
}

// missingLocally returns the remote rows whose local record has been removed
func (s *Sweeper) missingLocally(ctx context.Context, remote []*models.TaskExecution) ([]uuid.UUID, error) {
	if len(remote) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(remote))
	for i, r := range remote {
		ids[i] = r.ID
	}
	existing, err := s.local.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("could not check local executions: %w", err)
	}

	var missing []uuid.UUID
	for _, id := range ids {
		if !existing[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// remoteCopy is the row written to the coordinator. Its sync markers describe the coordinator's
// view, not this worker's.
func remoteCopy(exec *models.TaskExecution, status models.SyncStatus, synchronizedAt null.Time) *models.TaskExecution {
	c := *exec
	c.SyncStatus = status
	c.SynchronizedAt = synchronizedAt
	return &c
}
