// Package supervisor admits task executions against the worker's capacity, dispatches them to the
// local or cluster backend and merges backend progress into the execution records.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"pipelineworker/internal/metrics"
	"pipelineworker/internal/models"
	"pipelineworker/internal/queue"
	"pipelineworker/internal/store"
)

// DefaultZombieGrace is how long a running execution may be missing from its backend's listing
// before it is reclaimed
const DefaultZombieGrace = 15 * time.Minute

// QueueTypePlaceholder in a script argument list is replaced by the chosen queue type's number
const QueueTypePlaceholder = "IS_CLUSTER_JOB"

type Options struct {
	Executions store.ExecutionStore
	Workers    store.WorkerStore
	Publisher  queue.Publisher
	Statistics StatisticsUpdater
	Metrics    *metrics.Metrics

	// WorkingDirectory resolves relative scripts. Defaults to the process working directory.
	WorkingDirectory string
	ZombieGrace      time.Duration
	Clock            func() time.Time
}

type Supervisor struct {
	execs      store.ExecutionStore
	workers    store.WorkerStore
	publisher  queue.Publisher
	statistics StatisticsUpdater
	metrics    *metrics.Metrics

	workingDir  string
	zombieGrace time.Duration
	now         func() time.Time

	backendsMu sync.RWMutex
	backends   map[models.QueueType]Backend

	// admitMu serializes admission decisions
	admitMu sync.Mutex
	locks   *keyedMutex

	workerMu sync.RWMutex
	worker   models.Worker

	localLoad   atomicFloat
	clusterLoad atomicFloat
}

// New loads (or creates) the worker record and returns a supervisor with no backends registered
func New(ctx context.Context, opts Options, defaults *models.Worker) (*Supervisor, error) {
	if opts.Executions == nil || opts.Workers == nil {
		return nil, errors.New("supervisor requires execution and worker stores")
	}

	worker, err := opts.Workers.FindOrCreate(ctx, defaults)
	if err != nil {
		return nil, fmt.Errorf("could not load worker: %w", err)
	}

	s := &Supervisor{
		execs:       opts.Executions,
		workers:     opts.Workers,
		publisher:   opts.Publisher,
		statistics:  opts.Statistics,
		metrics:     opts.Metrics,
		workingDir:  opts.WorkingDirectory,
		zombieGrace: opts.ZombieGrace,
		now:         opts.Clock,
		backends:    make(map[models.QueueType]Backend),
		locks:       newKeyedMutex(),
		worker:      *worker,
	}
	if s.workingDir == "" {
		if s.workingDir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	if s.zombieGrace <= 0 {
		s.zombieGrace = DefaultZombieGrace
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.metrics.SetCapacity(models.QueueLocal.String(), worker.LocalWorkCapacity)
	s.metrics.SetCapacity(models.QueueCluster.String(), worker.ClusterWorkCapacity)

	log.Info().
		Str("worker_id", worker.ID.String()).
		Str("display_name", worker.DisplayName).
		Float64("local_work_capacity", worker.LocalWorkCapacity).
		Float64("cluster_work_capacity", worker.ClusterWorkCapacity).
		Bool("is_cluster_proxy", worker.IsClusterProxy).
		Msg("Loaded worker")

	return s, nil
}

// Register attaches the backend that owns its queue type
func (s *Supervisor) Register(b Backend) {
	s.backendsMu.Lock()
	defer s.backendsMu.Unlock()
	s.backends[b.QueueType()] = b
}

func (s *Supervisor) backend(q models.QueueType) (Backend, error) {
	s.backendsMu.RLock()
	defer s.backendsMu.RUnlock()
	b, ok := s.backends[q]
	if !ok {
		return nil, fmt.Errorf("no backend registered for %s queue", q)
	}
	return b, nil
}

// Worker returns a copy of the cached worker record
func (s *Supervisor) Worker() models.Worker {
	s.workerMu.RLock()
	defer s.workerMu.RUnlock()
	return s.worker
}

// UpdateWorker applies the provided fields, persists and caches the result
func (s *Supervisor) UpdateWorker(ctx context.Context, input models.WorkerInput) (models.Worker, error) {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()

	updated := s.worker
	input.Apply(&updated)
	if err := s.workers.Save(ctx, &updated); err != nil {
		return s.worker, fmt.Errorf("could not save worker: %w", err)
	}
	s.worker = updated

	s.metrics.SetCapacity(models.QueueLocal.String(), updated.LocalWorkCapacity)
	s.metrics.SetCapacity(models.QueueCluster.String(), updated.ClusterWorkCapacity)
	return updated, nil
}

// Load returns the admitted load of a queue. The value is eventually consistent with the backend.
func (s *Supervisor) Load(q models.QueueType) float64 {
	if q == models.QueueCluster {
		return s.clusterLoad.Load()
	}
	return s.localLoad.Load()
}

func (s *Supervisor) addLoad(q models.QueueType, delta float64) {
	var v float64
	if q == models.QueueCluster {
		v = s.clusterLoad.Add(delta)
	} else {
		v = s.localLoad.Add(delta)
	}
	s.metrics.SetLoad(q.String(), v)
}

// NotifyTaskLoad overwrites the admitted load of a queue with the backend's authoritative figure
func (s *Supervisor) NotifyTaskLoad(q models.QueueType, load float64) {
	if q == models.QueueCluster {
		s.clusterLoad.Store(load)
	} else {
		s.localLoad.Store(load)
	}
	s.metrics.SetLoad(q.String(), load)
}

// Executions exposes the record store to backends and queries
func (s *Supervisor) Executions() store.ExecutionStore {
	return s.execs
}

// ZombieGrace is how long a missing execution is tolerated after it started
func (s *Supervisor) ZombieGrace() time.Duration {
	return s.zombieGrace
}

func (s *Supervisor) publish(ctx context.Context, exec *models.TaskExecution, terminal bool) {
	if s.publisher == nil {
		return
	}
	snapshot := *exec
	update := queue.TaskExecutionUpdate{
		WorkerID:      s.Worker().ID,
		TaskExecution: &snapshot,
		Terminal:      terminal,
		SentAt:        s.now().UTC(),
	}
	if err := s.publisher.PublishUpdate(ctx, update); err != nil {
		log.Error().
			Err(err).
			Str("task_execution_id", exec.ID.String()).
			Bool("terminal", terminal).
			Msg("Could not send task execution update")
	}
}

func (s *Supervisor) updateStatistics(exec *models.TaskExecution) {
	if s.statistics == nil {
		return
	}
	snapshot := *exec
	s.statistics.UpdateForExecution(&snapshot)
}
