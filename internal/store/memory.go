package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"pipelineworker/internal/models"
)

// MemoryExecutionStore keeps executions in a map. Records are copied in and out so callers never
// share memory with the store.
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[uuid.UUID]*models.TaskExecution
	now   func() time.Time
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[uuid.UUID]*models.TaskExecution), now: time.Now}
}

func clone(exec *models.TaskExecution) *models.TaskExecution {
	c := *exec
	c.ResolvedScriptArgs = append(models.StringList(nil), exec.ResolvedScriptArgs...)
	c.ResolvedClusterArgs = append(models.StringList(nil), exec.ResolvedClusterArgs...)
	return &c
}

func (s *MemoryExecutionStore) Create(_ context.Context, exec *models.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	s.execs[exec.ID] = clone(exec)
	return nil
}

func (s *MemoryExecutionStore) Get(_ context.Context, id uuid.UUID) (*models.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(exec), nil
}

func (s *MemoryExecutionStore) Save(_ context.Context, exec *models.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.execs[exec.ID]
	if !ok {
		return ErrNotFound
	}
	exec.UpdatedAt = s.now().UTC()
	saved := clone(exec)
	saved.WorkerID = current.WorkerID
	saved.CreatedAt = current.CreatedAt
	saved.SyncStatus = current.SyncStatus
	saved.SynchronizedAt = current.SynchronizedAt
	s.execs[exec.ID] = saved
	return nil
}

func (s *MemoryExecutionStore) filter(keep func(*models.TaskExecution) bool) []*models.TaskExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TaskExecution
	for _, exec := range s.execs {
		if !exec.DeletedAt.Valid && keep(exec) {
			out = append(out, clone(exec))
		}
	}
	return out
}

func (s *MemoryExecutionStore) FindRunning(_ context.Context) ([]*models.TaskExecution, error) {
	out := s.filter(func(e *models.TaskExecution) bool { return e.ExecutionStatus == models.EsRunning })
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Time.After(out[j].SubmittedAt.Time) })
	return out, nil
}

func (s *MemoryExecutionStore) FindRunningByQueue(_ context.Context, queue models.QueueType) ([]*models.TaskExecution, error) {
	return s.filter(func(e *models.TaskExecution) bool {
		return e.ExecutionStatus == models.EsRunning && e.QueueType == queue
	}), nil
}

func (s *MemoryExecutionStore) FindStopping(_ context.Context, queue models.QueueType) ([]*models.TaskExecution, error) {
	return s.filter(func(e *models.TaskExecution) bool {
		return e.ExecutionStatus == models.EsZombie && e.QueueType == queue && e.JobID.Valid && !e.CompletedAt.Valid
	}), nil
}

func matchCompletion(completion *models.CompletionResult) func(*models.TaskExecution) bool {
	return func(e *models.TaskExecution) bool {
		return completion == nil || e.CompletionStatus == *completion
	}
}

func (s *MemoryExecutionStore) Page(_ context.Context, offset, limit int, completion *models.CompletionResult) ([]*models.TaskExecution, error) {
	out := s.filter(matchCompletion(completion))
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CompletedAt.Valid != b.CompletedAt.Valid {
			return a.CompletedAt.Valid
		}
		if !a.CompletedAt.Time.Equal(b.CompletedAt.Time) {
			return a.CompletedAt.Time.After(b.CompletedAt.Time)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if offset >= len(out) {
		return nil, nil
	}
	end := min(offset+limit, len(out))
	return out[offset:end], nil
}

func (s *MemoryExecutionStore) Count(_ context.Context, completion *models.CompletionResult) (int, error) {
	return len(s.filter(matchCompletion(completion))), nil
}

func (s *MemoryExecutionStore) RemoveWithCompletion(_ context.Context, code models.CompletionResult) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, exec := range s.execs {
		if exec.CompletionStatus == code {
			delete(s.execs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryExecutionStore) ResetStaleSyncInProgress(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, exec := range s.execs {
		if exec.SyncStatus == models.SyncInProgress && exec.UpdatedAt.Before(olderThan) {
			exec.SyncStatus = models.SyncNever
			exec.UpdatedAt = s.now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryExecutionStore) FindUnsynced(_ context.Context, code models.CompletionResult) ([]*models.TaskExecution, error) {
	return s.filter(func(e *models.TaskExecution) bool {
		return e.ExecutionStatus == models.EsCompleted &&
			e.CompletionStatus == code &&
			(e.SyncStatus == models.SyncNever || e.SyncStatus == models.SyncExpired)
	}), nil
}

func (s *MemoryExecutionStore) SetSyncStatus(_ context.Context, ids []uuid.UUID, status models.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for _, id := range ids {
		exec, ok := s.execs[id]
		if !ok {
			continue
		}
		exec.SyncStatus = status
		exec.UpdatedAt = now
		if status == models.SyncComplete {
			exec.SynchronizedAt.SetValid(now)
		}
	}
	return nil
}

func (s *MemoryExecutionStore) ExistingIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[uuid.UUID]bool)
	for _, id := range ids {
		if _, ok := s.execs[id]; ok {
			found[id] = true
		}
	}
	return found, nil
}

// SetClock replaces the time source used for created_at/updated_at stamps
func (s *MemoryExecutionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

type MemoryWorkerStore struct {
	mu     sync.Mutex
	worker *models.Worker
}

func NewMemoryWorkerStore() *MemoryWorkerStore {
	return &MemoryWorkerStore{}
}

func (s *MemoryWorkerStore) FindOrCreate(_ context.Context, defaults *models.Worker) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker == nil {
		w := *defaults
		if w.ID == uuid.Nil {
			w.ID = uuid.New()
		}
		w.CreatedAt = time.Now().UTC()
		w.UpdatedAt = w.CreatedAt
		s.worker = &w
	}
	w := *s.worker
	return &w, nil
}

func (s *MemoryWorkerStore) Save(_ context.Context, w *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.UpdatedAt = time.Now().UTC()
	saved := *w
	s.worker = &saved
	return nil
}

type MemoryStatisticsStore struct {
	mu    sync.Mutex
	stats map[uuid.UUID]*models.TaskStatistics
}

func NewMemoryStatisticsStore() *MemoryStatisticsStore {
	return &MemoryStatisticsStore{stats: make(map[uuid.UUID]*models.TaskStatistics)}
}

func (s *MemoryStatisticsStore) Get(_ context.Context, taskID uuid.UUID) (*models.TaskStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.stats[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *stats
	return &c, nil
}

func (s *MemoryStatisticsStore) GetOrCreate(_ context.Context, taskID uuid.UUID) (*models.TaskStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.stats[taskID]
	if !ok {
		stats = models.NewTaskStatistics(taskID)
		stats.CreatedAt = time.Now().UTC()
		stats.UpdatedAt = stats.CreatedAt
		s.stats[taskID] = stats
	}
	c := *stats
	return &c, nil
}

func (s *MemoryStatisticsStore) Save(_ context.Context, stats *models.TaskStatistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats.UpdatedAt = time.Now().UTC()
	c := *stats
	s.stats[stats.TaskID] = &c
	return nil
}

func (s *MemoryStatisticsStore) List(_ context.Context) ([]*models.TaskStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.TaskStatistics, 0, len(s.stats))
	for _, stats := range s.stats {
		c := *stats
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID.String() < out[j].TaskID.String() })
	return out, nil
}

func (s *MemoryStatisticsStore) ResetAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stats := range s.stats {
		stats.Reset()
		stats.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// MemoryRemoteStore stands in for the coordinator database
type MemoryRemoteStore struct {
	mu    sync.Mutex
	execs map[uuid.UUID]*models.TaskExecution

	// FailNext makes the next ApplyBatch return this error without writing anything
	FailNext error
}

func NewMemoryRemoteStore() *MemoryRemoteStore {
	return &MemoryRemoteStore{execs: make(map[uuid.UUID]*models.TaskExecution)}
}

func (s *MemoryRemoteStore) FindForWorker(_ context.Context, workerID uuid.UUID, code models.CompletionResult) ([]*models.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.TaskExecution
	for _, exec := range s.execs {
		if exec.WorkerID == workerID && exec.CompletionStatus == code {
			out = append(out, clone(exec))
		}
	}
	return out, nil
}

func (s *MemoryRemoteStore) ApplyBatch(_ context.Context, inserts, updates []*models.TaskExecution, deletes []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailNext; err != nil {
		s.FailNext = nil
		return err
	}
	for _, exec := range inserts {
		s.execs[exec.ID] = clone(exec)
	}
	for _, exec := range updates {
		s.execs[exec.ID] = clone(exec)
	}
	for _, id := range deletes {
		delete(s.execs, id)
	}
	return nil
}

// Get returns the remote copy of an execution
func (s *MemoryRemoteStore) Get(id uuid.UUID) (*models.TaskExecution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.execs[id]
	if !ok {
		return nil, false
	}
	return clone(exec), true
}

// Put seeds a remote row directly
func (s *MemoryRemoteStore) Put(exec *models.TaskExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = clone(exec)
}
