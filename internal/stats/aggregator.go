// Package stats keeps per task running averages and extremes of cpu, memory and duration for
// completed executions.
package stats

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	taskrunner "github.com/Swind/go-task-runner"
	"github.com/Swind/go-task-runner/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"pipelineworker/internal/metrics"
	"pipelineworker/internal/models"
	"pipelineworker/internal/store"
)

// sample is a snapshot of the fields of an execution the aggregates are computed from
type sample struct {
	taskID     uuid.UUID
	completion models.CompletionResult
	cpu        float64
	memoryMB   float64
	seconds    float64
}

// DefaultDrainTimeout bounds how long Stop waits for queued updates
const DefaultDrainTimeout = 10 * time.Second

// Aggregator applies statistics updates one at a time in arrival order
type Aggregator struct {
	store   store.StatisticsStore
	metrics *metrics.Metrics

	pool    *taskrunner.GoroutineThreadPool
	runner  *core.SequencedTaskRunner
	pending atomic.Int64

	// applyMu serializes queued updates with immediate resets
	applyMu sync.Mutex

	DrainTimeout time.Duration

	isRunning atomic.Bool
	stopped   atomic.Bool
}

func NewAggregator(s store.StatisticsStore, m *metrics.Metrics) *Aggregator {
	pool := taskrunner.NewGoroutineThreadPoolWithConfig("task-statistics", 1, &core.TaskSchedulerConfig{
		PanicHandler:        panicLogger{},
		RejectedTaskHandler: rejectLogger{},
	})
	return &Aggregator{
		store:        s,
		metrics:      m,
		pool:         pool,
		runner:       core.NewSequencedTaskRunner(pool),
		DrainTimeout: DefaultDrainTimeout,
	}
}

// UpdateForExecution queues the execution's result. It never blocks.
func (a *Aggregator) UpdateForExecution(exec *models.TaskExecution) {
	s := &sample{
		taskID:     exec.TaskDefinitionID,
		completion: exec.CompletionStatus,
		cpu:        math.NaN(),
		memoryMB:   math.NaN(),
		seconds:    math.NaN(),
	}
	if exec.MaxCPUPercent.Valid {
		s.cpu = exec.MaxCPUPercent.Float64
	}
	if exec.MaxMemoryMB.Valid {
		s.memoryMB = exec.MaxMemoryMB.Float64
	}
	if d, ok := exec.Duration(); ok {
		s.seconds = d.Seconds()
	}

	a.post(func(ctx context.Context) {
		if err := a.update(ctx, s); err != nil {
			log.Error().Err(err).Str("task_id", s.taskID.String()).Msg("Could not update task statistics")
		}
	})
}

// ResetAll queues a reset of every aggregate behind the updates already waiting. The returned
// channel is closed once the reset has been applied.
func (a *Aggregator) ResetAll() <-chan struct{} {
	done := make(chan struct{})
	a.post(func(ctx context.Context) {
		if err := a.store.ResetAll(ctx); err != nil {
			log.Error().Err(err).Msg("Could not reset task statistics")
		}
		close(done)
	})
	return done
}

// ResetTask clears the aggregate of one task immediately
func (a *Aggregator) ResetTask(ctx context.Context, taskID uuid.UUID) (*models.TaskStatistics, error) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	stats, err := a.store.GetOrCreate(ctx, taskID)
	if err != nil {
		return nil, err
	}
	stats.Reset()
	if err := a.store.Save(ctx, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (a *Aggregator) post(apply func(ctx context.Context)) {
	if a.stopped.Load() {
		log.Warn().Msg("Statistics aggregator is stopped, dropping update")
		return
	}

	a.metrics.SetStatisticsQueueDepth(int(a.pending.Add(1)))
	a.runner.PostTask(func(ctx context.Context) {
		defer func() {
			a.metrics.SetStatisticsQueueDepth(int(a.pending.Add(-1)))
		}()

		a.applyMu.Lock()
		defer a.applyMu.Unlock()
		apply(ctx)
	})
}

// Start begins applying queued updates. Updates posted before Start wait for it.
func (a *Aggregator) Start(ctx context.Context) {
	if a.stopped.Load() || !a.isRunning.CompareAndSwap(false, true) {
		return
	}
	a.pool.Start(ctx)
}

// Stop waits up to DrainTimeout for queued updates to be applied and releases the worker.
// Whatever is still queued after that is dropped and logged.
func (a *Aggregator) Stop() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}

	if a.isRunning.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), a.DrainTimeout)
		if err := a.runner.WaitIdle(ctx); err != nil {
			log.Warn().Err(err).Msg("Timed out applying queued task statistics")
		}
		cancel()
	}

	if dropped := a.runner.PendingTaskCount(); dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Dropping queued task statistics updates on shutdown")
	}
	a.runner.Shutdown()
	a.pool.Stop()
	a.isRunning.Store(false)
	a.pending.Store(0)
	a.metrics.SetStatisticsQueueDepth(0)
}

// Pending is the number of queued updates not yet applied
func (a *Aggregator) Pending() int {
	return int(a.pending.Load())
}

type panicLogger struct{}

func (panicLogger) HandlePanic(_ context.Context, runner string, _ int, info any, stack []byte) {
	log.Error().Str("runner", runner).Interface("panic", info).Bytes("stack", stack).Msg("Statistics update panicked")
}

type rejectLogger struct{}

func (rejectLogger) HandleRejectedTask(runner, reason string) {
	log.Debug().Str("runner", runner).Str("reason", reason).Msg("Statistics task rejected")
}

func (a *Aggregator) update(ctx context.Context, s *sample) error {
	switch s.completion {
	case models.CrCancel, models.CrError, models.CrSuccess:
	default:
		// only completed executions count
		return nil
	}

	stats, err := a.store.GetOrCreate(ctx, s.taskID)
	if err != nil {
		return err
	}
	Apply(stats, s.completion, s.cpu, s.memoryMB, s.seconds)
	return a.store.Save(ctx, stats)
}

// Apply folds one completed execution into the aggregate. NaN samples leave their metric and its
// sample count as is. Durations are in seconds and memory in MB.
func Apply(stats *models.TaskStatistics, completion models.CompletionResult, cpu, memoryMB, seconds float64) {
	switch completion {
	case models.CrCancel:
		stats.NumCancel++
	case models.CrError:
		stats.NumError++
	case models.CrSuccess:
		fold(&stats.CPUAverage, &stats.CPUHigh, &stats.CPULow, &stats.CPUSamples, cpu)
		fold(&stats.MemoryAverage, &stats.MemoryHigh, &stats.MemoryLow, &stats.MemorySamples, memoryMB)
		fold(&stats.DurationAverage, &stats.DurationHigh, &stats.DurationLow, &stats.DurationSamples, seconds)
		stats.NumComplete++
	default:
		return
	}
	stats.NumExecute++
}

func fold(avg, high, low *float64, count *int64, v float64) {
	if math.IsNaN(v) {
		return
	}
	n := float64(*count)
	*avg = (*avg*n + v) / (n + 1)
	*high = math.Max(*high, v)
	*low = math.Min(*low, v)
	*count++
}
